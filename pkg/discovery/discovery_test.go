/*
Copyright 2024 The Dropwire Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package discovery

import (
	"testing"

	"dropwire.dev/pkg/blob"
	"dropwire.dev/pkg/endpoint"
	"dropwire.dev/pkg/ticket"
)

func TestFormatParseRecordRoundTrip(t *testing.T) {
	node := ticket.NodeID(blob.Sum([]byte("a-node")))
	want := endpoint.NodeAddr{
		NodeID: node,
		Relay:  "relay.example:4433",
		Addrs:  []string{"203.0.113.5:4433", "[2001:db8::1]:4433"},
	}
	record := formatRecord(want)
	got := parseRecord(node, record[len(recordPrefix)+1:])
	if got.Relay != want.Relay {
		t.Fatalf("relay mismatch: got %q want %q", got.Relay, want.Relay)
	}
	if len(got.Addrs) != len(want.Addrs) {
		t.Fatalf("addr count mismatch: got %d want %d", len(got.Addrs), len(want.Addrs))
	}
	for i := range want.Addrs {
		if got.Addrs[i] != want.Addrs[i] {
			t.Fatalf("addr %d mismatch: got %q want %q", i, got.Addrs[i], want.Addrs[i])
		}
	}
}

func TestRecordNameIncludesNodeID(t *testing.T) {
	node := ticket.NodeID(blob.Sum([]byte("another-node")))
	name := recordName(node)
	if name == "" || name[len(name)-1] != '.' {
		t.Fatalf("expected a fully-qualified record name, got %q", name)
	}
}
