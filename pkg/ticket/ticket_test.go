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

package ticket

import (
	"reflect"
	"testing"

	"dropwire.dev/pkg/blob"
)

func testNode() NodeID {
	return NodeID(blob.Sum([]byte("node-identity")))
}

func TestRoundTripEachAddrInfoOptions(t *testing.T) {
	root := blob.Sum([]byte("collection-root"))
	cases := []struct {
		name string
		opts AddrInfoOptions
	}{
		{"id", Id},
		{"relay", Relay},
		{"addresses", Addresses},
		{"relay-and-addresses", RelayAndAddresses},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			want := New(testNode(), "relay.example:4433", []string{"10.0.0.1:4433", "[::1]:4433"}, root, FormatHashSeq, c.opts)
			s := want.String()
			got, err := Parse(s)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
			}
			switch c.opts {
			case Id:
				if got.Relay != "" || len(got.Addrs) != 0 {
					t.Fatal("Id option should clear relay and addrs")
				}
			case Relay:
				if got.Relay == "" || len(got.Addrs) != 0 {
					t.Fatal("Relay option should set relay and clear addrs")
				}
			case Addresses:
				if got.Relay != "" || len(got.Addrs) == 0 {
					t.Fatal("Addresses option should clear relay and set addrs")
				}
			case RelayAndAddresses:
				if got.Relay == "" || len(got.Addrs) == 0 {
					t.Fatal("RelayAndAddresses option should set both")
				}
			}
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("not-a-ticket"); err == nil {
		t.Fatal("expected error for garbage ticket")
	}
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty ticket")
	}
}

func TestRequiresDiscovery(t *testing.T) {
	root := blob.Sum([]byte("x"))
	idOnly := New(testNode(), "", nil, root, FormatHashSeq, Id)
	if !idOnly.RequiresDiscovery() {
		t.Fatal("Id-only ticket should require discovery")
	}
	withRelay := New(testNode(), "relay.example", nil, root, FormatHashSeq, Relay)
	if withRelay.RequiresDiscovery() {
		t.Fatal("ticket with relay should not require discovery")
	}
}
