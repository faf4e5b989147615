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

// Package ticket implements the self-describing textual locator spec
// §4.6 defines: node identity, optional reachability hints, the
// collection's root hash, and a format tag, packed as CBOR and wrapped
// in a multibase string so the result is safe to paste into a chat
// window or URL bar.
package ticket

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/multiformats/go-multibase"

	"dropwire.dev/pkg/blob"
	dwerrs "dropwire.dev/pkg/errs"
)

// Format tags what the root Hash addresses.
type Format uint8

const (
	FormatRaw Format = iota
	FormatHashSeq
)

// AddrInfoOptions selects which reachability fields a minted ticket
// populates, per the table in spec §4.6.
type AddrInfoOptions uint8

const (
	Id AddrInfoOptions = iota
	Relay
	Addresses
	RelayAndAddresses
)

// NodeID is the public half of a node's signing key (ed25519), used as
// a content-free, stable identity in a ticket.
type NodeID [32]byte

func (n NodeID) String() string {
	return blob.Hash(n).String()
}

// wireTicket is the CBOR-serialized form; field order is part of the
// textual format's stability, so it is never reordered across releases.
type wireTicket struct {
	Node   NodeID   `cbor:"node"`
	Relay  string   `cbor:"relay,omitempty"`
	Addrs  []string `cbor:"addrs,omitempty"`
	Root   blob.Hash `cbor:"root"`
	Format Format   `cbor:"format"`
}

// Ticket is the parsed, in-memory form of a ticket string.
type Ticket struct {
	Node   NodeID
	Relay  string // empty unless AddrInfoOptions included Relay
	Addrs  []string
	Root   blob.Hash
	Format Format
}

// New builds a Ticket, clearing whichever fields opts does not select
// (spec §4.6's table): the zero value of Relay/Addrs is "cleared".
func New(node NodeID, relay string, addrs []string, root blob.Hash, format Format, opts AddrInfoOptions) Ticket {
	t := Ticket{Node: node, Root: root, Format: format}
	switch opts {
	case Relay:
		t.Relay = relay
	case Addresses:
		t.Addrs = append([]string(nil), addrs...)
	case RelayAndAddresses:
		t.Relay = relay
		t.Addrs = append([]string(nil), addrs...)
	case Id:
		// both cleared
	}
	return t
}

// encoding is fixed at Base32 (lowercase, no padding): URL- and
// case-insensitive-filesystem-safe, and self-describing per the
// multibase spec so a future encoding change stays detectable.
const encoding = multibase.Base32

// String encodes t as a single self-describing token.
func (t Ticket) String() string {
	raw, err := cbor.Marshal(wireTicket{
		Node:   t.Node,
		Relay:  t.Relay,
		Addrs:  t.Addrs,
		Root:   t.Root,
		Format: t.Format,
	})
	if err != nil {
		// wireTicket contains no unmarshalable field; a Marshal error
		// here would indicate a programming error, not a runtime
		// condition callers can recover from.
		panic(dwerrs.Protocol.Wrap(err))
	}
	s, err := multibase.Encode(encoding, raw)
	if err != nil {
		panic(dwerrs.Protocol.Wrap(err))
	}
	return s
}

// Parse decodes a ticket string produced by String. It returns an Input
// error (spec §7: "invalid ticket string") for anything malformed.
func Parse(s string) (Ticket, error) {
	if s == "" {
		return Ticket{}, dwerrs.Input.New("ticket: empty ticket string")
	}
	_, raw, err := multibase.Decode(s)
	if err != nil {
		return Ticket{}, dwerrs.Input.New("ticket: invalid ticket string: %v", err)
	}
	var w wireTicket
	if err := cbor.Unmarshal(raw, &w); err != nil {
		return Ticket{}, dwerrs.Input.New("ticket: invalid ticket string: %v", err)
	}
	if !blob.Hash(w.Root).Valid() {
		return Ticket{}, dwerrs.Input.New("ticket: invalid ticket string: zero root hash")
	}
	return Ticket{
		Node:   w.Node,
		Relay:  w.Relay,
		Addrs:  w.Addrs,
		Root:   w.Root,
		Format: w.Format,
	}, nil
}

// RequiresDiscovery reports whether t carries no reachability hints at
// all, meaning the receiver must fall back to DNS-based discovery
// (spec §4.6's "Id-only tickets require discovery at the receiver").
func (t Ticket) RequiresDiscovery() bool {
	return t.Relay == "" && len(t.Addrs) == 0
}
