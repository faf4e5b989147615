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

// Package collection implements the hash-sequence codec: an ordered list
// of (name, hash) entries serialized into a single metadata blob, which
// together with the data blobs it names forms the hash-sequence a
// collection's root Hash addresses.
package collection

import (
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"dropwire.dev/pkg/blob"
	dwerrs "dropwire.dev/pkg/errs"
)

// Entry names one member of a collection: a relative path and the Hash of
// its contents.
type Entry struct {
	Name string    `cbor:"name"`
	Hash blob.Hash `cbor:"hash"`
}

// Collection is an ordered sequence of named blobs. Its serialized form is
// the metadata blob referenced by a Ticket's root Hash: sizes[0] is the
// size of that metadata blob, sizes[1:] are the Entries' blob sizes in
// order (see pkg/wire for how a receiver learns those sizes).
type Collection struct {
	Entries []Entry
}

// metadataCompressThreshold is the encoded-metadata size above which the
// opportunistic zstd packaging in SPEC_FULL.md §4.2a kicks in. It never
// applies to payload blobs, only to this one metadata blob, and it is
// transparent to callers of Decode.
const metadataCompressThreshold = 16 << 10

const (
	flagRaw  byte = 0x00
	flagZstd byte = 0x01
)

// Encode serializes c into a metadata blob: a one-byte compression flag
// followed by a CBOR array of Entries, optionally zstd-compressed when the
// CBOR form exceeds metadataCompressThreshold.
func Encode(c *Collection) ([]byte, error) {
	body, err := cbor.Marshal(c.Entries)
	if err != nil {
		return nil, dwerrs.Protocol.Wrap(err)
	}
	if len(body) <= metadataCompressThreshold {
		return append([]byte{flagRaw}, body...), nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, dwerrs.Protocol.Wrap(err)
	}
	defer enc.Close()
	compressed := enc.EncodeAll(body, make([]byte, 0, len(body)))
	return append([]byte{flagZstd}, compressed...), nil
}

// Decode parses a metadata blob produced by Encode.
func Decode(raw []byte) (*Collection, error) {
	if len(raw) == 0 {
		return nil, dwerrs.Protocol.New("collection: empty metadata blob")
	}
	flag, body := raw[0], raw[1:]
	switch flag {
	case flagRaw:
		// body is already plain CBOR.
	case flagZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, dwerrs.Protocol.Wrap(err)
		}
		defer dec.Close()
		plain, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, dwerrs.Protocol.Wrap(err)
		}
		body = plain
	default:
		return nil, dwerrs.Protocol.New("collection: unknown metadata flag 0x%02x", flag)
	}
	var entries []Entry
	if err := cbor.Unmarshal(body, &entries); err != nil {
		return nil, dwerrs.Protocol.Wrap(err)
	}
	return &Collection{Entries: entries}, nil
}

// Components splits name on "/" for path-safety checks and export joining.
func Components(name string) []string {
	return strings.Split(name, "/")
}

// ValidateName checks name against the rules of spec §4.2/§4.5: it must
// use "/" as the only component separator, and no component may be empty,
// ".", "..", or contain "/" or "\\" itself (the last is only reachable via
// a smuggled literal backslash, since splitting on "/" already forbids
// embedded forward slashes).
func ValidateName(name string) error {
	if name == "" {
		return dwerrs.Input.New("collection: empty entry name")
	}
	if strings.HasPrefix(name, "/") {
		return dwerrs.Input.New("collection: entry name %q has a leading /", name)
	}
	for _, c := range Components(name) {
		if c == "" {
			return dwerrs.Input.New("collection: entry name %q has an empty path component", name)
		}
		if c == "." || c == ".." {
			return dwerrs.Input.New("collection: entry name %q contains an invalid path component %q", name, c)
		}
		if strings.Contains(c, "\\") {
			return dwerrs.Input.New("collection: entry name %q contains an illegal separator", name)
		}
	}
	return nil
}

// Validate checks every Entry's name and rejects duplicate names, which
// would make "export to target directory" ambiguous.
func (c *Collection) Validate() error {
	seen := make(map[string]bool, len(c.Entries))
	for _, e := range c.Entries {
		if err := ValidateName(e.Name); err != nil {
			return err
		}
		if !e.Hash.Valid() {
			return dwerrs.Input.New("collection: entry %q has an invalid hash", e.Name)
		}
		if seen[e.Name] {
			return dwerrs.Input.New("collection: duplicate entry name %q", e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

// Hash returns the BLAKE3 hash that would address this collection's
// metadata blob in isolation, handy for tests; the collection's real root
// Hash is the one pkg/store's StoreCollection returns for the stored
// metadata blob.
func Hash(c *Collection) (blob.Hash, error) {
	raw, err := Encode(c)
	if err != nil {
		return blob.Hash{}, err
	}
	return blob.Sum(raw), nil
}

