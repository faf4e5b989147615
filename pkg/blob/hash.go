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

// Package blob defines the content-addressing primitives used throughout
// dropwire: a BLAKE3 Hash, a sized reference to one, and the chunk size the
// outboard hasher splits blobs into.
package blob

import (
	"encoding/hex"
	"fmt"
	"regexp"

	"lukechampine.com/blake3"
)

// ChunkSize is the size, in bytes, of the leaf chunks the outboard hasher
// covers with pairwise Merkle parents. See pkg/outboard.
const ChunkSize = 1024

// Size is the digest size in bytes of a Hash.
const Size = 32

// Pattern matches the textual form of a Hash (lowercase hex, fixed width).
// It does not contain ^ or $, mirroring the convention of matching
// Pattern against a larger string.
var Pattern = fmt.Sprintf(`\b[a-f0-9]{%d}\b`, Size*2)

var wholePattern = regexp.MustCompile("^" + Pattern + "$")

// Hash is a 32-byte BLAKE3 digest identifying an immutable blob. It is a
// value type: two Hashes are equal with == and it is safe to use as a map
// key.
type Hash [Size]byte

// Zero is the invalid, all-zero Hash. No blob ever hashes to it in
// practice, but callers should use Valid rather than comparing against it
// directly, in case that invariant is ever relaxed.
var Zero Hash

// Valid reports whether h looks like it was actually produced by Sum,
// rather than being a zero-initialized Hash nobody set.
func (h Hash) Valid() bool { return h != Zero }

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first n hex digits of h, for log lines. It does not
// panic if n exceeds the digest length.
func (h Hash) Short(n int) string {
	s := h.String()
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

// Parse decodes the lowercase-hex textual form of a Hash.
func Parse(s string) (Hash, bool) {
	if !wholePattern.MatchString(s) {
		return Hash{}, false
	}
	var h Hash
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, false
	}
	return h, true
}

// MarshalText implements encoding.TextMarshaler so Hash round-trips through
// CBOR/JSON as its hex string rather than a raw byte array.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, ok := Parse(string(text))
	if !ok {
		return fmt.Errorf("blob: invalid hash %q", text)
	}
	*h = parsed
	return nil
}

// Sum returns the BLAKE3-256 hash of data. For anything larger than a
// handful of chunks, prefer the streaming outboard builder in
// pkg/outboard, which produces the same root Hash plus the Merkle material
// needed to verify partial downloads.
func Sum(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// SizedRef pairs a Hash with the size of the blob it addresses.
type SizedRef struct {
	Ref  Hash
	Size int64
}

func (sr SizedRef) String() string {
	return fmt.Sprintf("[%s; %d bytes]", sr.Ref, sr.Size)
}

// NewHasher returns a hash.Hash-compatible BLAKE3-256 state, for callers
// that want to stream arbitrary bytes (not chunk-aligned) and only need the
// final digest, not an outboard.
func NewHasher() *blake3.Hasher {
	return blake3.New(Size, nil)
}
