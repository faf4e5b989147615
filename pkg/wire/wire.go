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

// Package wire defines the binary framing and CBOR-encoded control
// messages the provider and receiver protocols exchange over one QUIC
// stream per get-request:
//
//	GetRequest -> HashSeqHeader -> Chunk* -> (Done | Aborted)
//
// Control messages are length-prefixed CBOR frames; chunk payloads are a
// CBOR ChunkHeader frame immediately followed by its raw, uncompressed
// data bytes on the same stream, so a receiver can verify each chunk
// against its outboard proof as it arrives instead of buffering the whole
// blob.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/fxamacker/cbor/v2"

	"dropwire.dev/pkg/blob"
	dwerrs "dropwire.dev/pkg/errs"
)

// MaxFrameSize bounds a single control frame, guarding against a
// malicious peer claiming an enormous length prefix.
const MaxFrameSize = 1 << 20

// Type tags the kind of control frame that follows the length prefix.
type Type uint8

const (
	TypeGetRequest Type = iota + 1
	TypeHashSeqHeader
	TypeChunkHeader
	TypeDone
	TypeAborted
)

// GetRequest asks the provider for ranges of chunks of root, across the
// whole hash-sequence (metadata blob is always index 0, implicit).
type GetRequest struct {
	Root    blob.Hash `cbor:"root"`
	MaxSize int64     `cbor:"max_size"`
	// Missing holds, per blob index (0 = metadata, 1.. = data blobs in
	// collection order), the chunk ranges the receiver still needs. An
	// absent entry means "all chunks"; a present-but-empty entry means
	// "none" (the receiver already has this blob in full).
	Missing map[int][]ChunkRange `cbor:"missing"`
	// OnlyMetadata restricts the response to the HashSeqHeader plus
	// blob index 0's chunks, implementing spec §4.5's
	// get_hash_seq_and_sizes step as a cheap first round trip before
	// the receiver knows the collection's member hashes and can build
	// a proper Missing set for execute_get.
	OnlyMetadata bool `cbor:"only_metadata,omitempty"`
}

// ChunkRange is the wire form of a rangeset.Range.
type ChunkRange struct {
	Start int `cbor:"start"`
	End   int `cbor:"end"`
}

// HashSeqHeader reports the size of the metadata blob and every data blob
// in the collection, in hash-sequence order. Sizes[0] is the metadata
// blob's size; Sizes[1:] are the per-file sizes spec §4.2 calls
// payload_size's components.
type HashSeqHeader struct {
	Sizes []int64 `cbor:"sizes"`
}

// ChunkHeader precedes Size raw bytes of chunk data on the stream.
type ChunkHeader struct {
	BlobIndex int         `cbor:"blob_index"`
	Index     int         `cbor:"index"`
	NumChunks int         `cbor:"num_chunks"`
	Offset    int64       `cbor:"offset"`
	Size      int         `cbor:"size"`
	Proof     []blob.Hash `cbor:"proof"`
}

// Stats summarizes one completed get-request, echoed in Done.
type Stats struct {
	BytesSent int64 `cbor:"bytes_sent"`
	Chunks    int   `cbor:"chunks"`
}

// Done signals the get-request completed successfully.
type Done struct {
	Stats Stats `cbor:"stats"`
}

// Aborted signals the provider gave up on the request.
type Aborted struct {
	Reason string `cbor:"reason"`
}

// WriteFrame writes a length-prefixed, type-tagged CBOR frame.
func WriteFrame(w io.Writer, typ Type, payload any) error {
	body, err := cbor.Marshal(payload)
	if err != nil {
		return dwerrs.Protocol.Wrap(err)
	}
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(body)))
	hdr[4] = byte(typ)
	if _, err := w.Write(hdr[:]); err != nil {
		return dwerrs.Transport.Wrap(err)
	}
	if _, err := w.Write(body); err != nil {
		return dwerrs.Transport.Wrap(err)
	}
	return nil
}

// ReadFrame reads the next frame's type and raw CBOR body. The caller
// unmarshals body into the concrete type indicated by typ.
func ReadFrame(r io.Reader) (typ Type, body []byte, err error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, dwerrs.Transport.Wrap(err)
	}
	n := binary.BigEndian.Uint32(hdr[:4])
	if n > MaxFrameSize {
		return 0, nil, dwerrs.Protocol.New("wire: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	typ = Type(hdr[4])
	body = make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, dwerrs.Transport.Wrap(err)
	}
	return typ, body, nil
}

// WriteChunk writes a ChunkHeader frame followed immediately by data.
// len(data) must equal hdr.Size.
func WriteChunk(w io.Writer, hdr ChunkHeader, data []byte) error {
	if len(data) != hdr.Size {
		return dwerrs.Protocol.New("wire: chunk header size %d does not match data length %d", hdr.Size, len(data))
	}
	if err := WriteFrame(w, TypeChunkHeader, hdr); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return dwerrs.Transport.Wrap(err)
	}
	return nil
}

// ReadChunk reads a ChunkHeader frame (typ must already be
// TypeChunkHeader, as returned by ReadFrame) plus its trailing data.
func ReadChunk(r io.Reader, body []byte) (ChunkHeader, []byte, error) {
	var hdr ChunkHeader
	if err := cbor.Unmarshal(body, &hdr); err != nil {
		return ChunkHeader{}, nil, dwerrs.Protocol.Wrap(err)
	}
	data := make([]byte, hdr.Size)
	if _, err := io.ReadFull(r, data); err != nil {
		return ChunkHeader{}, nil, dwerrs.Transport.Wrap(err)
	}
	return hdr, data, nil
}
