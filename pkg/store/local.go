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

package store

import (
	"encoding/binary"
	"os"

	"dropwire.dev/pkg/blob"
	dwerrs "dropwire.dev/pkg/errs"
	"dropwire.dev/pkg/outboard"
)

// encodeOutboard serializes a Tree as: 8-byte size, then each level
// (bottom first) as a 4-byte node count followed by that many 32-byte
// hashes. The root is simply the last level's single hash, so no
// separate root field is needed on disk.
func encodeOutboard(t *outboard.Tree) []byte {
	n := 8
	for _, lvl := range t.Levels {
		n += 4 + len(lvl)*blob.Size
	}
	buf := make([]byte, n)
	off := 0
	binary.BigEndian.PutUint64(buf[off:], uint64(t.Size))
	off += 8
	for _, lvl := range t.Levels {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(lvl)))
		off += 4
		for _, h := range lvl {
			copy(buf[off:], h[:])
			off += blob.Size
		}
	}
	return buf
}

// decodeOutboard parses the format encodeOutboard writes.
func decodeOutboard(data []byte) (*outboard.Tree, error) {
	if len(data) < 8 {
		return nil, dwerrs.Storage.New("store: truncated outboard (%d bytes)", len(data))
	}
	size := int64(binary.BigEndian.Uint64(data[:8]))
	off := 8
	var levels [][]blob.Hash
	for off < len(data) {
		if off+4 > len(data) {
			return nil, dwerrs.Storage.New("store: truncated outboard level header")
		}
		count := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		need := count * blob.Size
		if off+need > len(data) {
			return nil, dwerrs.Storage.New("store: truncated outboard level body")
		}
		lvl := make([]blob.Hash, count)
		for i := 0; i < count; i++ {
			copy(lvl[i][:], data[off:off+blob.Size])
			off += blob.Size
		}
		levels = append(levels, lvl)
	}
	if len(levels) == 0 {
		return nil, dwerrs.Storage.New("store: outboard has no levels")
	}
	root := levels[len(levels)-1][0]
	return &outboard.Tree{Size: size, Levels: levels, Root: root}, nil
}

// loadOutboard reads and parses the outboard file for h.
func (s *Store) loadOutboard(h blob.Hash) (*outboard.Tree, error) {
	data, err := os.ReadFile(s.outboardPath(h))
	if err != nil {
		return nil, dwerrs.Storage.Wrap(err)
	}
	return decodeOutboard(data)
}

// Has reports whether the blob h is fully present in the store.
func (s *Store) Has(h blob.Hash) bool {
	_, err := os.Stat(s.blobPath(h))
	return err == nil
}

// Stat returns the size of a fully-stored blob.
func (s *Store) Stat(h blob.Hash) (int64, error) {
	fi, err := os.Stat(s.blobPath(h))
	if err != nil {
		return 0, dwerrs.Storage.Wrap(err)
	}
	return fi.Size(), nil
}
