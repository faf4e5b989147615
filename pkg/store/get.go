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
	"io"
	"os"

	"dropwire.dev/pkg/blob"
	"dropwire.dev/pkg/collection"
	dwerrs "dropwire.dev/pkg/errs"
)

// Open returns a reader over a complete blob's plaintext bytes, for
// export or for re-serving. The caller must Close it.
func (s *Store) Open(h blob.Hash) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(h))
	if err != nil {
		return nil, dwerrs.Storage.Wrap(err)
	}
	return f, nil
}

// ReadAll reads a complete blob's plaintext into memory; callers loading
// a metadata blob use this, since those are bounded by
// collection.metadataCompressThreshold-scale sizes.
func (s *Store) ReadAll(h blob.Hash) ([]byte, error) {
	r, err := s.Open(h)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, dwerrs.Storage.Wrap(err)
	}
	return data, nil
}

// LoadCollection reads and decodes the metadata blob h names.
func (s *Store) LoadCollection(h blob.Hash) (*collection.Collection, error) {
	raw, err := s.ReadAll(h)
	if err != nil {
		return nil, err
	}
	return collection.Decode(raw)
}

// ReadChunk returns chunk index's plaintext and Merkle proof for blob h,
// for the provider side of the wire protocol (pkg/wire.ChunkHeader).
func (s *Store) ReadChunk(h blob.Hash, index int) (data []byte, proof []blob.Hash, numChunks int, err error) {
	tree, err := s.loadOutboard(h)
	if err != nil {
		return nil, nil, 0, err
	}
	numChunks = len(tree.Levels[0])
	if index < 0 || index >= numChunks {
		return nil, nil, 0, dwerrs.Protocol.New("store: chunk index %d out of range [0,%d)", index, numChunks)
	}

	f, err := os.Open(s.blobPath(h))
	if err != nil {
		return nil, nil, 0, dwerrs.Storage.Wrap(err)
	}
	defer f.Close()

	offset := int64(index) * blob.ChunkSize
	size := blob.ChunkSize
	if remaining := tree.Size - offset; remaining < int64(size) {
		size = int(remaining)
	}
	data = make([]byte, size)
	if _, err := f.ReadAt(data, offset); err != nil {
		return nil, nil, 0, dwerrs.Storage.Wrap(err)
	}
	return data, tree.ProofFor(index), numChunks, nil
}

// NumChunks returns the chunk count of a fully-stored blob.
func (s *Store) NumChunks(h blob.Hash) (int, error) {
	tree, err := s.loadOutboard(h)
	if err != nil {
		return 0, err
	}
	return len(tree.Levels[0]), nil
}
