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
	"os"

	"github.com/fxamacker/cbor/v2"

	"dropwire.dev/pkg/blob"
	dwerrs "dropwire.dev/pkg/errs"
	"dropwire.dev/pkg/outboard"
	"dropwire.dev/pkg/rangeset"
)

func (s *Store) partialPath(h blob.Hash) string {
	return s.blobPath(h) + ".partial"
}

func (s *Store) presentPath(h blob.Hash) string {
	return s.blobPath(h) + ".present"
}

// Missing reports which of a blob's total chunks are not yet present
// locally, computing against a completed blob, an in-progress partial
// download, or (if neither exists) the whole range — this is the
// resumption hook spec §4.1/§4.4 requires: an interrupted receive that
// preserves its scratch store must resume from exactly this set.
func (s *Store) Missing(h blob.Hash, total int) (*rangeset.Set, error) {
	if s.Has(h) {
		return &rangeset.Set{}, nil
	}
	present, err := s.loadPresent(h)
	if err != nil {
		if os.IsNotExist(err) {
			return rangeset.Full(total), nil
		}
		return nil, err
	}
	return rangeset.Missing(present, total), nil
}

func (s *Store) loadPresent(h blob.Hash) (*rangeset.Set, error) {
	data, err := os.ReadFile(s.presentPath(h))
	if err != nil {
		return nil, err
	}
	var ranges []rangeset.Range
	if err := cbor.Unmarshal(data, &ranges); err != nil {
		return nil, dwerrs.Storage.Wrap(err)
	}
	set := &rangeset.Set{}
	for _, r := range ranges {
		set.Add(r.Start, r.End)
	}
	return set, nil
}

func (s *Store) savePresent(h blob.Hash, set *rangeset.Set) error {
	data, err := cbor.Marshal(set.Ranges())
	if err != nil {
		return dwerrs.Storage.Wrap(err)
	}
	if err := os.WriteFile(s.presentPath(h), data, 0600); err != nil {
		return dwerrs.Storage.Wrap(err)
	}
	return nil
}

// chunksFor returns the number of blob.ChunkSize chunks size splits into.
func chunksFor(size int64) int {
	if size == 0 {
		return 0
	}
	return int((size + blob.ChunkSize - 1) / blob.ChunkSize)
}

// localBytes estimates how many bytes of blob h (of total size size) are
// already present locally: size itself if complete, or chunk-count times
// blob.ChunkSize (capped at size, to account for a shorter final chunk)
// against an in-progress partial download.
func (s *Store) localBytes(h blob.Hash, size int64) (int64, error) {
	if s.Has(h) {
		return size, nil
	}
	present, err := s.loadPresent(h)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n := chunksFor(size)
	count := present.Count()
	if count > n {
		count = n
	}
	bytes := int64(count) * blob.ChunkSize
	if bytes > size {
		bytes = size
	}
	return bytes, nil
}

// BeginPartial prepares h's scratch file for chunk-at-a-time writes,
// allocating its final size up front (a sparse file on filesystems that
// support it). It is a no-op if a partial download is already underway
// or the blob is already complete.
func (s *Store) BeginPartial(h blob.Hash, size int64) error {
	if s.Has(h) {
		return nil
	}
	if err := os.MkdirAll(s.blobDir(h), 0700); err != nil {
		return dwerrs.Storage.Wrap(err)
	}
	if _, err := os.Stat(s.partialPath(h)); err == nil {
		return nil
	}
	f, err := os.OpenFile(s.partialPath(h), os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return dwerrs.Storage.Wrap(err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return dwerrs.Storage.Wrap(err)
	}
	return nil
}

// WriteChunk verifies data against h's Merkle proof, writes it into the
// partial file at its chunk offset, and records it as present. Callers
// drive this from the receiver protocol's per-chunk wire reads
// (pkg/wire.ChunkHeader); a failed verification leaves the partial file
// and present set untouched and returns a Protocol-class error.
func (s *Store) WriteChunk(h blob.Hash, index, numChunks int, offset int64, data []byte, proof []blob.Hash) error {
	if !outboard.VerifyChunk(h, numChunks, index, data, proof) {
		return dwerrs.Protocol.New("store: chunk %d of %s failed Merkle verification", index, h.Short(8))
	}

	lock := s.lockFor(h)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(s.partialPath(h), os.O_WRONLY, 0600)
	if err != nil {
		return dwerrs.Storage.Wrap(err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return dwerrs.Storage.Wrap(err)
	}

	present, err := s.loadPresent(h)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		present = &rangeset.Set{}
	}
	present.Add(index, index+1)
	return s.savePresent(h, present)
}

// Finalize rebuilds the outboard over a fully-downloaded partial file,
// confirms its root hash equals h, and renames it into its permanent
// content-addressed location, the same tempfile-then-rename commit
// add_path uses. Callers should only invoke this once Missing reports an
// empty set.
func (s *Store) Finalize(h blob.Hash) error {
	lock := s.lockFor(h)
	lock.Lock()
	defer lock.Unlock()

	if s.Has(h) {
		os.Remove(s.partialPath(h))
		os.Remove(s.presentPath(h))
		return nil
	}

	fi, err := os.Stat(s.partialPath(h))
	if err != nil {
		return dwerrs.Storage.Wrap(err)
	}
	f, err := os.Open(s.partialPath(h))
	if err != nil {
		return dwerrs.Storage.Wrap(err)
	}
	tree, err := outboard.Build(f, fi.Size())
	f.Close()
	if err != nil {
		return dwerrs.Storage.Wrap(err)
	}
	if tree.Root != h {
		return dwerrs.Protocol.New("store: finalized content hash %s does not match expected %s", tree.Root.Short(8), h.Short(8))
	}

	if err := os.Rename(s.partialPath(h), s.blobPath(h)); err != nil {
		return dwerrs.Storage.Wrap(err)
	}
	if err := os.WriteFile(s.outboardPath(h), encodeOutboard(tree), 0600); err != nil {
		return dwerrs.Storage.Wrap(err)
	}
	os.Remove(s.presentPath(h))
	return nil
}
