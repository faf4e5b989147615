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

// Package store implements the persistent, content-addressed blob store
// (spec §4.1): blobs and their outboards live on disk sharded by hash
// prefix exactly the way perkeep's localdisk blobserver shards by digest
// prefix, plus a root-tag directory that protects a collection's
// transitive closure from reclaim until the tag is dropped.
package store

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"dropwire.dev/pkg/blob"
	dwerrs "dropwire.dev/pkg/errs"
)

// Store is a scratch directory holding blobs, outboards, and root tags.
// It is safe for concurrent use: writes are serialized per blob hash via
// blobLocks, reads take no lock at all (a completed blob file is never
// mutated in place, only renamed into existence).
type Store struct {
	dir    string
	log    *zap.Logger
	mu     sync.Mutex
	blobMu map[blob.Hash]*sync.Mutex
}

// Open opens or creates a scratch directory, failing if it is not
// writable. The blobs/, tags/, and tmp/ subdirectories are created
// lazily on first use, mirroring localdisk's lazy directory creation.
func Open(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, dwerrs.Storage.Wrap(err)
	}
	probe := filepath.Join(dir, ".dropwire-write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return nil, dwerrs.Storage.New("store: directory %q is not writable: %v", dir, err)
	}
	f.Close()
	os.Remove(probe)

	for _, sub := range []string{"blobs", "tags", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return nil, dwerrs.Storage.Wrap(err)
		}
	}

	return &Store{
		dir:    dir,
		log:    log,
		blobMu: make(map[blob.Hash]*sync.Mutex),
	}, nil
}

// Dir returns the scratch directory root, for callers that need to
// remove it recursively at session teardown (spec §3's shutdown step 5).
func (s *Store) Dir() string { return s.dir }

// Close releases in-memory bookkeeping. It does not remove the scratch
// directory; callers own that decision (temporary receive stores are
// deleted on success and best-effort on failure, per spec §3).
func (s *Store) Close() error {
	return nil
}

// lockFor returns the per-hash mutex serializing writes to h, creating it
// on first use. Readers never need this lock: a blob file only ever
// appears via an atomic rename from tmp/, so a reader either sees nothing
// or sees a complete, correctly named file.
func (s *Store) lockFor(h blob.Hash) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.blobMu[h]
	if !ok {
		mu = &sync.Mutex{}
		s.blobMu[h] = mu
	}
	return mu
}

// blobDir returns the sharded directory a blob's files live in, following
// localdisk's two-level hex-prefix convention.
func (s *Store) blobDir(h blob.Hash) string {
	hex := h.String()
	return filepath.Join(s.dir, "blobs", hex[0:2], hex[2:4])
}

func (s *Store) blobPath(h blob.Hash) string {
	return filepath.Join(s.blobDir(h), h.String()+".blob")
}

func (s *Store) outboardPath(h blob.Hash) string {
	return filepath.Join(s.blobDir(h), h.String()+".obao")
}

func (s *Store) tagPath(h blob.Hash) string {
	return filepath.Join(s.dir, "tags", h.String())
}

func (s *Store) tmpPath(name string) string {
	return filepath.Join(s.dir, "tmp", name)
}
