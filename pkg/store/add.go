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

	"github.com/google/uuid"

	"dropwire.dev/pkg/blob"
	"dropwire.dev/pkg/collection"
	dwerrs "dropwire.dev/pkg/errs"
	"dropwire.dev/pkg/outboard"
)

// Mode selects how add_path moves bytes into the store.
type Mode int

const (
	// TryReference attempts an os.Link of the source file into a
	// scratch path before falling back to Copy (e.g. across devices).
	// Either way the store still reads every byte once to compute the
	// hash and outboard: linking only saves a data copy, not the hash
	// pass.
	TryReference Mode = iota
	// Copy always reads the source file and writes a fresh copy.
	Copy
)

// Format tags what kind of blob is being added, purely for AddEvent
// bookkeeping; the bytes are hashed and chunked identically either way.
type Format int

const (
	FormatRaw      Format = iota // a file's own content
	FormatHashSeq                // an encoded collection metadata blob
)

// AddEventKind enumerates the phases of one add_path call.
type AddEventKind int

const (
	EvSize AddEventKind = iota
	EvCopyProgress
	EvCopyDone
	EvOutboardProgress
	EvDone
	EvError
)

// AddEvent reports one step of an in-flight add_path/AddBytes call. Only
// the field matching Kind is meaningful.
type AddEvent struct {
	Kind  AddEventKind
	Size  int64
	Bytes int64 // cumulative bytes for *Progress events
	Hash  blob.Hash
	Err   error
}

// AddPath ingests one file, emitting progress on the returned channel,
// which is closed when the operation completes (successfully or not).
// The caller must drain it to avoid leaking the ingest goroutine.
func (s *Store) AddPath(path string, mode Mode, format Format) <-chan AddEvent {
	events := make(chan AddEvent, 8)
	go func() {
		defer close(events)
		s.addPath(path, mode, format, events)
	}()
	return events
}

func (s *Store) addPath(path string, mode Mode, format Format, events chan<- AddEvent) {
	fi, err := os.Stat(path)
	if err != nil {
		events <- AddEvent{Kind: EvError, Err: dwerrs.Input.Wrap(err)}
		return
	}
	if fi.IsDir() {
		events <- AddEvent{Kind: EvError, Err: dwerrs.Input.New("store: %q is a directory", path)}
		return
	}
	events <- AddEvent{Kind: EvSize, Size: fi.Size()}

	tmpName := s.tmpPath("add-" + uuid.NewString())
	defer os.Remove(tmpName) // no-op once renamed away

	if mode == TryReference {
		if err := os.Link(path, tmpName); err == nil {
			s.finishAdd(tmpName, fi.Size(), format, events)
			return
		}
		// Fall through to Copy on any link failure (cross-device,
		// unsupported filesystem, permission).
	}

	src, err := os.Open(path)
	if err != nil {
		events <- AddEvent{Kind: EvError, Err: dwerrs.Storage.Wrap(err)}
		return
	}
	defer src.Close()

	dst, err := os.OpenFile(tmpName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		events <- AddEvent{Kind: EvError, Err: dwerrs.Storage.Wrap(err)}
		return
	}
	progress := &progressWriter{events: events, kind: EvCopyProgress}
	w := io.MultiWriter(dst, progress)
	if _, err := io.Copy(w, src); err != nil {
		dst.Close()
		events <- AddEvent{Kind: EvError, Err: dwerrs.Storage.Wrap(err)}
		return
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		events <- AddEvent{Kind: EvError, Err: dwerrs.Storage.Wrap(err)}
		return
	}
	dst.Close()
	events <- AddEvent{Kind: EvCopyDone}

	s.finishAdd(tmpName, fi.Size(), format, events)
}

// progressWriter turns the bytes flowing through io.Copy into
// EvCopyProgress events, mirroring localdisk's hash-while-copy idiom but
// reporting instead of hashing (hashing happens in finishAdd's outboard
// pass, which needs the final file, not the in-flight stream).
type progressWriter struct {
	events chan<- AddEvent
	kind   AddEventKind
	total  int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.total += int64(len(b))
	p.events <- AddEvent{Kind: p.kind, Bytes: p.total}
	return len(b), nil
}

// finishAdd builds the outboard over the bytes now sitting at tmpName,
// then atomically renames both the blob and its outboard into their
// content-addressed final paths, exactly as localdisk's ReceiveBlob
// hashes into a tempfile and renames on success.
func (s *Store) finishAdd(tmpName string, size int64, format Format, events chan<- AddEvent) {
	f, err := os.Open(tmpName)
	if err != nil {
		events <- AddEvent{Kind: EvError, Err: dwerrs.Storage.Wrap(err)}
		return
	}
	progress := &progressWriter{events: events, kind: EvOutboardProgress}
	tree, err := outboard.Build(io.TeeReader(f, progress), size)
	f.Close()
	if err != nil {
		events <- AddEvent{Kind: EvError, Err: dwerrs.Storage.Wrap(err)}
		return
	}

	h := tree.Root
	lock := s.lockFor(h)
	lock.Lock()
	defer lock.Unlock()

	if s.Has(h) {
		// Another concurrent add_path for identical content already
		// finished; coalesce rather than duplicate (spec §4.1 inv. iii).
		events <- AddEvent{Kind: EvDone, Hash: h}
		return
	}

	if err := os.MkdirAll(s.blobDir(h), 0700); err != nil {
		events <- AddEvent{Kind: EvError, Err: dwerrs.Storage.Wrap(err)}
		return
	}
	if err := os.Rename(tmpName, s.blobPath(h)); err != nil {
		events <- AddEvent{Kind: EvError, Err: dwerrs.Storage.Wrap(err)}
		return
	}
	if err := os.WriteFile(s.outboardPath(h), encodeOutboard(tree), 0600); err != nil {
		events <- AddEvent{Kind: EvError, Err: dwerrs.Storage.Wrap(err)}
		return
	}

	events <- AddEvent{Kind: EvDone, Hash: h}
}

// AddBytes ingests data already in memory (used to store an encoded
// collection's metadata blob, format FormatHashSeq) via the same
// tempfile-then-rename path as AddPath, so the invariants in §4.1 hold
// uniformly regardless of source.
func (s *Store) AddBytes(data []byte, format Format) (blob.Hash, error) {
	tmpName := s.tmpPath("bytes-" + uuid.NewString())
	if err := os.WriteFile(tmpName, data, 0600); err != nil {
		return blob.Hash{}, dwerrs.Storage.Wrap(err)
	}
	events := make(chan AddEvent, 8)
	go func() {
		defer close(events)
		s.finishAdd(tmpName, int64(len(data)), format, events)
	}()
	var last AddEvent
	for ev := range events {
		last = ev
	}
	if last.Kind == EvError {
		return blob.Hash{}, last.Err
	}
	return last.Hash, nil
}

// StoreCollection encodes c (pkg/collection) and stores it as the
// metadata blob, returning its root hash: the Hash a Ticket addresses.
func (s *Store) StoreCollection(c *collection.Collection) (blob.Hash, error) {
	if err := c.Validate(); err != nil {
		return blob.Hash{}, err
	}
	raw, err := collection.Encode(c)
	if err != nil {
		return blob.Hash{}, err
	}
	h, err := s.AddBytes(raw, FormatHashSeq)
	if err != nil {
		return blob.Hash{}, err
	}
	if err := s.Tag(h); err != nil {
		return blob.Hash{}, err
	}
	return h, nil
}

// Tag creates a root tag protecting h (and, by convention, everything it
// transitively names) from reclaim until Untag is called.
func (s *Store) Tag(h blob.Hash) error {
	if err := os.WriteFile(s.tagPath(h), nil, 0600); err != nil {
		return dwerrs.Storage.Wrap(err)
	}
	return nil
}

// Untag drops h's root tag. It does not itself reclaim storage; callers
// remove the whole scratch directory at session teardown instead of
// implementing per-blob garbage collection (spec §3's teardown order).
func (s *Store) Untag(h blob.Hash) error {
	err := os.Remove(s.tagPath(h))
	if err != nil && !os.IsNotExist(err) {
		return dwerrs.Storage.Wrap(err)
	}
	return nil
}
