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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"dropwire.dev/pkg/blob"
	"dropwire.dev/pkg/collection"
	dwerrs "dropwire.dev/pkg/errs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func drain(t *testing.T, events <-chan AddEvent) AddEvent {
	t.Helper()
	var last AddEvent
	for ev := range events {
		last = ev
		if ev.Kind == EvError {
			t.Fatalf("add_path failed: %v", ev.Err)
		}
	}
	return last
}

func TestAddPathCopyThenHas(t *testing.T) {
	s := openTestStore(t)
	src := filepath.Join(t.TempDir(), "file.bin")
	content := bytes.Repeat([]byte("dropwire"), 500)
	if err := os.WriteFile(src, content, 0600); err != nil {
		t.Fatal(err)
	}

	last := drain(t, s.AddPath(src, Copy, FormatRaw))
	if last.Kind != EvDone {
		t.Fatalf("expected EvDone, got %v", last.Kind)
	}
	want := blob.Sum(content)
	if last.Hash != want {
		t.Fatalf("hash mismatch: got %s want %s", last.Hash, want)
	}
	if !s.Has(want) {
		t.Fatal("store does not report the blob as present after add")
	}
	size, err := s.Stat(want)
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(content)) {
		t.Fatalf("stat size mismatch: got %d want %d", size, len(content))
	}
}

func TestAddPathTryReferenceCoalescesDuplicates(t *testing.T) {
	s := openTestStore(t)
	content := []byte("identical content added twice")
	srcDir := t.TempDir()
	a := filepath.Join(srcDir, "a.bin")
	b := filepath.Join(srcDir, "b.bin")
	os.WriteFile(a, content, 0600)
	os.WriteFile(b, content, 0600)

	h1 := drain(t, s.AddPath(a, TryReference, FormatRaw))
	h2 := drain(t, s.AddPath(b, TryReference, FormatRaw))
	if h1.Hash != h2.Hash {
		t.Fatalf("identical content produced different hashes: %s vs %s", h1.Hash, h2.Hash)
	}
}

func TestReadChunkRoundTrip(t *testing.T) {
	s := openTestStore(t)
	src := filepath.Join(t.TempDir(), "multi-chunk.bin")
	content := bytes.Repeat([]byte{0xab}, blob.ChunkSize*3+17)
	os.WriteFile(src, content, 0600)

	last := drain(t, s.AddPath(src, Copy, FormatRaw))
	n, err := s.NumChunks(last.Hash)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		data, proof, numChunks, err := s.ReadChunk(last.Hash, i)
		if err != nil {
			t.Fatal(err)
		}
		if numChunks != n {
			t.Fatalf("chunk %d: numChunks mismatch: got %d want %d", i, numChunks, n)
		}
		start := i * blob.ChunkSize
		end := start + len(data)
		if !bytes.Equal(data, content[start:end]) {
			t.Fatalf("chunk %d content mismatch", i)
		}
		_ = proof
	}
}

func TestStoreCollectionAndLoad(t *testing.T) {
	s := openTestStore(t)
	c := &collection.Collection{Entries: []collection.Entry{
		{Name: "a.txt", Hash: blob.Sum([]byte("aaa"))},
		{Name: "sub/b.txt", Hash: blob.Sum([]byte("bbb"))},
	}}
	root, err := s.StoreCollection(c)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadCollection(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != len(c.Entries) {
		t.Fatalf("entry count mismatch: got %d want %d", len(got.Entries), len(c.Entries))
	}
}

func TestPartialDownloadResumesFromMissing(t *testing.T) {
	s := openTestStore(t)
	content := bytes.Repeat([]byte{0x42}, blob.ChunkSize*4+3)

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "whole.bin")
	os.WriteFile(src, content, 0600)
	// Build against a second store purely to get the Tree/proofs; this
	// mirrors how a provider's ReadChunk would feed a receiver.
	provider := openTestStore(t)
	last := drain(t, provider.AddPath(src, Copy, FormatRaw))
	h := last.Hash
	n, err := provider.NumChunks(h)
	if err != nil {
		t.Fatal(err)
	}

	missing, err := s.Missing(h, n)
	if err != nil {
		t.Fatal(err)
	}
	if missing.Count() != n {
		t.Fatalf("expected all %d chunks missing initially, got %d", n, missing.Count())
	}

	if err := s.BeginPartial(h, int64(len(content))); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n-1; i++ { // leave the last chunk undelivered
		data, proof, numChunks, err := provider.ReadChunk(h, i)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.WriteChunk(h, i, numChunks, int64(i)*blob.ChunkSize, data, proof); err != nil {
			t.Fatal(err)
		}
	}

	missing, err = s.Missing(h, n)
	if err != nil {
		t.Fatal(err)
	}
	if missing.Count() != 1 {
		t.Fatalf("expected exactly 1 chunk still missing, got %d", missing.Count())
	}

	// Deliver the final chunk and finalize.
	data, proof, numChunks, err := provider.ReadChunk(h, n-1)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteChunk(h, n-1, numChunks, int64(n-1)*blob.ChunkSize, data, proof); err != nil {
		t.Fatal(err)
	}
	if err := s.Finalize(h); err != nil {
		t.Fatal(err)
	}
	if !s.Has(h) {
		t.Fatal("expected blob to be complete after finalize")
	}

	got, err := s.ReadAll(h)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("finalized content does not match original")
	}
}

func TestWriteChunkRejectsBadProof(t *testing.T) {
	s := openTestStore(t)
	content := bytes.Repeat([]byte{0x11}, blob.ChunkSize*2)
	src := filepath.Join(t.TempDir(), "f.bin")
	os.WriteFile(src, content, 0600)
	last := drain(t, s.AddPath(src, Copy, FormatRaw))

	// Start a fresh receiver-side store and feed it a corrupted chunk.
	recv := openTestStore(t)
	if err := recv.BeginPartial(last.Hash, int64(len(content))); err != nil {
		t.Fatal(err)
	}
	data, proof, numChunks, err := s.ReadChunk(last.Hash, 0)
	if err != nil {
		t.Fatal(err)
	}
	data[0] ^= 0xff
	if err := recv.WriteChunk(last.Hash, 0, numChunks, 0, data, proof); err == nil {
		t.Fatal("expected verification failure for tampered chunk")
	}
}

func TestExportWritesFilesToDestDir(t *testing.T) {
	s := openTestStore(t)
	aContent := []byte("file a contents")
	bContent := []byte("file b contents, in a subdir")

	aSrc := filepath.Join(t.TempDir(), "a")
	os.WriteFile(aSrc, aContent, 0600)
	bSrc := filepath.Join(t.TempDir(), "b")
	os.WriteFile(bSrc, bContent, 0600)

	aEv := drain(t, s.AddPath(aSrc, Copy, FormatRaw))
	bEv := drain(t, s.AddPath(bSrc, Copy, FormatRaw))

	c := &collection.Collection{Entries: []collection.Entry{
		{Name: "a.txt", Hash: aEv.Hash},
		{Name: "nested/b.txt", Hash: bEv.Hash},
	}}

	destDir := t.TempDir()
	if err := s.Export(context.Background(), c, destDir, nil); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, aContent) {
		t.Fatal("exported a.txt content mismatch")
	}
	got, err = os.ReadFile(filepath.Join(destDir, "nested", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, bContent) {
		t.Fatal("exported nested/b.txt content mismatch")
	}
}

func TestExportAbortsWholeExportWhenTargetExists(t *testing.T) {
	s := openTestStore(t)
	aContent := []byte("file a contents")
	bContent := []byte("file b contents, in a subdir")

	aSrc := filepath.Join(t.TempDir(), "a")
	os.WriteFile(aSrc, aContent, 0600)
	bSrc := filepath.Join(t.TempDir(), "b")
	os.WriteFile(bSrc, bContent, 0600)

	aEv := drain(t, s.AddPath(aSrc, Copy, FormatRaw))
	bEv := drain(t, s.AddPath(bSrc, Copy, FormatRaw))

	c := &collection.Collection{Entries: []collection.Entry{
		{Name: "a.txt", Hash: aEv.Hash},
		{Name: "b.txt", Hash: bEv.Hash},
	}}

	destDir := t.TempDir()
	preexisting := []byte("already here")
	if err := os.WriteFile(filepath.Join(destDir, "b.txt"), preexisting, 0600); err != nil {
		t.Fatal(err)
	}

	err := s.Export(context.Background(), c, destDir, nil)
	if !dwerrs.Is(dwerrs.Input, err) {
		t.Fatalf("expected Input-class TargetExists error, got %v", err)
	}

	if _, err := os.Stat(filepath.Join(destDir, "a.txt")); !os.IsNotExist(err) {
		t.Fatal("expected no partial write of a.txt once the pre-existing target was found")
	}
	got, err := os.ReadFile(filepath.Join(destDir, "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, preexisting) {
		t.Fatal("pre-existing b.txt must be left untouched")
	}
}
