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

package receiver

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dropwire.dev/pkg/blob"
	"dropwire.dev/pkg/collection"
	"dropwire.dev/pkg/endpoint"
	"dropwire.dev/pkg/progress"
	"dropwire.dev/pkg/provider"
	"dropwire.dev/pkg/store"
	"dropwire.dev/pkg/ticket"
)

func loopbackCfg(t *testing.T) endpoint.Config {
	t.Helper()
	id, err := endpoint.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	return endpoint.Config{
		ALPNs:      []string{provider.ALPN},
		Identity:   id,
		RelayMode:  endpoint.RelayDisabled,
		BindAddrV4: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0},
	}
}

func TestDownloadEndToEnd(t *testing.T) {
	providerStore, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("provider store.Open: %v", err)
	}
	defer providerStore.Close()

	small := []byte("a small file")
	large := bytes.Repeat([]byte("chunked-content-"), 1000) // spans several 1024-byte chunks

	smallHash, err := providerStore.AddBytes(small, store.FormatRaw)
	if err != nil {
		t.Fatalf("AddBytes(small): %v", err)
	}
	largeHash, err := providerStore.AddBytes(large, store.FormatRaw)
	if err != nil {
		t.Fatalf("AddBytes(large): %v", err)
	}
	root, err := providerStore.StoreCollection(&collection.Collection{
		Entries: []collection.Entry{
			{Name: "small.txt", Hash: smallHash},
			{Name: "nested/large.bin", Hash: largeHash},
		},
	})
	if err != nil {
		t.Fatalf("StoreCollection: %v", err)
	}

	providerEp, err := endpoint.Bind(loopbackCfg(t), nil)
	if err != nil {
		t.Fatalf("provider Bind: %v", err)
	}
	defer providerEp.Close()

	clientEp, err := endpoint.Bind(loopbackCfg(t), nil)
	if err != nil {
		t.Fatalf("client Bind: %v", err)
	}
	defer clientEp.Close()

	routerTask := progress.New(nil)
	defer routerTask.Close()
	router := provider.NewRouter(providerEp, providerStore, routerTask, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	go router.Serve(ctx)

	tk := ticket.New(ticket.NodeID(providerEp.NodeAddr().NodeID), "", providerEp.NodeAddr().Addrs, root, ticket.FormatHashSeq, ticket.Addresses)

	receiverStore, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("receiver store.Open: %v", err)
	}
	defer receiverStore.Close()

	destDir := filepath.Join(t.TempDir(), "out")
	recvTask := progress.New(nil)
	defer recvTask.Close()

	summary, err := Download(ctx, clientEp, tk, receiverStore, recvTask, Options{DestDir: destDir}, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if summary.Files != 2 {
		t.Fatalf("summary.Files = %d, want 2", summary.Files)
	}
	if summary.Bytes != int64(len(small)+len(large)) {
		t.Fatalf("summary.Bytes = %d, want %d", summary.Bytes, len(small)+len(large))
	}

	gotSmall, err := os.ReadFile(filepath.Join(destDir, "small.txt"))
	if err != nil {
		t.Fatalf("read exported small.txt: %v", err)
	}
	if !bytes.Equal(gotSmall, small) {
		t.Fatalf("small.txt content mismatch")
	}

	gotLarge, err := os.ReadFile(filepath.Join(destDir, "nested", "large.bin"))
	if err != nil {
		t.Fatalf("read exported nested/large.bin: %v", err)
	}
	if !bytes.Equal(gotLarge, large) {
		t.Fatalf("nested/large.bin content mismatch: got %d bytes want %d", len(gotLarge), len(large))
	}
}

// recordingObserver captures every event handed to it, in arrival order.
type recordingObserver struct {
	events []progress.Event
}

func (o *recordingObserver) Emit(name string) {
	o.events = append(o.events, progress.Event{Name: name})
}

func (o *recordingObserver) EmitWithPayload(name, payload string) {
	o.events = append(o.events, progress.Event{Name: name, Payload: payload})
}

// TestDownloadResumesFromPartiallyPresentStore exercises the Resumption
// paragraph: a receiver store that already holds the collection's
// metadata and part of one file's chunks before Download is called must
// emit receive-resumed and must not re-fetch bytes it already has.
func TestDownloadResumesFromPartiallyPresentStore(t *testing.T) {
	providerStore, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("provider store.Open: %v", err)
	}
	defer providerStore.Close()

	large := bytes.Repeat([]byte("chunked-content-"), 1000) // spans several 1024-byte chunks
	largeHash, err := providerStore.AddBytes(large, store.FormatRaw)
	if err != nil {
		t.Fatalf("AddBytes(large): %v", err)
	}
	c := &collection.Collection{Entries: []collection.Entry{{Name: "large.bin", Hash: largeHash}}}
	root, err := providerStore.StoreCollection(c)
	if err != nil {
		t.Fatalf("StoreCollection: %v", err)
	}

	providerEp, err := endpoint.Bind(loopbackCfg(t), nil)
	if err != nil {
		t.Fatalf("provider Bind: %v", err)
	}
	defer providerEp.Close()

	clientEp, err := endpoint.Bind(loopbackCfg(t), nil)
	if err != nil {
		t.Fatalf("client Bind: %v", err)
	}
	defer clientEp.Close()

	routerTask := progress.New(nil)
	defer routerTask.Close()
	router := provider.NewRouter(providerEp, providerStore, routerTask, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	go router.Serve(ctx)

	tk := ticket.New(ticket.NodeID(providerEp.NodeAddr().NodeID), "", providerEp.NodeAddr().Addrs, root, ticket.FormatHashSeq, ticket.Addresses)

	receiverStore, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("receiver store.Open: %v", err)
	}
	defer receiverStore.Close()

	// Pre-seed the receiver store exactly as a preserved scratch
	// directory from an earlier, interrupted Download would be: the
	// metadata blob already stored, and the file's first chunk already
	// written as a partial download.
	if _, err := receiverStore.StoreCollection(c); err != nil {
		t.Fatalf("pre-seed StoreCollection: %v", err)
	}
	if !receiverStore.Has(root) {
		t.Fatal("pre-seeded metadata blob did not reproduce the provider's root hash")
	}
	if err := receiverStore.BeginPartial(largeHash, int64(len(large))); err != nil {
		t.Fatalf("BeginPartial: %v", err)
	}
	data, proof, numChunks, err := providerStore.ReadChunk(largeHash, 0)
	if err != nil {
		t.Fatalf("provider ReadChunk: %v", err)
	}
	if err := receiverStore.WriteChunk(largeHash, 0, numChunks, 0, data, proof); err != nil {
		t.Fatalf("pre-seed WriteChunk: %v", err)
	}

	destDir := filepath.Join(t.TempDir(), "out")
	obs := &recordingObserver{}
	recvTask := progress.New(obs)

	summary, err := Download(ctx, clientEp, tk, receiverStore, recvTask, Options{DestDir: destDir}, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	recvTask.Close()

	if summary.Bytes != int64(len(large)) {
		t.Fatalf("summary.Bytes = %d, want %d", summary.Bytes, len(large))
	}
	gotLarge, err := os.ReadFile(filepath.Join(destDir, "large.bin"))
	if err != nil {
		t.Fatalf("read exported large.bin: %v", err)
	}
	if !bytes.Equal(gotLarge, large) {
		t.Fatal("large.bin content mismatch after resumed download")
	}

	var sawResumed bool
	for _, ev := range obs.events {
		if ev.Name == progress.EvReceiveResumed {
			sawResumed = true
			if ev.Payload == "" {
				t.Fatal("receive-resumed event carried no payload")
			}
		}
	}
	if !sawResumed {
		t.Fatal("expected a receive-resumed event for a partially-present store")
	}
}

func TestChunksForRoundsUp(t *testing.T) {
	cases := []struct {
		size int64
		want int
	}{
		{0, 0},
		{1, 1},
		{blob.ChunkSize, 1},
		{blob.ChunkSize + 1, 2},
	}
	for _, tc := range cases {
		if got := chunksFor(tc.size); got != tc.want {
			t.Fatalf("chunksFor(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}
}
