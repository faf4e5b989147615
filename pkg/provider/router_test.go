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

package provider

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"dropwire.dev/pkg/collection"
	"dropwire.dev/pkg/endpoint"
	"dropwire.dev/pkg/progress"
	"dropwire.dev/pkg/store"
	"dropwire.dev/pkg/wire"
)

// recordingObserver captures every event it is handed, in arrival order.
type recordingObserver struct {
	mu     sync.Mutex
	events []progress.Event
}

func (o *recordingObserver) Emit(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, progress.Event{Name: name})
}

func (o *recordingObserver) EmitWithPayload(name, payload string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, progress.Event{Name: name, Payload: payload})
}

func (o *recordingObserver) snapshot() []progress.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]progress.Event, len(o.events))
	copy(out, o.events)
	return out
}

func loopbackCfg(t *testing.T) endpoint.Config {
	t.Helper()
	id, err := endpoint.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	return endpoint.Config{
		ALPNs:      []string{ALPN},
		Identity:   id,
		RelayMode:  endpoint.RelayDisabled,
		BindAddrV4: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0},
	}
}

func TestRouterServesGetRequestEndToEnd(t *testing.T) {
	st, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	content := bytes.Repeat([]byte("dropwire-e2e-fixture "), 200)
	dataHash, err := st.AddBytes(content, store.FormatRaw)
	if err != nil {
		t.Fatalf("AddBytes: %v", err)
	}
	root, err := st.StoreCollection(&collection.Collection{
		Entries: []collection.Entry{{Name: "fixture.txt", Hash: dataHash}},
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

	task := progress.New(nil)
	defer task.Close()
	router := NewRouter(providerEp, st, task, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go router.Serve(ctx)

	conn, err := clientEp.Connect(ctx, providerEp.NodeAddr(), ALPN)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("OpenStreamSync: %v", err)
	}
	defer stream.Close()

	req := wire.GetRequest{Root: root}
	if err := wire.WriteFrame(stream, wire.TypeGetRequest, req); err != nil {
		t.Fatalf("WriteFrame(GetRequest): %v", err)
	}

	typ, body, err := wire.ReadFrame(stream)
	if err != nil {
		t.Fatalf("ReadFrame(header): %v", err)
	}
	if typ != wire.TypeHashSeqHeader {
		t.Fatalf("expected HashSeqHeader, got type %d", typ)
	}
	var hdr wire.HashSeqHeader
	if err := cbor.Unmarshal(body, &hdr); err != nil {
		t.Fatalf("unmarshal HashSeqHeader: %v", err)
	}
	if len(hdr.Sizes) != 2 {
		t.Fatalf("expected 2 blob sizes (metadata + 1 file), got %d", len(hdr.Sizes))
	}

	var fileBytes []byte
	for {
		typ, body, err := wire.ReadFrame(stream)
		if err != nil {
			t.Fatalf("ReadFrame(body): %v", err)
		}
		switch typ {
		case wire.TypeChunkHeader:
			chunkHdr, data, err := wire.ReadChunk(stream, body)
			if err != nil {
				t.Fatalf("ReadChunk: %v", err)
			}
			if chunkHdr.BlobIndex == 1 {
				fileBytes = append(fileBytes, data...)
			}
		case wire.TypeDone:
			goto done
		case wire.TypeAborted:
			t.Fatal("provider aborted the request")
		}
	}
done:
	if !bytes.Equal(fileBytes, content) {
		t.Fatalf("reassembled file content does not match: got %d bytes, want %d", len(fileBytes), len(content))
	}
}

// TestRouterEmitsPerBlobLifecycle asserts spec §5's ordering guarantee
// (i): within one get-request, each requested blob gets its own
// Started -> Progress*(monotonic) -> Completed lifecycle, rather than a
// single Started/Completed pair for the whole connection.
func TestRouterEmitsPerBlobLifecycle(t *testing.T) {
	st, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	content := bytes.Repeat([]byte("dropwire-lifecycle-fixture "), 200)
	dataHash, err := st.AddBytes(content, store.FormatRaw)
	if err != nil {
		t.Fatalf("AddBytes: %v", err)
	}
	root, err := st.StoreCollection(&collection.Collection{
		Entries: []collection.Entry{{Name: "fixture.txt", Hash: dataHash}},
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

	obs := &recordingObserver{}
	task := progress.New(obs)
	router := NewRouter(providerEp, st, task, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go router.Serve(ctx)

	conn, err := clientEp.Connect(ctx, providerEp.NodeAddr(), ALPN)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("OpenStreamSync: %v", err)
	}
	defer stream.Close()

	req := wire.GetRequest{Root: root}
	if err := wire.WriteFrame(stream, wire.TypeGetRequest, req); err != nil {
		t.Fatalf("WriteFrame(GetRequest): %v", err)
	}
	for {
		typ, body, err := wire.ReadFrame(stream)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if typ == wire.TypeDone {
			break
		}
		if typ == wire.TypeChunkHeader {
			if _, _, err := wire.ReadChunk(stream, body); err != nil {
				t.Fatalf("ReadChunk: %v", err)
			}
		}
	}

	task.Close()
	deadline := time.Now().Add(time.Second)
	var events []progress.Event
	for time.Now().Before(deadline) {
		events = obs.snapshot()
		if len(events) > 0 && events[len(events)-1].Name == progress.EvTransferCompleted {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// Two blobs (metadata + the one file) means two Started/Completed
	// pairs, never interleaved: blob 0's Completed must precede blob 1's
	// Started.
	var starts, completes int
	seenBlob0Complete := false
	for _, ev := range events {
		switch ev.Name {
		case progress.EvTransferStarted:
			starts++
			if starts == 2 && !seenBlob0Complete {
				t.Fatal("second blob's Started arrived before the first blob's Completed")
			}
		case progress.EvTransferCompleted:
			completes++
			if completes == 1 {
				seenBlob0Complete = true
			}
		}
	}
	if starts != 2 || completes != 2 {
		t.Fatalf("expected 2 Started and 2 Completed events, got %d/%d (events: %+v)", starts, completes, events)
	}
}
