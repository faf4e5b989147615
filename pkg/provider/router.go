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

// Package provider implements the provider protocol (spec §4.4): one
// ALPN, handling get-requests by streaming a requested root hash's
// metadata blob and data blobs, interleaving Merkle proofs so the
// receiver can verify chunks as they arrive.
package provider

import (
	"context"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"dropwire.dev/pkg/blob"
	"dropwire.dev/pkg/endpoint"
	dwerrs "dropwire.dev/pkg/errs"
	"dropwire.dev/pkg/progress"
	"dropwire.dev/pkg/store"
	"dropwire.dev/pkg/wire"
)

// ALPN is the single protocol token the provider and receiver negotiate
// (spec §4.4's "one ALPN").
const ALPN = "dropwire/1"

// shutdownBudget bounds Router.Shutdown's wait for in-flight requests
// (spec §4.7 teardown step 1).
const shutdownBudget = 2 * time.Second

// Router accepts connections on an Endpoint and serves get-requests
// against a Store. One Router per share session (spec §3).
type Router struct {
	ep   *endpoint.Endpoint
	st   *store.Store
	task *progress.Task
	log  *zap.Logger

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRouter builds a Router over an already-bound Endpoint.
func NewRouter(ep *endpoint.Endpoint, st *store.Store, task *progress.Task, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{ep: ep, st: st, task: task, log: log, stopCh: make(chan struct{})}
}

// Serve accepts connections until ctx is cancelled or Shutdown is
// called, handling each on its own goroutine.
func (r *Router) Serve(ctx context.Context) error {
	acceptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-acceptCtx.Done():
		}
	}()
	for {
		conn, err := r.ep.Accept(acceptCtx)
		if err != nil {
			select {
			case <-r.stopCh:
				return nil
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleConn(ctx, conn)
		}()
	}
}

func (r *Router) handleConn(ctx context.Context, conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.handleRequest(stream); err != nil {
				r.log.Warn("provider: get-request failed", zap.Error(err))
			}
		}()
	}
}

func (r *Router) handleRequest(stream quic.Stream) error {
	defer stream.Close()

	typ, body, err := wire.ReadFrame(stream)
	if err != nil {
		return dwerrs.Transport.Wrap(err)
	}
	if typ != wire.TypeGetRequest {
		return dwerrs.Protocol.New("provider: expected GetRequest frame, got type %d", typ)
	}
	var req wire.GetRequest
	if err := cbor.Unmarshal(body, &req); err != nil {
		abort(stream, "malformed request")
		return err
	}

	hashes, sizes, err := r.collectionBlobs(req.Root)
	if err != nil {
		abort(stream, "unknown collection")
		return err
	}
	if err := wire.WriteFrame(stream, wire.TypeHashSeqHeader, wire.HashSeqHeader{Sizes: sizes}); err != nil {
		return dwerrs.Transport.Wrap(err)
	}

	if req.OnlyMetadata && len(hashes) > 1 {
		hashes = hashes[:1]
	}

	// Per get-request, every requested blob gets its own Started →
	// Progress*(monotonic end_offset) → Completed|Aborted lifecycle
	// (spec §5's ordering guarantee (i) and Testable Property 6), rather
	// than one Started/Completed pair for the whole connection.
	var stats wire.Stats
	for blobIndex, h := range hashes {
		size := sizes[blobIndex]
		ranges := req.Missing[blobIndex]
		n, err := r.st.NumChunks(h)
		if err != nil {
			abort(stream, "missing blob")
			return err
		}
		indices := chunkIndices(ranges, n)
		r.task.Emit(progress.Event{Name: progress.EvTransferStarted, Payload: progress.BlobStartedPayload(blobIndex, h.String(), size)})

		var endOffset int64
		if err := func() error {
			for _, idx := range indices {
				data, proof, numChunks, err := r.st.ReadChunk(h, idx)
				if err != nil {
					abort(stream, "chunk read failed")
					return err
				}
				hdr := wire.ChunkHeader{
					BlobIndex: blobIndex,
					Index:     idx,
					NumChunks: numChunks,
					Offset:    int64(idx) * blob.ChunkSize,
					Size:      len(data),
					Proof:     proof,
				}
				if err := wire.WriteChunk(stream, hdr, data); err != nil {
					return dwerrs.Transport.Wrap(err)
				}
				stats.BytesSent += int64(len(data))
				stats.Chunks++
				endOffset += int64(len(data))
				r.task.Emit(progress.Event{
					Name:    progress.EvTransferProgress,
					Payload: progress.BytesSpeedPayload(endOffset, size, 0),
				})
			}
			return nil
		}(); err != nil {
			r.task.Emit(progress.Event{Name: progress.EvTransferFailed, Payload: progress.BlobAbortedPayload(blobIndex, "chunk transfer failed")})
			return err
		}
		r.task.Emit(progress.Event{Name: progress.EvTransferCompleted, Payload: progress.BlobLifecyclePayload(blobIndex)})
	}

	return wire.WriteFrame(stream, wire.TypeDone, wire.Done{Stats: stats})
}

// collectionBlobs returns, for root, the ordered blob hashes (index 0 =
// the metadata/collection blob itself, which is what root addresses
// under this store's simplified hash-sequence representation — see
// DESIGN.md's pkg/provider entry) and their sizes.
func (r *Router) collectionBlobs(root blob.Hash) ([]blob.Hash, []int64, error) {
	metaSize, err := r.st.Stat(root)
	if err != nil {
		return nil, nil, err
	}
	c, err := r.st.LoadCollection(root)
	if err != nil {
		return nil, nil, err
	}
	hashes := make([]blob.Hash, 0, len(c.Entries)+1)
	sizes := make([]int64, 0, len(c.Entries)+1)
	hashes = append(hashes, root)
	sizes = append(sizes, metaSize)
	for _, e := range c.Entries {
		sz, err := r.st.Stat(e.Hash)
		if err != nil {
			return nil, nil, err
		}
		hashes = append(hashes, e.Hash)
		sizes = append(sizes, sz)
	}
	return hashes, sizes, nil
}

// chunkIndices expands ranges (half-open [Start,End) chunk indices) into
// individual indices; a nil ranges means "every chunk of an n-chunk
// blob", matching GetRequest.Missing's documented "absent entry means
// all chunks" convention.
func chunkIndices(ranges []wire.ChunkRange, n int) []int {
	if ranges == nil {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	var out []int
	for _, rg := range ranges {
		for i := rg.Start; i < rg.End && i < n; i++ {
			out = append(out, i)
		}
	}
	return out
}

func abort(stream quic.Stream, reason string) {
	wire.WriteFrame(stream, wire.TypeAborted, wire.Aborted{Reason: reason})
}

// Shutdown requests the router stop accepting and waits up to
// shutdownBudget for in-flight requests to finish; it proceeds
// regardless of whether they do (spec §4.7 teardown step 1 — in-flight
// requests "run to completion under the 2-second shutdown budget, then
// are aborted by transport close").
func (r *Router) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownBudget):
	}
}
