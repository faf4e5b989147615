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

// Package receiver implements the receiver protocol (spec §4.5):
// redeem a Ticket, connect to its provider, learn the collection's
// shape with a cheap get_hash_seq_and_sizes round trip, then fetch
// whatever chunks are still missing with execute_get, verifying each
// against its Merkle proof as it arrives, and finally export the
// completed collection to disk.
package receiver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"dropwire.dev/pkg/blob"
	"dropwire.dev/pkg/collection"
	"dropwire.dev/pkg/discovery"
	"dropwire.dev/pkg/endpoint"
	dwerrs "dropwire.dev/pkg/errs"
	"dropwire.dev/pkg/progress"
	"dropwire.dev/pkg/provider"
	"dropwire.dev/pkg/rangeset"
	"dropwire.dev/pkg/store"
	"dropwire.dev/pkg/ticket"
	"dropwire.dev/pkg/wire"
)

// Options configures one Download call.
type Options struct {
	// MaxSize rejects a collection whose total size exceeds it, once
	// known from the provider's HashSeqHeader. Zero means unbounded.
	MaxSize int64
	// DestDir is where the completed collection is exported. Required.
	DestDir string
	// Resolver is consulted when the ticket carries no reachability
	// hints (ticket.Ticket.RequiresDiscovery). May be nil if the
	// caller knows no Id-only tickets will be redeemed.
	Resolver *discovery.Resolver
}

// progressThrottle bounds how often execute_get emits receive-progress
// events, so a multi-gigabyte transfer does not flood the observer with
// one event per 1 KiB chunk (spec §4.8's "periodic, not per-chunk"
// progress guidance).
const progressThrottle = 100 * time.Millisecond

// Summary reports what a completed Download fetched, enough for a
// caller to compose spec §6's download() message ("Downloaded N files,
// M bytes") without re-deriving it from the store.
type Summary struct {
	Files int
	Bytes int64
}

// Download redeems t against peer, storing and exporting the result
// into opts.DestDir. ep must already be bound; it is not closed here,
// since a caller may reuse one Endpoint across several downloads.
func Download(ctx context.Context, ep *endpoint.Endpoint, t ticket.Ticket, st *store.Store, task *progress.Task, opts Options, log *zap.Logger) (Summary, error) {
	if log == nil {
		log = zap.NewNop()
	}
	task.Emit(progress.Event{Name: progress.EvReceiveStarted})

	peer, err := resolvePeer(ctx, t, opts.Resolver)
	if err != nil {
		task.Emit(progress.Event{Name: progress.EvReceiveFailed})
		return Summary{}, err
	}

	conn, err := ep.Connect(ctx, peer, provider.ALPN)
	if err != nil {
		task.Emit(progress.Event{Name: progress.EvReceiveFailed})
		return Summary{}, err
	}
	defer conn.CloseWithError(0, "")
	log.Debug("receiver: connected", zap.String("peer", peer.NodeID.String()), zap.String("root", t.Root.Short(8)))

	sizes, err := fetchMetadata(ctx, conn, st, t.Root, opts.MaxSize)
	if err != nil {
		task.Emit(progress.Event{Name: progress.EvReceiveFailed})
		return Summary{}, err
	}

	c, err := st.LoadCollection(t.Root)
	if err != nil {
		task.Emit(progress.Event{Name: progress.EvReceiveFailed})
		return Summary{}, err
	}
	payload, err := fileNamesPayload(c)
	if err != nil {
		task.Emit(progress.Event{Name: progress.EvReceiveFailed})
		return Summary{}, err
	}
	task.Emit(progress.Event{Name: progress.EvReceiveFileNames, Payload: payload})

	view, err := st.LoadLocalView(c, sizes)
	if err != nil {
		task.Emit(progress.Event{Name: progress.EvReceiveFailed})
		return Summary{}, err
	}
	if view.LocalBytes > 0 {
		task.Emit(progress.Event{Name: progress.EvReceiveResumed, Payload: progress.BytesSpeedPayload(view.LocalBytes, view.TotalBytes, 0)})
	}

	if err := executeGet(ctx, conn, st, t.Root, c, sizes, view, task); err != nil {
		task.Emit(progress.Event{Name: progress.EvReceiveFailed})
		return Summary{}, err
	}

	task.Emit(progress.Event{Name: progress.EvExportStarted})
	if err := st.Export(ctx, c, opts.DestDir, func(ev store.ExportEvent) {
		task.Emit(progress.Event{Name: progress.EvExportProgress, Payload: progress.BytesSpeedPayload(ev.Bytes, 0, 0)})
	}); err != nil {
		task.Emit(progress.Event{Name: progress.EvReceiveFailed})
		return Summary{}, err
	}
	task.Emit(progress.Event{Name: progress.EvExportCompleted})

	task.Emit(progress.Event{Name: progress.EvReceiveCompleted})
	log.Info("receiver: download complete", zap.String("root", t.Root.Short(8)), zap.Int("files", len(c.Entries)))
	return Summary{Files: len(c.Entries), Bytes: sumSizes(sizes[1:])}, nil
}

// resolvePeer returns t's directly-addressable peer, falling back to
// DNS discovery for an Id-only ticket (spec §4.5 step 2, §4.6).
func resolvePeer(ctx context.Context, t ticket.Ticket, resolver *discovery.Resolver) (endpoint.NodeAddr, error) {
	if !t.RequiresDiscovery() {
		return endpoint.NodeAddr{NodeID: t.Node, Relay: t.Relay, Addrs: t.Addrs}, nil
	}
	if resolver == nil {
		return endpoint.NodeAddr{}, dwerrs.Transport.New("receiver: ticket %s has no reachability hints and no discovery resolver was configured", t.Node)
	}
	return resolver.Resolve(ctx, t.Node)
}

// fetchMetadata performs get_hash_seq_and_sizes: a request restricted
// to blob index 0 (the metadata blob), skipped entirely if it is
// already stored locally, returning every blob's size in
// hash-sequence order.
func fetchMetadata(ctx context.Context, conn quic.Connection, st *store.Store, root blob.Hash, maxSize int64) ([]int64, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, dwerrs.Transport.Wrap(err)
	}
	defer stream.Close()

	req := wire.GetRequest{Root: root, MaxSize: maxSize, OnlyMetadata: true}
	haveMeta := st.Has(root)
	if haveMeta {
		req.Missing = map[int][]wire.ChunkRange{0: {}}
	}
	if err := wire.WriteFrame(stream, wire.TypeGetRequest, req); err != nil {
		return nil, err
	}

	sizes, err := readHashSeqHeader(stream)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 {
		if total := sumSizes(sizes); total > maxSize {
			return nil, dwerrs.Protocol.New("receiver: collection is %d bytes, exceeding the %d byte limit", total, maxSize)
		}
	}

	if !haveMeta {
		if err := st.BeginPartial(root, sizes[0]); err != nil {
			return nil, err
		}
	}
	if err := drainChunks(stream, st, func(blobIndex int) blob.Hash { return root }); err != nil {
		return nil, err
	}
	if !haveMeta {
		if err := st.Finalize(root); err != nil {
			return nil, err
		}
	}
	return sizes, nil
}

// executeGet performs spec §4.5's execute_get: a second request, now
// that the collection's member hashes are known, asking only for the
// chunks each blob is still missing. Progress is reported against
// view.TotalBytes with view.LocalBytes already counted in, so a resumed
// download's numerator starts from what is already on disk rather than
// from zero (spec's Resumption paragraph: "local_bytes + offset").
func executeGet(ctx context.Context, conn quic.Connection, st *store.Store, root blob.Hash, c *collection.Collection, sizes []int64, view store.LocalView, task *progress.Task) error {
	if len(sizes) != len(c.Entries)+1 {
		return dwerrs.Protocol.New("receiver: hash-seq header reported %d sizes for %d entries", len(sizes), len(c.Entries))
	}

	missing := map[int][]wire.ChunkRange{0: {}} // metadata already complete
	began := make(map[blob.Hash]bool)
	numChunks := make(map[blob.Hash]int)
	total := view.TotalBytes
	var needed int64
	for i, e := range c.Entries {
		blobIndex := i + 1
		size := sizes[blobIndex]
		n := chunksFor(size)
		numChunks[e.Hash] = n
		if st.Has(e.Hash) {
			missing[blobIndex] = []wire.ChunkRange{}
			continue
		}
		set, err := st.Missing(e.Hash, n)
		if err != nil {
			return err
		}
		needed += int64(set.Count()) * blob.ChunkSize
		missing[blobIndex] = toWireRanges(set.Ranges())
		if err := st.BeginPartial(e.Hash, size); err != nil {
			return err
		}
		began[e.Hash] = true
	}
	if needed == 0 {
		return finalizeAll(st, c)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return dwerrs.Transport.Wrap(err)
	}
	defer stream.Close()

	req := wire.GetRequest{Root: root, Missing: missing}
	if err := wire.WriteFrame(stream, wire.TypeGetRequest, req); err != nil {
		return err
	}
	if _, err := readHashSeqHeader(stream); err != nil {
		return err
	}

	done := view.LocalBytes
	start := time.Now()
	lastEmit := start
	hashFor := func(blobIndex int) blob.Hash {
		if blobIndex == 0 {
			return root
		}
		return c.Entries[blobIndex-1].Hash
	}
	err = drainChunksFunc(stream, st, hashFor, func(n int) {
		done += int64(n)
		if since := time.Since(lastEmit); since >= progressThrottle {
			lastEmit = time.Now()
			speed := float64(done) / time.Since(start).Seconds()
			task.Emit(progress.Event{Name: progress.EvReceiveProgress, Payload: progress.BytesSpeedPayload(done, total, speed)})
		}
	})
	if err != nil {
		return err
	}

	return finalizeAll(st, c)
}

func finalizeAll(st *store.Store, c *collection.Collection) error {
	for _, e := range c.Entries {
		if st.Has(e.Hash) {
			continue
		}
		if err := st.Finalize(e.Hash); err != nil {
			return err
		}
	}
	return nil
}

// readHashSeqHeader reads exactly one frame and requires it to be a
// HashSeqHeader (the first frame back from any GetRequest).
func readHashSeqHeader(stream quic.Stream) ([]int64, error) {
	typ, body, err := wire.ReadFrame(stream)
	if err != nil {
		return nil, err
	}
	if typ == wire.TypeAborted {
		var ab wire.Aborted
		cbor.Unmarshal(body, &ab)
		return nil, dwerrs.Protocol.New("receiver: provider aborted: %s", ab.Reason)
	}
	if typ != wire.TypeHashSeqHeader {
		return nil, dwerrs.Protocol.New("receiver: expected HashSeqHeader frame, got type %d", typ)
	}
	var hdr wire.HashSeqHeader
	if err := cbor.Unmarshal(body, &hdr); err != nil {
		return nil, dwerrs.Protocol.Wrap(err)
	}
	return hdr.Sizes, nil
}

// drainChunks reads chunk/Done frames with no progress callback, for
// the cheap metadata-only first round trip.
func drainChunks(stream quic.Stream, st *store.Store, hashFor func(blobIndex int) blob.Hash) error {
	return drainChunksFunc(stream, st, hashFor, func(int) {})
}

// drainChunksFunc reads ChunkHeader/Done/Aborted frames until Done,
// verifying and writing each chunk via store.WriteChunk, and calling
// onBytes(n) after every chunk it writes.
func drainChunksFunc(stream quic.Stream, st *store.Store, hashFor func(blobIndex int) blob.Hash, onBytes func(n int)) error {
	for {
		typ, body, err := wire.ReadFrame(stream)
		if err != nil {
			return err
		}
		switch typ {
		case wire.TypeChunkHeader:
			hdr, data, err := wire.ReadChunk(stream, body)
			if err != nil {
				return err
			}
			h := hashFor(hdr.BlobIndex)
			if err := st.WriteChunk(h, hdr.Index, hdr.NumChunks, hdr.Offset, data, hdr.Proof); err != nil {
				return err
			}
			onBytes(len(data))
		case wire.TypeDone:
			return nil
		case wire.TypeAborted:
			var ab wire.Aborted
			cbor.Unmarshal(body, &ab)
			return dwerrs.Protocol.New("receiver: provider aborted: %s", ab.Reason)
		default:
			return dwerrs.Protocol.New("receiver: unexpected frame type %d", typ)
		}
	}
}

func chunksFor(size int64) int {
	if size == 0 {
		return 0
	}
	return int((size + blob.ChunkSize - 1) / blob.ChunkSize)
}

func sumSizes(sizes []int64) int64 {
	var total int64
	for _, s := range sizes {
		total += s
	}
	return total
}

func toWireRanges(rs []rangeset.Range) []wire.ChunkRange {
	out := make([]wire.ChunkRange, len(rs))
	for i, r := range rs {
		out[i] = wire.ChunkRange{Start: r.Start, End: r.End}
	}
	return out
}

// fileNamesPayload encodes a collection's entry names as the JSON array
// the receive-file-names event's payload is defined to be (spec §4.8).
func fileNamesPayload(c *collection.Collection) (string, error) {
	names := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		names[i] = e.Name
	}
	data, err := json.Marshal(names)
	if err != nil {
		return "", dwerrs.Protocol.Wrap(err)
	}
	return string(data), nil
}
