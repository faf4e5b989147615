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

// Package share implements the share session lifecycle (spec §4.7): a
// handle that owns an Endpoint, a provider Router, a content Store, and
// a root tag for the life of one publication, with an explicit,
// ordered, idempotent teardown rather than destructor-driven cleanup
// (spec §9's first design note).
package share

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"dropwire.dev/pkg/blob"
	"dropwire.dev/pkg/collection"
	"dropwire.dev/pkg/endpoint"
	dwerrs "dropwire.dev/pkg/errs"
	"dropwire.dev/pkg/progress"
	"dropwire.dev/pkg/provider"
	"dropwire.dev/pkg/store"
	"dropwire.dev/pkg/sweep"
	"dropwire.dev/pkg/ticket"
)

// shutdownWait bounds the router-shutdown step of teardown (spec §4.7
// step 1, same budget as pkg/endpoint/pkg/provider).
const shutdownWait = 2 * time.Second

// Options configures StartShare.
type Options struct {
	RelayMode     endpoint.RelayMode
	RelayURL      string // required when RelayMode == endpoint.RelayCustom
	TicketType    ticket.AddrInfoOptions
	MagicIPv4Addr *net.UDPAddr
	Identity      *endpoint.NodeIdentity // nil generates a fresh identity
}

// EntryType reports whether a share's root path was a single file or a
// directory tree (spec §6's start_share return shape).
type EntryType string

const (
	EntryFile      EntryType = "file"
	EntryDirectory EntryType = "directory"
)

// registry enforces spec §8 scenario S6: a host exposes a single
// active-share slot. One mutex-guarded registry per process, matching
// spec §5's "one mutex guards the active-share registry" requirement.
var registry struct {
	mu     sync.Mutex
	active bool
}

func acquireSlot() error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.active {
		return dwerrs.Resource.New("share: already sharing")
	}
	registry.active = true
	return nil
}

func releaseSlot() {
	registry.mu.Lock()
	registry.active = false
	registry.mu.Unlock()
}

// Session is a ShareSession: it exclusively owns its Endpoint, Router,
// Store, and root tag, and drops all four (plus the progress task and
// the scratch directory) in the exact order spec §4.7 requires.
type Session struct {
	Ticket    string
	RootHash  blob.Hash
	Size      int64
	EntryType EntryType

	ep        *endpoint.Endpoint
	router    *provider.Router
	st        *store.Store
	task      *progress.Task
	scratch   string
	root      blob.Hash
	log       *zap.Logger
	serveCtx  context.Context
	serveStop context.CancelFunc

	stopOnce sync.Once
}

// StartShare ingests path (a file or directory) into a fresh scratch
// store, binds an Endpoint, starts serving get-requests, and mints a
// Ticket — spec §6's public start_share operation.
func StartShare(ctx context.Context, path string, opts Options, obs progress.Observer, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := acquireSlot(); err != nil {
		return nil, err
	}
	s, err := startShare(ctx, path, opts, obs, log)
	if err != nil {
		releaseSlot()
		return nil, err
	}
	return s, nil
}

func startShare(ctx context.Context, path string, opts Options, obs progress.Observer, log *zap.Logger) (*Session, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, dwerrs.Input.Wrap(err)
	}
	if abs, err := filepath.Abs(path); err == nil {
		if cwd, err := os.Getwd(); err == nil && abs == cwd {
			return nil, dwerrs.Input.New("share: path %q is the current working directory", path)
		}
	}

	// spec's provider pipeline: sweep → bind → import → advertise → serve.
	if cwd, err := os.Getwd(); err == nil {
		sweep.Run(cwd, log)
	}

	suffix, err := scratchSuffix()
	if err != nil {
		return nil, err
	}
	scratch := sweep.SendDir(os.TempDir(), suffix)

	st, err := store.Open(scratch, log)
	if err != nil {
		return nil, err
	}

	entryType := EntryFile
	if fi.IsDir() {
		entryType = EntryDirectory
	}
	task := progress.New(obs)
	c, size, err := ingest(st, path, fi, task)
	if err != nil {
		task.Close()
		st.Close()
		os.RemoveAll(scratch)
		return nil, err
	}
	root, err := st.StoreCollection(c)
	if err != nil {
		task.Close()
		st.Close()
		os.RemoveAll(scratch)
		return nil, err
	}

	identity := endpoint.NodeIdentity{}
	if opts.Identity != nil {
		identity = *opts.Identity
	} else {
		identity, err = endpoint.NewIdentity()
		if err != nil {
			task.Close()
			st.Close()
			os.RemoveAll(scratch)
			return nil, err
		}
	}

	ep, err := endpoint.Bind(endpoint.Config{
		ALPNs:      []string{provider.ALPN},
		Identity:   identity,
		RelayMode:  opts.RelayMode,
		RelayURL:   opts.RelayURL,
		BindAddrV4: opts.MagicIPv4Addr,
	}, log)
	if err != nil {
		task.Close()
		st.Close()
		os.RemoveAll(scratch)
		return nil, err
	}
	if err := ep.Online(ctx); err != nil {
		task.Close()
		ep.Close()
		st.Close()
		os.RemoveAll(scratch)
		return nil, err
	}

	router := provider.NewRouter(ep, st, task, log)
	serveCtx, stop := context.WithCancel(context.Background())
	go router.Serve(serveCtx)

	na := ep.NodeAddr()
	tk := ticket.New(ticket.NodeID(na.NodeID), na.Relay, na.Addrs, root, ticket.FormatHashSeq, opts.TicketType)

	return &Session{
		Ticket:    tk.String(),
		RootHash:  root,
		Size:      size,
		EntryType: entryType,
		ep:        ep,
		router:    router,
		st:        st,
		task:      task,
		scratch:   scratch,
		root:      root,
		log:       log,
		serveCtx:  serveCtx,
		serveStop: stop,
	}, nil
}

// scratchSuffix returns a 16-hex-digit random suffix for the scratch
// directory name (spec §6's layout).
func scratchSuffix() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", dwerrs.Resource.Wrap(err)
	}
	return hex.EncodeToString(b[:]), nil
}

// ingest walks path (a file or directory) into st, returning the
// resulting Collection and its total payload size. It reports its
// progress over task as import-started/import-file-count/
// import-progress/import-completed events (spec §4.8).
func ingest(st *store.Store, path string, fi os.FileInfo, task *progress.Task) (*collection.Collection, int64, error) {
	task.Emit(progress.Event{Name: progress.EvImportStarted})

	if !fi.IsDir() {
		task.Emit(progress.Event{Name: progress.EvImportFileCount, Payload: progress.ImportFileCountPayload(1)})
		h, err := addOneFile(st, path)
		if err != nil {
			return nil, 0, err
		}
		task.Emit(progress.Event{Name: progress.EvImportProgress, Payload: progress.ImportProgressPayload(1, 1)})
		task.Emit(progress.Event{Name: progress.EvImportCompleted})
		return &collection.Collection{Entries: []collection.Entry{{Name: filepath.Base(path), Hash: h}}}, fi.Size(), nil
	}

	type walked struct {
		path string
		rel  string
		size int64
	}
	var files []walked
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil // symlinks are skipped, per spec §8 property 2
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return dwerrs.Input.Wrap(err)
		}
		files = append(files, walked{path: p, rel: filepath.ToSlash(rel), size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	task.Emit(progress.Event{Name: progress.EvImportFileCount, Payload: progress.ImportFileCountPayload(len(files))})

	entries := make([]collection.Entry, 0, len(files))
	var total int64
	for i, f := range files {
		h, err := addOneFile(st, f.path)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, collection.Entry{Name: f.rel, Hash: h})
		total += f.size
		task.Emit(progress.Event{Name: progress.EvImportProgress, Payload: progress.ImportProgressPayload(i+1, len(files))})
	}
	task.Emit(progress.Event{Name: progress.EvImportCompleted})
	return &collection.Collection{Entries: entries}, total, nil
}

func addOneFile(st *store.Store, path string) (blob.Hash, error) {
	var last store.AddEvent
	for ev := range st.AddPath(path, store.TryReference, store.FormatRaw) {
		last = ev
	}
	if last.Kind == store.EvError {
		return blob.Hash{}, last.Err
	}
	return last.Hash, nil
}

// Stop tears down the session in the exact order spec §4.7 mandates,
// idempotently. Concurrent and repeated calls are safe; only the first
// performs any work.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		// 1. router shutdown, bounded.
		done := make(chan struct{})
		go func() {
			s.router.Shutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownWait):
		}
		s.serveStop()

		// 2. drop the root tag.
		if err := s.st.Untag(s.root); err != nil {
			s.log.Warn("share: failed to drop root tag", zap.Error(err))
		}

		// 3. drop the store.
		if err := s.st.Close(); err != nil {
			s.log.Warn("share: failed to close store", zap.Error(err))
		}

		// 4. abort the progress task.
		s.task.Close()

		// 5. remove the scratch directory, best-effort.
		if err := os.RemoveAll(s.scratch); err != nil {
			s.log.Warn("share: failed to remove scratch directory", zap.String("dir", s.scratch), zap.Error(err))
		}

		if err := s.ep.Close(); err != nil {
			s.log.Warn("share: failed to close endpoint", zap.Error(err))
		}

		releaseSlot()
	})
}
