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

// Package dropwire is the public facade (spec §6): the two operations,
// StartShare and Download, that every collaborator — a CLI, a GUI
// shell, a mobile binding — drives this engine through. Everything
// else in this module is plumbing reachable only via these two calls
// and the ShareSession they hand back.
package dropwire

import (
	"context"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"

	"dropwire.dev/pkg/discovery"
	"dropwire.dev/pkg/endpoint"
	dwerrs "dropwire.dev/pkg/errs"
	"dropwire.dev/pkg/progress"
	"dropwire.dev/pkg/provider"
	"dropwire.dev/pkg/receiver"
	"dropwire.dev/pkg/share"
	"dropwire.dev/pkg/store"
	"dropwire.dev/pkg/sweep"
	"dropwire.dev/pkg/ticket"
)

// ShareOptions configures StartShare (spec §6's start_share options).
type ShareOptions struct {
	RelayMode     endpoint.RelayMode
	RelayURL      string
	TicketType    ticket.AddrInfoOptions
	MagicIPv4Addr *net.UDPAddr
}

// ShareSession is the handle StartShare returns: spec §6's
// `ticket: string, root_hash: string, size: u64, entry_type, stop()`.
type ShareSession struct {
	Ticket    string
	RootHash  string
	Size      int64
	EntryType string

	inner *share.Session
}

// Stop tears the session down; see pkg/share.Session.Stop for the
// exact ordered teardown it performs.
func (s *ShareSession) Stop() { s.inner.Stop() }

// StartShare ingests path (a file or directory), starts serving it,
// and returns a session exposing its minted ticket. Exactly one share
// may be active per process at a time (spec §8 scenario S6); a second
// concurrent call returns a Resource-class "already sharing" error.
func StartShare(ctx context.Context, path string, opts ShareOptions, obs progress.Observer, log *zap.Logger) (*ShareSession, error) {
	inner, err := share.StartShare(ctx, path, share.Options{
		RelayMode:     opts.RelayMode,
		RelayURL:      opts.RelayURL,
		TicketType:    opts.TicketType,
		MagicIPv4Addr: opts.MagicIPv4Addr,
	}, obs, log)
	if err != nil {
		return nil, err
	}
	entryType := "file"
	if inner.EntryType == share.EntryDirectory {
		entryType = "directory"
	}
	return &ShareSession{
		Ticket:    inner.Ticket,
		RootHash:  inner.RootHash.String(),
		Size:      inner.Size,
		EntryType: entryType,
		inner:     inner,
	}, nil
}

// DownloadOptions configures Download (spec §6's download options).
type DownloadOptions struct {
	OutputDir     string // defaults to the current working directory
	RelayMode     endpoint.RelayMode
	RelayURL      string
	MagicIPv4Addr *net.UDPAddr
	DNSServer     string // passed to discovery.NewResolver for Id-only tickets
}

// ReceiveOutcome is spec §6's download() return shape.
type ReceiveOutcome struct {
	Message  string
	FilePath string
}

// Download redeems ticketStr: it binds a fresh Endpoint and content
// store scoped to this one call, resolves and fetches the collection
// the ticket names, and exports it under opts.OutputDir. The scratch
// store is removed only once the transfer completes successfully; on
// error or ctx cancellation it is left in place so a later call with
// the same ticket resumes from what was already received (spec's
// Resumption paragraph), matching the original receive.rs, which
// removes its scratch directory after its select! loop returns
// successfully and bails out before reaching it on every other path.
func Download(ctx context.Context, ticketStr string, opts DownloadOptions, obs progress.Observer, log *zap.Logger) (ReceiveOutcome, error) {
	if log == nil {
		log = zap.NewNop()
	}
	t, err := ticket.Parse(ticketStr)
	if err != nil {
		return ReceiveOutcome{}, err
	}

	// spec's receiver pipeline: parse → bind → connect → size → get →
	// export → cleanup; the sweep runs once per process, here rather
	// than in pkg/receiver, since pkg/receiver may be driven directly
	// by a caller that already swept (e.g. pkg/share's own process).
	if cwd, err := os.Getwd(); err == nil {
		sweep.Run(cwd, log)
	}

	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir, err = os.Getwd()
		if err != nil {
			return ReceiveOutcome{}, dwerrs.Resource.Wrap(err)
		}
	}

	scratch := sweep.RecvDir(os.TempDir(), t.Root.String())

	st, err := store.Open(scratch, log)
	if err != nil {
		return ReceiveOutcome{}, err
	}
	defer st.Close()

	identity, err := endpoint.NewIdentity()
	if err != nil {
		return ReceiveOutcome{}, err
	}
	ep, err := endpoint.Bind(endpoint.Config{
		ALPNs:      []string{provider.ALPN},
		Identity:   identity,
		RelayMode:  opts.RelayMode,
		RelayURL:   opts.RelayURL,
		BindAddrV4: opts.MagicIPv4Addr,
	}, log)
	if err != nil {
		return ReceiveOutcome{}, err
	}
	defer ep.Close()

	var resolver *discovery.Resolver
	if t.RequiresDiscovery() {
		resolver, err = discovery.NewResolver(opts.DNSServer)
		if err != nil {
			return ReceiveOutcome{}, err
		}
	}

	task := progress.New(obs)
	defer task.Close()

	summary, err := receiver.Download(ctx, ep, t, st, task, receiver.Options{
		DestDir:  outputDir,
		Resolver: resolver,
	}, log)
	if err != nil {
		return ReceiveOutcome{}, err
	}

	// Only a successful transfer retires the scratch store: an error or
	// cancelled ctx leaves it behind so the next Download for the same
	// ticket resumes instead of starting over.
	os.RemoveAll(scratch)

	return ReceiveOutcome{
		Message:  fmt.Sprintf("Downloaded %d files, %d bytes", summary.Files, summary.Bytes),
		FilePath: outputDir,
	}, nil
}
