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

package dropwire

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dropwire.dev/pkg/endpoint"
	"dropwire.dev/pkg/ticket"
)

func TestStartShareThenDownloadEndToEnd(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "hello.txt")
	content := []byte("hi\n")
	if err := os.WriteFile(src, content, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s, err := StartShare(ctx, src, ShareOptions{
		RelayMode:     endpoint.RelayDisabled,
		TicketType:    ticket.Addresses,
		MagicIPv4Addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0},
	}, nil, nil)
	if err != nil {
		t.Fatalf("StartShare: %v", err)
	}
	defer s.Stop()

	if s.EntryType != "file" {
		t.Fatalf("EntryType = %q, want %q", s.EntryType, "file")
	}
	if s.RootHash == "" {
		t.Fatal("RootHash is empty")
	}

	outDir := filepath.Join(t.TempDir(), "out")
	outcome, err := Download(ctx, s.Ticket, DownloadOptions{
		OutputDir:     outDir,
		RelayMode:     endpoint.RelayDisabled,
		MagicIPv4Addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0},
	}, nil, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	if outcome.Message != "Downloaded 1 files, 3 bytes" {
		t.Fatalf("Message = %q, want %q", outcome.Message, "Downloaded 1 files, 3 bytes")
	}
	if outcome.FilePath != outDir {
		t.Fatalf("FilePath = %q, want %q", outcome.FilePath, outDir)
	}

	got, err := os.ReadFile(filepath.Join(outDir, "hello.txt"))
	if err != nil {
		t.Fatalf("read exported file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: got %q want %q", got, content)
	}
}

func TestDownloadRejectsBadTicket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Download(ctx, "not-a-ticket", DownloadOptions{OutputDir: t.TempDir()}, nil, nil)
	if err == nil {
		t.Fatal("Download with a malformed ticket: want error, got nil")
	}
}
