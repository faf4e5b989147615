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

package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dropwire.dev/pkg/blob"
	"dropwire.dev/pkg/ticket"
)

// newEchoServer is a minimal stand-in for a relay server: it reads the
// registering peer's first frame (node-id, no response expected), then
// echoes every subsequent frame back verbatim, letting tests exercise
// Conn's send/recv path without a real second peer.
func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	})
	return httptest.NewServer(handler)
}

func TestConnWriteToThenReadFromRoundTrips(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()

	self := ticket.NodeID(blob.Sum([]byte("self")))
	peer := ticket.NodeID(blob.Sum([]byte("peer")))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(url, self)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	pc := &packetConn{conn: c, peer: peer, incoming: c.chanFor(peer)}
	payload := []byte("hello over relay")
	if _, err := pc.WriteTo(payload, relayAddr{peer}); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	buf := make([]byte, 1500)
	done := make(chan struct{})
	var n int
	var readErr error
	go func() {
		n, _, readErr = pc.ReadFrom(buf)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed frame")
	}
	if readErr != nil {
		t.Fatalf("ReadFrom: %v", readErr)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("got %q want %q", buf[:n], payload)
	}
}

func TestChanForReusesChannelPerPeer(t *testing.T) {
	c := &Conn{subs: make(map[ticket.NodeID]chan []byte), closed: make(chan struct{})}
	peer := ticket.NodeID(blob.Sum([]byte("peer")))
	a := c.chanFor(peer)
	b := c.chanFor(peer)
	if a != b {
		t.Fatal("expected the same channel for repeated lookups of the same peer")
	}
}
