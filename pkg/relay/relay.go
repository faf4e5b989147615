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

// Package relay forwards packets between peers that cannot establish a
// direct path (spec §4.3's relay fallback, glossary "Relay"), tunneling
// QUIC datagrams over one long-lived github.com/gorilla/websocket
// connection per endpoint — a direct dependency of perkeep.org's own
// go.mod, reused here for exactly the kind of framed, bidirectional
// byte-stream multiplexing perkeep uses it for in its sync/pairing
// tooling.
//
// Each websocket binary message is one relayed datagram: a 32-byte peer
// node-id (the frame's logical source or destination, from the relay
// server's point of view, always the *other* endpoint) followed by the
// raw QUIC packet bytes. A Conn demultiplexes inbound frames by peer
// node-id into per-peer channels, and exposes a net.PacketConn view of
// any one peer pairing so quic-go's Transport can dial over it exactly
// as it would over a plain UDP socket.
package relay

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"

	dwerrs "dropwire.dev/pkg/errs"
	"dropwire.dev/pkg/ticket"
)

// DefaultURL is used when RelayMode is RelayDefault.
const DefaultURL = "wss://relay.dropwire.dev/v1"

const nodeIDLen = 32

// Conn is one endpoint's registered session with a relay server.
type Conn struct {
	ws  *websocket.Conn
	url string
	self ticket.NodeID

	mu   sync.Mutex
	subs map[ticket.NodeID]chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial registers self with the relay at url and starts demultiplexing
// inbound frames.
func Dial(url string, self ticket.NodeID) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, dwerrs.Transport.Wrap(err)
	}
	// The first frame a relay server receives on a fresh connection is
	// the registering peer's own node-id, with no payload: this is how
	// the relay learns which node-id to associate with this socket.
	if err := ws.WriteMessage(websocket.BinaryMessage, self[:]); err != nil {
		ws.Close()
		return nil, dwerrs.Transport.Wrap(err)
	}
	c := &Conn{
		ws:     ws,
		url:    url,
		self:   self,
		subs:   make(map[ticket.NodeID]chan []byte),
		closed: make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

// URL returns the relay URL this Conn is registered with, surfaced in
// NodeAddr.Relay when minting a ticket.
func (c *Conn) URL() string { return c.url }

func (c *Conn) readPump() {
	defer close(c.closed)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if len(data) < nodeIDLen {
			continue
		}
		var from ticket.NodeID
		copy(from[:], data[:nodeIDLen])
		payload := append([]byte(nil), data[nodeIDLen:]...)
		ch := c.chanFor(from)
		select {
		case ch <- payload:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) chanFor(peer ticket.NodeID) chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.subs[peer]
	if !ok {
		ch = make(chan []byte, 64)
		c.subs[peer] = ch
	}
	return ch
}

func (c *Conn) writeTo(peer ticket.NodeID, payload []byte) error {
	frame := make([]byte, nodeIDLen+len(payload))
	copy(frame, peer[:])
	copy(frame[nodeIDLen:], payload)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Close tears down the relay registration.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
	})
	return err
}

// Dial opens a relayed QUIC connection to peer, presenting a
// net.PacketConn view of this relay session to quic-go's Transport so
// the handshake and all subsequent packets tunnel through the existing
// websocket connection.
func (c *Conn) Dial(ctx context.Context, peer ticket.NodeID, tlsConf *tls.Config, quicConf *quic.Config) (quic.Connection, error) {
	pc := &packetConn{conn: c, peer: peer, incoming: c.chanFor(peer)}
	transport := &quic.Transport{Conn: pc}
	qconn, err := transport.Dial(ctx, relayAddr{peer}, tlsConf, quicConf)
	if err != nil {
		return nil, dwerrs.Transport.Wrap(err)
	}
	return qconn, nil
}

// relayAddr satisfies net.Addr for a peer reached through a relay;
// quic-go never dials the string form, it only needs a stable value to
// pass back through ReadFrom/WriteTo.
type relayAddr struct{ id ticket.NodeID }

func (a relayAddr) Network() string { return "relay" }
func (a relayAddr) String() string  { return a.id.String() }

// packetConn adapts one peer pairing on a relay Conn to net.PacketConn,
// the interface quic-go's Transport needs to send and receive raw QUIC
// packets.
type packetConn struct {
	conn     *Conn
	peer     ticket.NodeID
	incoming chan []byte
}

func (p *packetConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case data := <-p.incoming:
		n := copy(b, data)
		return n, relayAddr{p.peer}, nil
	case <-p.conn.closed:
		return 0, nil, dwerrs.Transport.New("relay: connection closed")
	}
}

func (p *packetConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	if err := p.conn.writeTo(p.peer, b); err != nil {
		return 0, dwerrs.Transport.Wrap(err)
	}
	return len(b), nil
}

func (p *packetConn) Close() error                       { return nil }
func (p *packetConn) LocalAddr() net.Addr                 { return relayAddr{p.conn.self} }
func (p *packetConn) SetDeadline(t time.Time) error       { return nil }
func (p *packetConn) SetReadDeadline(t time.Time) error   { return nil }
func (p *packetConn) SetWriteDeadline(t time.Time) error  { return nil }
