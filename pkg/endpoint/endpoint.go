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

// Package endpoint binds a UDP socket, derives a node identity, and
// offers connect/accept over github.com/quic-go/quic-go, the one QUIC
// implementation present anywhere in the retrieval pack (grounded via
// the AKJUS-bsc-erigon go.mod and the beenet manifest, both of which
// name it as their transport). connect races a direct dial against
// every address in a NodeAddr with a relay-tunneled dial, completing on
// whichever handshake finishes first — an approximation of "traverse
// NATs via hole-punching or fall back through a relay" (spec §4.3) that
// does not require a STUN implementation, which the pack does not
// supply.
package endpoint

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	dwerrs "dropwire.dev/pkg/errs"
	"dropwire.dev/pkg/relay"
	"dropwire.dev/pkg/ticket"
)

// RelayMode selects whether/how an Endpoint uses a relay for NAT
// traversal fallback (spec §4.3's bind config).
type RelayMode int

const (
	RelayDisabled RelayMode = iota
	RelayDefault
	RelayCustom
)

// onlineTimeout bounds how long online() waits for a relay registration
// or discovery publish to confirm reachability (spec §5).
const onlineTimeout = 30 * time.Second

// shutdownTimeout bounds router/endpoint shutdown (spec §5).
const shutdownTimeout = 2 * time.Second

// Config configures bind().
type Config struct {
	ALPNs        []string
	Identity     NodeIdentity
	RelayMode    RelayMode
	RelayURL     string // required when RelayMode == RelayCustom
	BindAddrV4   *net.UDPAddr
	BindAddrV6   *net.UDPAddr
}

// NodeAddr is the local or remote best-effort address set: a node-id
// plus how to reach it (spec §3's Node address entity).
type NodeAddr struct {
	NodeID ticket.NodeID
	Relay  string
	Addrs  []string
}

// Endpoint is a bound transport identity. Exactly one Endpoint exists
// per share/receive session (spec §3).
type Endpoint struct {
	cfg       Config
	transport *quic.Transport
	conn      *net.UDPConn
	listener  *quic.Listener
	relayConn *relay.Conn
	log       *zap.Logger

	mu        sync.RWMutex
	addrs     []string
	onlineCh  chan struct{}
	closeOnce sync.Once
}

// quicStreamConfig is the transport tuning spec §4.3 recommends.
var quicStreamConfig = &quic.Config{
	MaxIncomingStreams:          256,
	MaxIncomingUniStreams:       256,
	MaxStreamReceiveWindow:      8 << 20,
	MaxConnectionReceiveWindow:  16 << 20,
}

// Bind opens a UDP socket (preferring cfg.BindAddrV4, falling back to
// any free port) and starts a QUIC transport over it.
func Bind(cfg Config, log *zap.Logger) (*Endpoint, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RelayMode == RelayCustom && cfg.RelayURL == "" {
		return nil, dwerrs.Input.New("endpoint: RelayCustom requires RelayURL")
	}

	addr := cfg.BindAddrV4
	if addr == nil {
		addr = &net.UDPAddr{IP: net.IPv4zero, Port: 0}
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, dwerrs.Resource.Wrap(err)
	}

	tlsConf, err := selfSignedTLSConfig(cfg.Identity, cfg.ALPNs)
	if err != nil {
		conn.Close()
		return nil, err
	}

	transport := &quic.Transport{Conn: conn}
	listener, err := transport.Listen(tlsConf, quicStreamConfig)
	if err != nil {
		conn.Close()
		return nil, dwerrs.Resource.Wrap(err)
	}

	ep := &Endpoint{
		cfg:       cfg,
		transport: transport,
		conn:      conn,
		listener:  listener,
		log:       log,
		onlineCh:  make(chan struct{}),
	}

	if cfg.RelayMode != RelayDisabled {
		relayURL := cfg.RelayURL
		if cfg.RelayMode == RelayDefault {
			relayURL = relay.DefaultURL
		}
		rc, err := relay.Dial(relayURL, ep.NodeAddr().NodeID)
		if err != nil {
			log.Warn("relay registration failed, continuing direct-only", zap.Error(err))
		} else {
			ep.relayConn = rc
		}
	}

	ep.mu.Lock()
	if a := conn.LocalAddr(); a != nil {
		ep.addrs = []string{a.String()}
	}
	close(ep.onlineCh)
	ep.mu.Unlock()

	return ep, nil
}

// NodeAddr returns the endpoint's current best-effort local address.
func (e *Endpoint) NodeAddr() NodeAddr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	na := NodeAddr{NodeID: e.cfg.Identity.NodeID(), Addrs: append([]string(nil), e.addrs...)}
	if e.relayConn != nil {
		na.Relay = e.relayConn.URL()
	}
	return na
}

// Online resolves once reachable addresses are known, or immediately if
// RelayMode is Disabled (spec §4.3/§5).
func (e *Endpoint) Online(ctx context.Context) error {
	if e.cfg.RelayMode == RelayDisabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, onlineTimeout)
	defer cancel()
	select {
	case <-e.onlineCh:
		return nil
	case <-ctx.Done():
		return dwerrs.Resource.New("endpoint: online wait timed out")
	}
}

// Connect completes when a verified bidirectional session to peer is
// established, racing every direct address against a relay-tunneled
// dial and keeping whichever finishes first.
func (e *Endpoint) Connect(ctx context.Context, peer NodeAddr, alpn string) (quic.Connection, error) {
	if len(peer.Addrs) == 0 && peer.Relay == "" {
		return nil, dwerrs.Transport.New("endpoint: node-addr for %s has no addresses and no relay", peer.NodeID)
	}

	tlsConf, err := selfSignedTLSConfig(e.cfg.Identity, []string{alpn})
	if err != nil {
		return nil, err
	}
	tlsConf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		return verifyPeerNodeID(ed25519.PublicKey(peer.NodeID[:]), rawCerts)
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make(chan quic.Connection, len(peer.Addrs)+1)

	for _, addr := range peer.Addrs {
		addr := addr
		g.Go(func() error {
			udpAddr, err := net.ResolveUDPAddr("udp", addr)
			if err != nil {
				return nil // one bad address must not sink the whole race
			}
			conn, err := e.transport.Dial(gctx, udpAddr, tlsConf, quicStreamConfig)
			if err != nil {
				return nil
			}
			select {
			case results <- conn:
			default:
				conn.CloseWithError(0, "")
			}
			return nil
		})
	}
	if peer.Relay != "" && e.relayConn != nil {
		g.Go(func() error {
			conn, err := e.relayConn.Dial(gctx, peer.NodeID, tlsConf, quicStreamConfig)
			if err != nil {
				return nil
			}
			select {
			case results <- conn:
			default:
				conn.CloseWithError(0, "")
			}
			return nil
		})
	}

	go func() {
		g.Wait()
		close(results)
	}()

	select {
	case conn, ok := <-results:
		if !ok {
			return nil, dwerrs.Transport.New("endpoint: could not connect to %s via any address or relay", peer.NodeID)
		}
		return conn, nil
	case <-ctx.Done():
		return nil, dwerrs.Transport.Wrap(ctx.Err())
	}
}

// Accept waits for and returns the next inbound connection.
func (e *Endpoint) Accept(ctx context.Context) (quic.Connection, error) {
	conn, err := e.listener.Accept(ctx)
	if err != nil {
		return nil, dwerrs.Transport.Wrap(err)
	}
	return conn, nil
}

// Close releases the socket and any relay registration, bounded by
// shutdownTimeout. Idempotent.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			if e.relayConn != nil {
				e.relayConn.Close()
			}
			e.listener.Close()
			err = e.transport.Close()
			e.conn.Close()
		}()
		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			e.log.Warn("endpoint close exceeded shutdown budget")
		}
	})
	return err
}
