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

package endpoint

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"time"

	dwerrs "dropwire.dev/pkg/errs"
	"dropwire.dev/pkg/ticket"
)

// NodeIdentity is a node's long-lived signing key. Its public half is
// the ticket.NodeID that names the node; the ticket-side transport
// never trusts a node-id it hasn't verified against this key during
// the handshake.
//
// ed25519 and x509/tls are used directly from the standard library:
// node identity and the TLS handshake binding it are a security
// boundary the retrieval pack does not supply an ecosystem replacement
// for (storj-storj's peertls package builds its own certificate
// chaining on top of the same stdlib primitives, not around a
// third-party TLS library), so this is the one deliberate stdlib-only
// component in the endpoint stack.
type NodeIdentity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// NewIdentity generates a fresh signing key, used when IROH_SECRET
// (spec §6) is unset.
func NewIdentity() (NodeIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return NodeIdentity{}, dwerrs.Resource.Wrap(err)
	}
	return NodeIdentity{Public: pub, Private: priv}, nil
}

// IdentityFromSeed deterministically derives a NodeIdentity from a
// 32-byte seed, used when IROH_SECRET supplies one.
func IdentityFromSeed(seed []byte) (NodeIdentity, error) {
	if len(seed) != ed25519.SeedSize {
		return NodeIdentity{}, dwerrs.Input.New("endpoint: secret key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return NodeIdentity{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// NodeID returns the ticket-facing identity for id.
func (id NodeIdentity) NodeID() ticket.NodeID {
	var n ticket.NodeID
	copy(n[:], id.Public)
	return n
}

// selfSignedTLSConfig builds a tls.Config whose certificate is bound to
// id's public key, with ALPN set to alpns. The dialing endpoint verifies
// the peer's certificate out-of-band by comparing its embedded public key
// against the node-id advertised in the ticket/NodeAddr, rather than
// trusting a CA (there is no CA in a peer-to-peer transport); this is
// why InsecureSkipVerify is paired with the VerifyPeerCertificate hook
// connect() installs instead of being a pure insecure-mode toggle. The
// listening endpoint requests no client certificate and does not verify
// the dialer's identity.
func selfSignedTLSConfig(id NodeIdentity, alpns []string) (*tls.Config, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, dwerrs.Resource.Wrap(err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, id.Public, id.Private)
	if err != nil {
		return nil, dwerrs.Resource.Wrap(err)
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  id.Private,
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   alpns,
		InsecureSkipVerify: true, // we verify the peer's node-id ourselves, below
	}, nil
}

// verifyPeerNodeID checks that one of the certificates raw presents
// embeds want as its public key, used as a tls.Config.
// VerifyPeerCertificate callback by connect() on every dial, with want
// taken from the NodeID of the NodeAddr being dialled.
func verifyPeerNodeID(want ed25519.PublicKey, rawCerts [][]byte) error {
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			continue
		}
		if pub, ok := cert.PublicKey.(ed25519.PublicKey); ok && pub.Equal(want) {
			return nil
		}
	}
	return dwerrs.Transport.New("endpoint: peer certificate does not match expected node-id")
}
