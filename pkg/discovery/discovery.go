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

// Package discovery implements the DNS-based fallback spec §4.5 step 2
// enables for Id-only tickets: a node publishes its current reachable
// addresses as a TXT record under a well-known zone, and a receiver
// holding only a node-id queries that zone to resolve a NodeAddr.
package discovery

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"

	dwerrs "dropwire.dev/pkg/errs"
	"dropwire.dev/pkg/endpoint"
	"dropwire.dev/pkg/ticket"
)

// Zone is the well-known DNS zone node addresses are published under;
// a node's record lives at "<node-id-hex>.discovery.<Zone>".
const Zone = "dropwire.dev"

// recordPrefix the TXT value is tagged with, so a zone that also serves
// unrelated TXT records for the same name doesn't get misparsed.
const recordPrefix = "dropwire=1"

// cacheSize bounds the resolved-address cache: a receiver only ever
// resolves the handful of node-ids named by tickets it is actively
// redeeming, so a small fixed cache avoids unbounded growth without
// needing a TTL.
const cacheSize = 256

// Resolver looks up discovery records and caches the results. It wraps
// github.com/miekg/dns directly rather than net.LookupTXT/net.Resolver
// so it can build the TXT query itself and send it to a chosen server.
// It does not publish records.
type Resolver struct {
	client *dns.Client
	server string // "host:port" of the authoritative/recursive resolver
	cache  *lru.Cache[ticket.NodeID, endpoint.NodeAddr]
}

// NewResolver builds a Resolver that queries server (e.g.
// "1.1.1.1:53"). An empty server uses the system's configured resolver
// via /etc/resolv.conf.
func NewResolver(server string) (*Resolver, error) {
	cache, err := lru.New[ticket.NodeID, endpoint.NodeAddr](cacheSize)
	if err != nil {
		return nil, dwerrs.Resource.Wrap(err)
	}
	r := &Resolver{client: &dns.Client{}, cache: cache}
	if server != "" {
		r.server = server
		return r, nil
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return nil, dwerrs.Resource.New("discovery: no DNS server configured and /etc/resolv.conf unreadable")
	}
	r.server = cfg.Servers[0] + ":" + cfg.Port
	return r, nil
}

func recordName(node ticket.NodeID) string {
	return fmt.Sprintf("%s.discovery.%s.", node.String(), Zone)
}

// Resolve queries the discovery zone for node's published address set,
// serving a cached result when one is already known rather than
// re-querying on every redeemed ticket for the same node.
func (r *Resolver) Resolve(ctx context.Context, node ticket.NodeID) (endpoint.NodeAddr, error) {
	if addr, ok := r.cache.Get(node); ok {
		return addr, nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(recordName(node), dns.TypeTXT)

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return endpoint.NodeAddr{}, dwerrs.Transport.Wrap(err)
	}
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		joined := strings.Join(txt.Txt, "")
		if !strings.HasPrefix(joined, recordPrefix+";") {
			continue
		}
		addr := parseRecord(node, strings.TrimPrefix(joined, recordPrefix+";"))
		r.cache.Add(node, addr)
		return addr, nil
	}
	return endpoint.NodeAddr{}, dwerrs.Transport.New("discovery: no published address for node %s", node.String())
}

// parseRecord decodes the ";"-joined "relay=<url>" and "addr=<host:port>"
// fields a TXT record's value carries after the recordPrefix.
func parseRecord(node ticket.NodeID, body string) endpoint.NodeAddr {
	addr := endpoint.NodeAddr{NodeID: node}
	for _, field := range strings.Split(body, ";") {
		switch {
		case strings.HasPrefix(field, "relay="):
			addr.Relay = strings.TrimPrefix(field, "relay=")
		case strings.HasPrefix(field, "addr="):
			addr.Addrs = append(addr.Addrs, strings.TrimPrefix(field, "addr="))
		}
	}
	return addr
}

// formatRecord is parseRecord's inverse: it builds the TXT value that
// Resolve reads. Nothing in this package publishes that value.
func formatRecord(addr endpoint.NodeAddr) string {
	var b strings.Builder
	b.WriteString(recordPrefix)
	b.WriteByte(';')
	if addr.Relay != "" {
		b.WriteString("relay=")
		b.WriteString(addr.Relay)
		b.WriteByte(';')
	}
	for _, a := range addr.Addrs {
		b.WriteString("addr=")
		b.WriteString(a)
		b.WriteByte(';')
	}
	return strings.TrimSuffix(b.String(), ";")
}
