/*
Relayd - programmable Mail Transfer Agent.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Relayd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package mx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/foxcpp/relayd/framework/exterrors"
)

// Server is one MX host of a route together with its resolved addresses.
type Server struct {
	Host string
	Prio uint16
	IPs  []string
}

// Route is the canonical, priority-ordered MX server list shared by one or
// more recipient domains.
//
// The authoritative ownership direction is Route -> Server -> domain names;
// domains are kept as plain strings, no back-pointers.
type Route struct {
	// Hash is the SHA-256 of the canonical form and serves as the route
	// identity.
	Hash string

	Servers []*Server

	// Domains reachable through this route, in insertion order of the
	// first domain that produced the hash.
	Domains []string

	policies map[string]SecurityPolicy
}

// PolicyFor returns the security policy of the MX host. When several domains
// share the route with different policies for the same host, the most
// demanding one wins.
func (r *Route) PolicyFor(host string) SecurityPolicy {
	p, ok := r.policies[host]
	if !ok {
		return SecurityPolicy{Kind: Opportunistic, MX: host}
	}
	return p
}

func (r *Route) mergePolicy(p SecurityPolicy) {
	if r.policies == nil {
		r.policies = map[string]SecurityPolicy{}
	}
	cur, ok := r.policies[p.MX]
	if !ok || moreSecure(p, cur) {
		r.policies[p.MX] = p
	}
}

// canonicalMX renders the MX set in the "prio:name|prio:name|..." form used
// for route identity. The input is sorted by (prio asc, name asc) first, so
// re-canonicalising an already-sorted list is a no-op.
func canonicalMX(servers []*Server) string {
	sort.Slice(servers, func(i, j int) bool {
		if servers[i].Prio != servers[j].Prio {
			return servers[i].Prio < servers[j].Prio
		}
		return servers[i].Host < servers[j].Host
	})

	parts := make([]string, 0, len(servers))
	for _, srv := range servers {
		parts = append(parts, strconv.Itoa(int(srv.Prio))+":"+srv.Host)
	}
	return strings.Join(parts, "|")
}

func routeHash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// ResolveRoutes groups the domains by their canonical MX set. Domains with
// an empty MX set are skipped. The output order is the insertion order of
// the first domain per hash.
func (r *Resolver) ResolveRoutes(ctx context.Context, domains []string) ([]*Route, error) {
	var (
		order  []string
		routes = map[string]*Route{}
	)

	for _, domain := range domains {
		secure, err := r.ResolveSecure(ctx, domain)
		if err != nil {
			if exterrors.IsTemporaryOrUnspec(err) {
				return nil, err
			}
			// Authoritative denial: the domain has no usable MX at all.
			// It is left unrouted, the caller decides the recipient fate.
			r.Log.Error("MX resolution failed, skipping domain", err, "domain", domain)
			continue
		}
		if len(secure) == 0 {
			r.Log.Msg("no MX for domain, skipping", "domain", domain)
			continue
		}

		servers := make([]*Server, 0, len(secure))
		for _, entry := range secure {
			servers = append(servers, &Server{Host: entry.Host, Prio: entry.Prio})
		}
		hash := routeHash(canonicalMX(servers))

		route, ok := routes[hash]
		if !ok {
			for _, srv := range servers {
				ips, err := r.DNS.A(ctx, srv.Host)
				if err != nil {
					r.Log.Error("A lookup failed for MX", err, "mx", srv.Host, "domain", domain)
					continue
				}
				srv.IPs = ips
			}
			route = &Route{Hash: hash, Servers: servers}
			routes[hash] = route
			order = append(order, hash)
		}
		route.Domains = append(route.Domains, domain)
		for _, entry := range secure {
			route.mergePolicy(entry.Policy)
		}
	}

	out := make([]*Route, 0, len(order))
	for _, hash := range order {
		out = append(out, routes[hash])
	}
	return out, nil
}
