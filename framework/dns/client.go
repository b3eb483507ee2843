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

package dns

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"
)

// Client is a caching facade over the Resolver interface that is used by all
// components doing MX/A/TXT/PTR lookups.
//
// Positive results are kept for the TTL reported by the server when the
// DNSSEC-aware resolver is used, otherwise for PositiveTTL. Negative results
// (NXDOMAIN, empty RRset) are kept for NegativeTTL. Lookup errors other than
// "not found" are never cached.
//
// The zero value is not usable, use NewClient.
type Client struct {
	// Resolver used for all basic lookups. Swappable with a test double
	// (e.g. mockdns.Resolver).
	Resolver Resolver

	// Ext is used for TLSA lookups and may be nil, in which case TLSA
	// returns no records.
	Ext *ExtResolver

	// TLSAFunc overrides the TLSA lookup, tests use it to avoid spinning
	// up a DNSSEC-aware resolver.
	TLSAFunc func(ctx context.Context, host string) ([]TLSA, error)

	// Fallback lifetime of cached positive results when the underlying
	// resolver does not report TTLs.
	PositiveTTL time.Duration
	// Lifetime of cached negative results.
	NegativeTTL time.Duration

	cacheLck sync.Mutex
	cache    map[cacheKey]cacheEntry
}

type cacheKey struct {
	qtype string
	name  string
}

type cacheEntry struct {
	value   interface{}
	err     error
	expires time.Time
}

func NewClient(r Resolver) *Client {
	return &Client{
		Resolver:    r,
		PositiveTTL: 5 * time.Minute,
		NegativeTTL: 1 * time.Minute,
		cache:       map[cacheKey]cacheEntry{},
	}
}

func (c *Client) cached(key cacheKey) (cacheEntry, bool) {
	c.cacheLck.Lock()
	defer c.cacheLck.Unlock()

	ent, ok := c.cache[key]
	if !ok {
		return cacheEntry{}, false
	}
	if time.Now().After(ent.expires) {
		delete(c.cache, key)
		return cacheEntry{}, false
	}
	return ent, true
}

func (c *Client) store(key cacheKey, value interface{}, ttl time.Duration, err error) {
	c.cacheLck.Lock()
	defer c.cacheLck.Unlock()
	c.cache[key] = cacheEntry{
		value:   value,
		err:     err,
		expires: time.Now().Add(ttl),
	}
}

// Purge drops all cached entries. Meant for tests and explicit operator
// action.
func (c *Client) Purge() {
	c.cacheLck.Lock()
	defer c.cacheLck.Unlock()
	c.cache = map[cacheKey]cacheEntry{}
}

func (c *Client) lookup(ctx context.Context, key cacheKey, do func(context.Context) (interface{}, time.Duration, error)) (interface{}, error) {
	if ent, ok := c.cached(key); ok {
		return ent.value, ent.err
	}

	value, ttl, err := do(ctx)
	if err != nil {
		// Authoritative denial is cacheable, infrastructure failures are
		// not.
		if IsNotFound(err) {
			c.store(key, value, c.NegativeTTL, err)
		}
		return value, err
	}

	if ttl == 0 {
		ttl = c.PositiveTTL
	}
	c.store(key, value, ttl, nil)
	return value, nil
}

// MX returns the MX RRset for the domain sorted by (preference asc, host
// asc).
//
// Per RFC 5321 Section 5.1, if the domain has no MX records but does exist,
// an implicit 0-preference record pointing to the domain itself is
// synthesized.
func (c *Client) MX(ctx context.Context, domain string) ([]*net.MX, error) {
	value, err := c.lookup(ctx, cacheKey{"MX", domain}, func(ctx context.Context) (interface{}, time.Duration, error) {
		records, err := c.Resolver.LookupMX(ctx, FQDN(domain))
		if err != nil {
			if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
				// Implicit MX applies only if the name itself resolves.
				if _, aErr := c.Resolver.LookupHost(ctx, domain); aErr == nil {
					return []*net.MX{{Host: FQDN(domain), Pref: 0}}, 0, nil
				}
			}
			return []*net.MX(nil), 0, err
		}
		sortMX(records)
		if len(records) == 0 {
			records = append(records, &net.MX{Host: FQDN(domain), Pref: 0})
		}
		return records, 0, nil
	})
	records, _ := value.([]*net.MX)
	return records, err
}

func sortMX(records []*net.MX) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Pref != records[j].Pref {
			return records[i].Pref < records[j].Pref
		}
		return records[i].Host < records[j].Host
	})
}

// A returns the addresses (both A and AAAA) for the host.
func (c *Client) A(ctx context.Context, host string) ([]string, error) {
	value, err := c.lookup(ctx, cacheKey{"A", host}, func(ctx context.Context) (interface{}, time.Duration, error) {
		addrs, err := c.Resolver.LookupHost(ctx, host)
		return addrs, 0, err
	})
	addrs, _ := value.([]string)
	return addrs, err
}

// TXT returns the TXT strings published under name.
func (c *Client) TXT(ctx context.Context, name string) ([]string, error) {
	value, err := c.lookup(ctx, cacheKey{"TXT", name}, func(ctx context.Context) (interface{}, time.Duration, error) {
		recs, err := c.Resolver.LookupTXT(ctx, name)
		return recs, 0, err
	})
	recs, _ := value.([]string)
	return recs, err
}

// PTR returns the reverse DNS name for the IP, with the trailing dot
// stripped. Missing PTR is not an error, "" is returned.
func (c *Client) PTR(ctx context.Context, ip net.IP) (string, error) {
	value, err := c.lookup(ctx, cacheKey{"PTR", ip.String()}, func(ctx context.Context) (interface{}, time.Duration, error) {
		name, err := LookupAddr(ctx, c.Resolver, ip)
		if err != nil {
			if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
				return "", 0, nil
			}
			return "", 0, err
		}
		return name, 0, nil
	})
	name, _ := value.(string)
	return name, err
}

// TLSA returns the DNSSEC-authenticated TLSA RRset for _25._tcp.<host>.
//
// If no DNSSEC-aware resolver is available or the RRset is not
// authenticated, no records are returned. The TTL of the RRset is honoured
// for caching.
func (c *Client) TLSA(ctx context.Context, host string) ([]TLSA, error) {
	if c.TLSAFunc != nil {
		return c.TLSAFunc(ctx, host)
	}
	if c.Ext == nil {
		return nil, nil
	}
	value, err := c.lookup(ctx, cacheKey{"TLSA", host}, func(ctx context.Context) (interface{}, time.Duration, error) {
		ad, recs, ttl, err := c.Ext.AuthLookupTLSA(ctx, "25", "tcp", host)
		if err != nil {
			return []TLSA(nil), 0, err
		}
		if !ad {
			// Non-authenticated RRset is unusable for DANE, same as empty.
			return []TLSA(nil), 0, nil
		}
		return recs, time.Duration(ttl) * time.Second, nil
	})
	recs, _ := value.([]TLSA)
	return recs, err
}
