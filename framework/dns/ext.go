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
	"errors"
	"fmt"
	"net"
	"time"

	miekg "github.com/miekg/dns"
)

// TLSA is the record type consumed by the DANE code.
type TLSA = miekg.TLSA

// ExtResolver issues queries that need access to the AD (authenticated
// data) response flag, which the net package hides. DANE must not trust a
// TLSA RRset whose DNSSEC validation the upstream resolver did not vouch
// for.
type ExtResolver struct {
	client  *miekg.Client
	servers []extServer
}

type extServer struct {
	addr string
	// trustAD is true only for resolvers on loopback: an AD flag that
	// travelled over the network could have been forged on the way.
	trustAD bool
}

// NewExtResolver builds the resolver from the system stub configuration.
func NewExtResolver() (*ExtResolver, error) {
	cfg, err := miekg.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{"127.0.0.1"}
	}

	r := &ExtResolver{
		client: &miekg.Client{
			Dialer: &net.Dialer{Timeout: time.Duration(cfg.Timeout) * time.Second},
		},
	}
	for _, host := range cfg.Servers {
		ip := net.ParseIP(host)
		r.servers = append(r.servers, extServer{
			addr:    net.JoinHostPort(host, cfg.Port),
			trustAD: ip != nil && ip.IsLoopback(),
		})
	}
	return r, nil
}

// RCodeError is the non-NOERROR response status of a query.
type RCodeError struct {
	Name string
	Code int
}

func (e RCodeError) Error() string {
	text, ok := miekg.RcodeToString[e.Code]
	if !ok {
		text = fmt.Sprintf("%d", e.Code)
	}
	return "dns: " + e.Name + ": rcode " + text
}

// Temporary treats SERVFAIL as retryable; everything else is a property of
// the zone.
func (e RCodeError) Temporary() bool {
	return e.Code == miekg.RcodeServerFailure
}

// IsNotFound reports an authoritative "this name/record does not exist"
// answer, from either the stub resolver or ExtResolver.
func IsNotFound(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	var rcode RCodeError
	if errors.As(err, &rcode) {
		return rcode.Code == miekg.RcodeNameError
	}
	return false
}

// query asks each configured server in turn until one produces a NOERROR
// response. The AD flag of responses from non-loopback servers is cleared.
func (r *ExtResolver) query(ctx context.Context, name string, qtype uint16) (*miekg.Msg, error) {
	msg := new(miekg.Msg)
	msg.SetQuestion(miekg.Fqdn(name), qtype)
	msg.SetEdns0(4096, false)
	msg.AuthenticatedData = true

	var lastErr error
	for _, srv := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, srv.addr)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != miekg.RcodeSuccess {
			lastErr = RCodeError{Name: name, Code: resp.Rcode}
			continue
		}
		if !srv.trustAD {
			resp.AuthenticatedData = false
		}
		return resp, nil
	}
	return nil, lastErr
}

// AuthLookupTLSA fetches the TLSA RRset published under
// _<service>._<network>.<domain>.
//
// ad reports whether the RRset is DNSSEC-authenticated; ttl is the smallest
// TTL among the returned records, for cache bookkeeping.
func (r *ExtResolver) AuthLookupTLSA(ctx context.Context, service, network, domain string) (ad bool, recs []TLSA, ttl uint32, err error) {
	name, err := miekg.TLSAName(miekg.Fqdn(domain), service, network)
	if err != nil {
		return false, nil, 0, err
	}

	resp, err := r.query(ctx, name, miekg.TypeTLSA)
	if err != nil {
		return false, nil, 0, err
	}

	for _, rr := range resp.Answer {
		tlsaRR, ok := rr.(*miekg.TLSA)
		if !ok {
			continue
		}
		if ttl == 0 || tlsaRR.Hdr.Ttl < ttl {
			ttl = tlsaRR.Hdr.Ttl
		}
		recs = append(recs, *tlsaRR)
	}
	return resp.AuthenticatedData, recs, ttl, nil
}
