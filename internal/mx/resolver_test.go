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
	"net"
	"testing"

	"github.com/foxcpp/go-mockdns"
	"github.com/foxcpp/go-mtasts"
	"github.com/foxcpp/relayd/framework/dns"
	"github.com/foxcpp/relayd/internal/testutils"
	miekgdns "github.com/miekg/dns"
)

type stsMap map[string]*mtasts.Policy

func (m stsMap) Get(_ context.Context, domain string) (*mtasts.Policy, error) {
	return m[domain], nil
}

type stsCounting struct {
	inner stsMap
	calls int
}

func (c *stsCounting) Get(ctx context.Context, domain string) (*mtasts.Policy, error) {
	c.calls++
	return c.inner.Get(ctx, domain)
}

func testResolver(t *testing.T, zones map[string]mockdns.Zone, tlsa map[string][]dns.TLSA, sts STSSource) *Resolver {
	t.Helper()

	client := dns.NewClient(&mockdns.Resolver{Zones: zones})
	client.TLSAFunc = func(_ context.Context, host string) ([]dns.TLSA, error) {
		return tlsa[host], nil
	}
	return &Resolver{
		DNS: client,
		STS: sts,
		Log: testutils.Logger(t, "mx"),
	}
}

func tlsaRecord(usage, selector, matching uint8, cert string) dns.TLSA {
	return dns.TLSA{
		Hdr: miekgdns.RR_Header{
			Rrtype: miekgdns.TypeTLSA,
		},
		Usage:        usage,
		Selector:     selector,
		MatchingType: matching,
		Certificate:  cert,
	}
}

func TestResolveSecure_DANEDominant(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"secure.test.": {
			MX: []net.MX{
				{Host: "mx1.secure.test.", Pref: 10},
				{Host: "mx2.secure.test.", Pref: 20},
			},
		},
	}
	tlsa := map[string][]dns.TLSA{
		"mx1.secure.test": {tlsaRecord(3, 1, 1, "00112233")},
	}
	// An MTA-STS policy is published too; DANE dominance means it must
	// not even be looked at (RFC 8461 Section 2).
	sts := &stsCounting{inner: stsMap{
		"secure.test": {Mode: mtasts.ModeEnforce, MX: []string{"*.secure.test"}},
	}}

	r := testResolver(t, zones, tlsa, sts)
	list, err := r.ResolveSecure(context.Background(), "secure.test")
	if err != nil {
		t.Fatal(err)
	}

	if len(list) != 2 {
		t.Fatalf("wrong MX count: %v", len(list))
	}
	if list[0].Host != "mx1.secure.test" || list[0].Policy.Kind != DANE {
		t.Errorf("wrong first entry: %+v", list[0])
	}
	if len(list[0].Policy.TLSA) != 1 {
		t.Errorf("DANE policy without TLSA records")
	}
	if list[1].Host != "mx2.secure.test" || list[1].Policy.Kind != Opportunistic {
		t.Errorf("wrong second entry: %+v", list[1])
	}
	if sts.calls != 0 {
		t.Errorf("MTA-STS was consulted despite DANE dominance (%d calls)", sts.calls)
	}
}

func TestResolveSecure_MTASTS(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{
				{Host: "mx1.example.invalid.", Pref: 10},
				{Host: "mx.elsewhere.invalid.", Pref: 20},
			},
		},
	}
	sts := stsMap{
		"example.invalid": {Mode: mtasts.ModeEnforce, MX: []string{"*.example.invalid"}},
	}

	r := testResolver(t, zones, nil, sts)
	list, err := r.ResolveSecure(context.Background(), "example.invalid")
	if err != nil {
		t.Fatal(err)
	}

	// The non-matching MX must be dropped.
	if len(list) != 1 {
		t.Fatalf("wrong MX count: %v", len(list))
	}
	if list[0].Host != "mx1.example.invalid" {
		t.Errorf("wrong MX: %v", list[0].Host)
	}
	if list[0].Policy.Kind != MTASTS || list[0].Policy.Mode != mtasts.ModeEnforce {
		t.Errorf("wrong policy: %+v", list[0].Policy)
	}
	if !list[0].Policy.TLSMandatory() {
		t.Errorf("enforced MTA-STS must make TLS mandatory")
	}
}

func TestResolveSecure_MTASTSNoMatch(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{{Host: "mx.elsewhere.invalid.", Pref: 10}},
		},
	}
	sts := stsMap{
		"example.invalid": {Mode: mtasts.ModeEnforce, MX: []string{"*.example.invalid"}},
	}

	r := testResolver(t, zones, nil, sts)
	list, err := r.ResolveSecure(context.Background(), "example.invalid")
	if err != nil {
		t.Fatal(err)
	}

	// No MX matches the policy - fall back to opportunistic instead of
	// making the domain undeliverable.
	if len(list) != 1 {
		t.Fatalf("wrong MX count: %v", len(list))
	}
	if list[0].Policy.Kind != Opportunistic {
		t.Errorf("wrong policy: %+v", list[0].Policy)
	}
}

func TestResolveSecure_Opportunistic(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}},
		},
	}

	r := testResolver(t, zones, nil, stsMap{})
	list, err := r.ResolveSecure(context.Background(), "example.invalid")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Policy.Kind != Opportunistic {
		t.Fatalf("wrong result: %+v", list)
	}
	if list[0].Policy.TLSMandatory() {
		t.Errorf("opportunistic policy must not make TLS mandatory")
	}
	if list[0].Policy.Kind != Opportunistic {
		t.Errorf("wrong policy: %+v", list[0].Policy)
	}
}

func TestResolveSecure_TestingModeNotMandatory(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}},
		},
	}
	sts := stsMap{
		"example.invalid": {Mode: mtasts.ModeTesting, MX: []string{"mx.example.invalid"}},
	}

	r := testResolver(t, zones, nil, sts)
	list, err := r.ResolveSecure(context.Background(), "example.invalid")
	if err != nil {
		t.Fatal(err)
	}
	if list[0].Policy.Kind != MTASTS {
		t.Fatalf("wrong policy kind: %v", list[0].Policy.Kind)
	}
	if list[0].Policy.TLSMandatory() {
		t.Errorf("testing mode must not make TLS mandatory")
	}
}

func TestResolveSecure_UnusableTLSAIgnored(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{{Host: "mx.example.invalid.", Pref: 10}},
		},
	}
	tlsa := map[string][]dns.TLSA{
		// Unknown enum values make the record unusable; it must not
		// trigger DANE dominance.
		"mx.example.invalid": {tlsaRecord(7, 9, 8, "00")},
	}

	r := testResolver(t, zones, tlsa, stsMap{})
	list, err := r.ResolveSecure(context.Background(), "example.invalid")
	if err != nil {
		t.Fatal(err)
	}
	if list[0].Policy.Kind != Opportunistic {
		t.Errorf("unusable TLSA records must not produce a DANE policy: %+v", list[0].Policy)
	}
}
