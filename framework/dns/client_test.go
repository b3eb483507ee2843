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
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"
)

// countingResolver wraps another Resolver and counts the calls that reach
// it, to observe the cache behavior.
type countingResolver struct {
	inner Resolver
	calls int
}

func (c *countingResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	c.calls++
	return c.inner.LookupAddr(ctx, addr)
}

func (c *countingResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	c.calls++
	return c.inner.LookupHost(ctx, host)
}

func (c *countingResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	c.calls++
	return c.inner.LookupMX(ctx, name)
}

func (c *countingResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	c.calls++
	return c.inner.LookupTXT(ctx, name)
}

func (c *countingResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	c.calls++
	return c.inner.LookupIPAddr(ctx, host)
}

func testClient(zones map[string]mockdns.Zone) (*Client, *countingResolver) {
	counting := &countingResolver{inner: &mockdns.Resolver{Zones: zones}}
	return NewClient(counting), counting
}

func TestClientMXSorted(t *testing.T) {
	client, _ := testClient(map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{
				{Host: "mxb.invalid.", Pref: 20},
				{Host: "mxa2.invalid.", Pref: 10},
				{Host: "mxa1.invalid.", Pref: 10},
			},
		},
	})

	records, err := client.MX(context.Background(), "example.invalid")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("wrong record count: %v", len(records))
	}
	// (preference asc, host asc)
	if records[0].Host != "mxa1.invalid." || records[1].Host != "mxa2.invalid." || records[2].Host != "mxb.invalid." {
		t.Errorf("wrong order: %v %v %v", records[0].Host, records[1].Host, records[2].Host)
	}
}

func TestClientMXImplicit(t *testing.T) {
	client, _ := testClient(map[string]mockdns.Zone{
		"example.invalid.": {A: []string{"192.0.2.1"}},
	})

	records, err := client.MX(context.Background(), "example.invalid")
	if err != nil {
		t.Fatal(err)
	}
	// RFC 5321 Section 5.1: fall back to the implicit 0-preference MX.
	if len(records) != 1 || records[0].Pref != 0 {
		t.Fatalf("no implicit MX synthesized: %+v", records)
	}
}

func TestClientPositiveCache(t *testing.T) {
	client, counting := testClient(map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{{Host: "mx.invalid.", Pref: 10}},
		},
	})

	for i := 0; i < 3; i++ {
		if _, err := client.MX(context.Background(), "example.invalid"); err != nil {
			t.Fatal(err)
		}
	}
	if counting.calls != 1 {
		t.Errorf("cache not effective: %d resolver calls", counting.calls)
	}
}

func TestClientCacheExpiry(t *testing.T) {
	client, counting := testClient(map[string]mockdns.Zone{
		"example.invalid.": {
			MX: []net.MX{{Host: "mx.invalid.", Pref: 10}},
		},
	})
	client.PositiveTTL = 1 * time.Millisecond

	if _, err := client.MX(context.Background(), "example.invalid"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := client.MX(context.Background(), "example.invalid"); err != nil {
		t.Fatal(err)
	}
	if counting.calls != 2 {
		t.Errorf("expired entry was served from the cache: %d calls", counting.calls)
	}
}

func TestClientNegativeCache(t *testing.T) {
	client, counting := testClient(map[string]mockdns.Zone{})

	for i := 0; i < 3; i++ {
		client.TXT(context.Background(), "missing.invalid")
	}
	if counting.calls != 1 {
		t.Errorf("negative result not cached: %d resolver calls", counting.calls)
	}
}

func TestClientPTR(t *testing.T) {
	client, _ := testClient(map[string]mockdns.Zone{
		"10.100.51.198.in-addr.arpa.": {PTR: []string{"client.example.invalid."}},
	})

	name, err := client.PTR(context.Background(), net.IPv4(198, 51, 100, 10))
	if err != nil {
		t.Fatal(err)
	}
	if name != "client.example.invalid" {
		t.Errorf("wrong PTR name: %q", name)
	}

	// Missing PTR is not an error.
	name, err = client.PTR(context.Background(), net.IPv4(198, 51, 100, 11))
	if err != nil {
		t.Fatal(err)
	}
	if name != "" {
		t.Errorf("unexpected PTR name: %q", name)
	}
}

func TestClientTXT(t *testing.T) {
	client, _ := testClient(map[string]mockdns.Zone{
		"_mta-sts.example.invalid.": {TXT: []string{"v=STSv1; id=1"}},
	})

	recs, err := client.TXT(context.Background(), "_mta-sts.example.invalid")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0] != "v=STSv1; id=1" {
		t.Errorf("wrong TXT records: %v", recs)
	}
}
