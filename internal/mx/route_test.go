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
	"reflect"
	"testing"

	"github.com/foxcpp/go-mockdns"
)

func TestResolveRoutes_Grouping(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"d1.invalid.":  {MX: []net.MX{{Host: "mxa.invalid.", Pref: 10}}},
		"d2.invalid.":  {MX: []net.MX{{Host: "mxa.invalid.", Pref: 10}}},
		"d3.invalid.":  {MX: []net.MX{{Host: "mxb.invalid.", Pref: 10}}},
		"mxa.invalid.": {A: []string{"192.0.2.1"}},
		"mxb.invalid.": {A: []string{"192.0.2.2"}},
	}

	r := testResolver(t, zones, nil, stsMap{})
	routes, err := r.ResolveRoutes(context.Background(), []string{"d1.invalid", "d2.invalid", "d3.invalid"})
	if err != nil {
		t.Fatal(err)
	}

	if len(routes) != 2 {
		t.Fatalf("wrong route count: %v", len(routes))
	}
	if !reflect.DeepEqual(routes[0].Domains, []string{"d1.invalid", "d2.invalid"}) {
		t.Errorf("wrong domains on the shared route: %v", routes[0].Domains)
	}
	if !reflect.DeepEqual(routes[1].Domains, []string{"d3.invalid"}) {
		t.Errorf("wrong domains on the second route: %v", routes[1].Domains)
	}
	if routes[0].Servers[0].Host != "mxa.invalid" {
		t.Errorf("wrong MX on the shared route: %v", routes[0].Servers[0].Host)
	}

	// The hash must be stable between runs.
	routes2, err := r.ResolveRoutes(context.Background(), []string{"d1.invalid"})
	if err != nil {
		t.Fatal(err)
	}
	if routes2[0].Hash != routes[0].Hash {
		t.Errorf("route hash is not deterministic: %v != %v", routes2[0].Hash, routes[0].Hash)
	}
}

func TestResolveRoutes_EmptyMXSkipped(t *testing.T) {
	zones := map[string]mockdns.Zone{
		"d1.invalid.":  {MX: []net.MX{{Host: "mxa.invalid.", Pref: 10}}},
		"mxa.invalid.": {A: []string{"192.0.2.1"}},
	}

	r := testResolver(t, zones, nil, stsMap{})
	routes, err := r.ResolveRoutes(context.Background(), []string{"missing.invalid", "d1.invalid"})
	if err == nil {
		if len(routes) != 1 {
			t.Fatalf("wrong route count: %v", len(routes))
		}
		if !reflect.DeepEqual(routes[0].Domains, []string{"d1.invalid"}) {
			t.Errorf("wrong domains: %v", routes[0].Domains)
		}
	}
}

func TestCanonicalMX(t *testing.T) {
	servers := []*Server{
		{Host: "mxb.invalid", Prio: 10},
		{Host: "mxa.invalid", Prio: 10},
		{Host: "mxc.invalid", Prio: 5},
	}
	canonical := canonicalMX(servers)
	if canonical != "5:mxc.invalid|10:mxa.invalid|10:mxb.invalid" {
		t.Errorf("wrong canonical form: %v", canonical)
	}

	// Canonicalisation of an already-sorted list is a fixed point.
	if again := canonicalMX(servers); again != canonical {
		t.Errorf("canonicalisation is not idempotent: %v", again)
	}
	if routeHash(canonical) != routeHash(canonical) {
		t.Errorf("hash is not deterministic")
	}
}

func TestRoutePolicyMerge(t *testing.T) {
	route := &Route{}
	route.mergePolicy(SecurityPolicy{Kind: Opportunistic, MX: "mx.invalid"})
	route.mergePolicy(SecurityPolicy{Kind: DANE, MX: "mx.invalid"})

	if route.PolicyFor("mx.invalid").Kind != DANE {
		t.Errorf("the more secure policy must win the merge")
	}
	if route.PolicyFor("other.invalid").Kind != Opportunistic {
		t.Errorf("unknown MX must default to opportunistic")
	}
}
