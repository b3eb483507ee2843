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

package target

import (
	"reflect"
	"strings"
	"testing"

	"github.com/foxcpp/relayd/internal/mx"
	"github.com/foxcpp/relayd/internal/session"
)

func TestSplit(t *testing.T) {
	sess := session.New(session.Inbound)
	env1 := sess.OpenEnvelope("a@sender.test", 0)
	env1.AddRecipient("x@a.test")
	env1.AddRecipient("y@b.test")
	env2 := sess.OpenEnvelope("a@sender.test", 0)
	env2.AddRecipient("z@b.test")

	route := &mx.Route{
		Hash:    "r1",
		Servers: []*mx.Server{{Host: "mx.a.test", Prio: 10, IPs: []string{"192.0.2.1"}}},
		Domains: []string{"a.test"},
	}

	scoped := Split(sess, route)
	if scoped == nil {
		t.Fatal("no scoped session produced")
	}

	// Only the envelope with a.test recipients survives, reduced to them.
	if len(scoped.Envelopes) != 1 {
		t.Fatalf("wrong envelope count: %v", len(scoped.Envelopes))
	}
	if !reflect.DeepEqual(scoped.Envelopes[0].Recipients, []string{"x@a.test"}) {
		t.Errorf("wrong recipients: %v", scoped.Envelopes[0].Recipients)
	}
	if scoped.Direction != session.Outbound || scoped.Port != 25 {
		t.Errorf("wrong routing fields: %v %v", scoped.Direction, scoped.Port)
	}
	if !reflect.DeepEqual(scoped.MXHosts, []string{"mx.a.test"}) {
		t.Errorf("wrong MX list: %v", scoped.MXHosts)
	}

	// The original is untouched.
	if len(sess.Envelopes) != 2 || len(env1.Recipients) != 2 {
		t.Errorf("split mutated the original session")
	}
}

func TestSplitNoEligibleRecipients(t *testing.T) {
	sess := session.New(session.Inbound)
	env := sess.OpenEnvelope("a@sender.test", 0)
	env.AddRecipient("x@a.test")

	route := &mx.Route{Hash: "r1", Domains: []string{"elsewhere.test"}}
	if scoped := Split(sess, route); scoped != nil {
		t.Errorf("session with no eligible recipients must be skipped")
	}
}

func TestGenerateReceived(t *testing.T) {
	sess := session.New(session.Inbound)
	sess.HeloDomain = "client.example.test"
	sess.RemoteIP = "198.51.100.10"
	sess.RemoteRDNS = "client.example.test"
	sess.TLS = session.TLSState{Requested: true, Negotiated: true, Protocol: "TLSv1.3", Cipher: "TLS_AES_128_GCM_SHA256"}

	value := GenerateReceived(sess, "mx.relayd.test", "a@sender.test")

	for _, part := range []string{
		"from client.example.test",
		"[198.51.100.10]",
		"by mx.relayd.test",
		"envelope-sender <a@sender.test>",
		"with ESMTPS",
		"TLSv1.3",
		"id " + sess.ID,
	} {
		if !strings.Contains(value, part) {
			t.Errorf("Received header is missing %q: %v", part, value)
		}
	}
}
