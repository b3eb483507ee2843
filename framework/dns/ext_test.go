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
	"strconv"
	"testing"
	"time"

	miekg "github.com/miekg/dns"
)

// tlsaTestServer answers every query with the configured rcode, AD flag and
// TLSA answers.
type tlsaTestServer struct {
	srv miekg.Server

	rcode int
	ad    bool
	recs  []miekg.RR
}

func (s *tlsaTestServer) ServeDNS(w miekg.ResponseWriter, req *miekg.Msg) {
	resp := new(miekg.Msg)
	resp.SetReply(req)
	resp.Rcode = s.rcode
	resp.AuthenticatedData = s.ad
	resp.Answer = s.recs
	w.WriteMsg(resp)
}

func (s *tlsaTestServer) start(t *testing.T) string {
	t.Helper()

	pconn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s.srv.PacketConn = pconn
	s.srv.Handler = s
	go s.srv.ActivateAndServe() //nolint:errcheck
	t.Cleanup(func() { pconn.Close() })

	return pconn.LocalAddr().String()
}

func testTLSARR(t *testing.T, name string, ttl uint32) miekg.RR {
	t.Helper()
	rr, err := miekg.NewRR(name + " " + strconv.FormatUint(uint64(ttl), 10) + " IN TLSA 3 1 1 aabbccdd")
	if err != nil {
		t.Fatal(err)
	}
	return rr
}

func extForServer(addr string, trustAD bool) *ExtResolver {
	return &ExtResolver{
		client:  &miekg.Client{Dialer: &net.Dialer{Timeout: 2 * time.Second}},
		servers: []extServer{{addr: addr, trustAD: trustAD}},
	}
}

func TestAuthLookupTLSA(t *testing.T) {
	server := &tlsaTestServer{
		rcode: miekg.RcodeSuccess,
		ad:    true,
		recs: []miekg.RR{
			testTLSARR(t, "_25._tcp.mx.relayd.test.", 300),
			testTLSARR(t, "_25._tcp.mx.relayd.test.", 120),
		},
	}
	addr := server.start(t)

	ad, recs, ttl, err := extForServer(addr, true).AuthLookupTLSA(context.Background(), "25", "tcp", "mx.relayd.test")
	if err != nil {
		t.Fatal(err)
	}
	if !ad {
		t.Errorf("AD flag of a trusted loopback server not honored")
	}
	if len(recs) != 2 {
		t.Fatalf("wrong record count: %v", len(recs))
	}
	if recs[0].Usage != 3 || recs[0].Selector != 1 || recs[0].MatchingType != 1 {
		t.Errorf("record fields mangled: %+v", recs[0])
	}
	if ttl != 120 {
		t.Errorf("smallest TTL not reported: %v", ttl)
	}
}

func TestAuthLookupTLSA_UntrustedAD(t *testing.T) {
	server := &tlsaTestServer{
		rcode: miekg.RcodeSuccess,
		ad:    true,
		recs:  []miekg.RR{testTLSARR(t, "_25._tcp.mx.relayd.test.", 300)},
	}
	addr := server.start(t)

	// The AD flag of a non-local resolver travelled over the wire and
	// must be discarded.
	ad, _, _, err := extForServer(addr, false).AuthLookupTLSA(context.Background(), "25", "tcp", "mx.relayd.test")
	if err != nil {
		t.Fatal(err)
	}
	if ad {
		t.Errorf("AD flag of an untrusted server was honored")
	}
}

func TestAuthLookupTLSA_NXDomain(t *testing.T) {
	server := &tlsaTestServer{rcode: miekg.RcodeNameError}
	addr := server.start(t)

	_, _, _, err := extForServer(addr, true).AuthLookupTLSA(context.Background(), "25", "tcp", "missing.relayd.test")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !IsNotFound(err) {
		t.Errorf("NXDOMAIN not classified as not-found: %v", err)
	}
}

func TestRCodeErrorTemporary(t *testing.T) {
	if !(RCodeError{Name: "x", Code: miekg.RcodeServerFailure}).Temporary() {
		t.Errorf("SERVFAIL must be temporary")
	}
	if (RCodeError{Name: "x", Code: miekg.RcodeNameError}).Temporary() {
		t.Errorf("NXDOMAIN must be permanent")
	}
}
