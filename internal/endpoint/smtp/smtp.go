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

// Package smtp implements the inbound mail receipt engine: the listeners,
// the bounded connection worker pool and the per-connection protocol state
// machine with its security, policy and content-scanning gates.
package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/foxcpp/relayd/framework/config"
	"github.com/foxcpp/relayd/framework/dns"
	"github.com/foxcpp/relayd/framework/log"
	"github.com/foxcpp/relayd/framework/module"
	"github.com/foxcpp/relayd/internal/limits"
	"github.com/foxcpp/relayd/internal/proxy_protocol"
	"github.com/foxcpp/relayd/internal/queue"
	"github.com/foxcpp/relayd/internal/rules"
	"golang.org/x/net/idna"
)

// Endpoint is one listening SMTP port together with its policy surface.
type Endpoint struct {
	// Name of the endpoint for logging ("smtp", "submission").
	Name string

	Server   config.Server
	Listener config.Listener

	// TLSConfig enables STARTTLS (and implicit TLS when ImplicitTLS is
	// set). nil disables both.
	TLSConfig   *tls.Config
	ImplicitTLS bool

	Tracker  *limits.Tracker
	Limits   *limits.Group
	Rules    *rules.Set
	Resolver dns.Resolver

	// Collaborators, all optional: nil disables the corresponding gate.
	Users    module.UserLookup
	SASL     module.SASLServer
	Scanners []module.Scanner
	Spam     module.SpamScorer
	Webhooks module.WebhookDispatcher
	Local    module.LocalDelivery

	SpamRejectThreshold  float64
	SpamDiscardThreshold float64

	// LocalDomains are delivered through Local instead of being relayed.
	LocalDomains map[string]struct{}

	Queue *queue.Q

	// ArtifactDir is where the message artifacts are buffered.
	ArtifactDir string

	// SPF enables the sender policy check at MAIL FROM.
	SPF bool

	// Timeouts.
	SocketTimeout   time.Duration // command I/O
	ExtendedTimeout time.Duration // DATA/BDAT payload

	Log log.Logger

	hostname string

	listener net.Listener
	workers  *workerPool

	shutdown  context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	acceptErr error
}

// Start binds the listener and launches the accept loop.
func (endp *Endpoint) Start() error {
	var err error
	// INTERNATIONALIZATION: See RFC 6531 Section 3.3.
	endp.hostname, err = idna.ToASCII(endp.Server.Hostname)
	if err != nil {
		return fmt.Errorf("%s: cannot represent the hostname as an A-label name: %w", endp.Name, err)
	}

	endpAddr, err := config.ParseEndpoint(endp.Listener.Addr)
	if err != nil {
		return fmt.Errorf("%s: invalid address: %s", endp.Name, endp.Listener.Addr)
	}

	var lc net.ListenConfig
	endp.shutdown, endp.cancel = context.WithCancel(context.Background())

	l, err := lc.Listen(endp.shutdown, endpAddr.Network(), endpAddr.Address())
	if err != nil {
		endp.cancel()
		return fmt.Errorf("%s: %w", endp.Name, err)
	}
	endp.Log.Printf("listening on %v", endpAddr)

	if endp.Listener.ProxyProtocol {
		pp, err := proxy_protocol.New(nil)
		if err != nil {
			l.Close()
			endp.cancel()
			return err
		}
		l = proxy_protocol.NewListener(l, pp, endp.Log)
	}

	if endp.ImplicitTLS || endpAddr.IsTLS() {
		if endp.TLSConfig == nil {
			l.Close()
			endp.cancel()
			return fmt.Errorf("%s: can't bind on SMTPS endpoint without TLS configuration", endp.Name)
		}
		l = tls.NewListener(l, endp.TLSConfig)
	}

	if endp.Tracker == nil {
		endp.Tracker = limits.NewTracker(config.DoS{})
	}
	if endp.Rules == nil {
		endp.Rules, _ = rules.NewSet(config.Rules{})
	}

	endp.workers = newWorkerPool(
		endp.Listener.MinPool,
		endp.Listener.MaxPool,
		time.Duration(endp.Listener.KeepAliveSec)*time.Second,
	)
	endp.listener = l

	endp.wg.Add(1)
	go endp.serve()

	return nil
}

func (endp *Endpoint) serve() {
	defer endp.wg.Done()

	for {
		conn, err := endp.listener.Accept()
		if err != nil {
			select {
			case <-endp.shutdown.Done():
			default:
				endp.Log.Error("accept failed", err)
				endp.acceptErr = err
			}
			return
		}

		ip := remoteIP(conn)

		if endp.Rules.Blocklist.Match(ip) {
			endp.Log.Msg("blocklisted connection rejected", "src_ip", ip.String())
			writeRawResponse(conn, "550 5.7.1 Access denied")
			conn.Close()
			continue
		}

		if reason := endp.Tracker.ConnAccepted(ip.String()); reason != limits.Allowed {
			endp.Log.Msg("connection limit hit", "src_ip", ip.String(), "reason", reason.String())
			deniedConns.WithLabelValues(endp.Name, reason.String()).Inc()
			writeRawResponse(conn, "421 4.7.0 "+reason.String())
			conn.Close()
			continue
		}

		err = endp.workers.Submit(endp.shutdown, func() {
			defer endp.Tracker.ConnClosed(ip.String())
			newConn(endp, conn).handle(endp.shutdown)
		})
		if err != nil {
			// Shutting down.
			writeRawResponse(conn, "421 4.3.2 Service shutting down")
			conn.Close()
			endp.Tracker.ConnClosed(ip.String())
			return
		}
	}
}

// Close terminates the accept loop, wakes the blocked reads up by closing
// the sockets and waits for the in-flight connections to drain.
func (endp *Endpoint) Close() error {
	if endp.cancel != nil {
		endp.cancel()
	}
	if endp.listener != nil {
		endp.listener.Close()
	}
	endp.wg.Wait()
	if endp.workers != nil {
		endp.workers.Close()
	}
	return nil
}

func remoteIP(conn net.Conn) (ip netip.Addr) {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.MustParseAddr("127.0.0.1")
	}
	addr, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return netip.MustParseAddr("127.0.0.1")
	}
	return addr.Unmap()
}

func writeRawResponse(conn net.Conn, line string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.Write([]byte(line + "\r\n"))
}

func tlsVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLSv1"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	}
	return "unknown"
}
