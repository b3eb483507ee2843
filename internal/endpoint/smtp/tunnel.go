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

package smtp

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/foxcpp/relayd/framework/config"
)

// tunnel turns the session into a byte pipe to the upstream named by the
// matched proxy rule. The protocol state accumulated so far (EHLO, MAIL,
// RCPT) is replayed to the upstream first so the client can continue
// transparently.
func (c *conn) tunnel(rule *config.ProxyRule, initialLine []byte) {
	c.log.Msg("proxying session to upstream",
		"upstream_host", rule.Host, "upstream_port", rule.Port, "tls", rule.TLS)

	addr := net.JoinHostPort(rule.Host, strconv.Itoa(rule.Port))
	upstream, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		c.log.Error("upstream dial failed", err, "upstream", addr)
		c.writeResponse(421, "4.4.1", "Upstream unavailable")
		return
	}
	defer upstream.Close()

	if rule.TLS {
		tlsConn := tls.Client(upstream, &tls.Config{ServerName: rule.Host})
		if err := tlsConn.Handshake(); err != nil {
			c.log.Error("upstream TLS handshake failed", err, "upstream", addr)
			c.writeResponse(421, "4.4.1", "Upstream unavailable")
			return
		}
		upstream = tlsConn
	}

	upReader := bufio.NewReader(upstream)

	// Consume the upstream banner, it was already sent to the client by
	// us (or will not be expected mid-session).
	if _, err := readReply(upReader); err != nil {
		c.log.Error("upstream banner read failed", err, "upstream", addr)
		c.writeResponse(421, "4.4.1", "Upstream unavailable")
		return
	}

	for _, line := range c.replayLog {
		if _, err := upstream.Write([]byte(line + "\r\n")); err != nil {
			c.log.Error("upstream replay failed", err, "upstream", addr)
			c.writeResponse(421, "4.4.1", "Upstream unavailable")
			return
		}
		if _, err := readReply(upReader); err != nil {
			c.log.Error("upstream replay failed", err, "upstream", addr)
			c.writeResponse(421, "4.4.1", "Upstream unavailable")
			return
		}
	}

	if len(initialLine) != 0 {
		if _, err := upstream.Write(initialLine); err != nil {
			return
		}
	}

	// From now on the connection is a dumb pipe; timeouts are disabled in
	// favor of the kernel-level keepalive.
	c.netConn.SetDeadline(time.Time{})
	upstream.SetDeadline(time.Time{})

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, c.reader)
		done <- struct{}{}
	}()
	go func() {
		// Data buffered in upReader belongs to the client.
		io.Copy(c.netConn, upReader)
		done <- struct{}{}
	}()
	<-done
}

// readReply consumes one (possibly multi-line) SMTP reply.
func readReply(r *bufio.Reader) (string, error) {
	var reply string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return reply, err
		}
		reply += line
		if len(line) < 4 || line[3] != '-' {
			return reply, nil
		}
	}
}
