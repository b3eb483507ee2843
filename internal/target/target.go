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

// Package target contains utilities shared by the delivery code.
package target

import (
	"strings"
	"time"

	"github.com/foxcpp/relayd/framework/address"
	"github.com/foxcpp/relayd/framework/dns"
	"github.com/foxcpp/relayd/framework/log"
	"github.com/foxcpp/relayd/internal/session"
)

// DeliveryLogger returns the logger with the session ID field attached.
func DeliveryLogger(l log.Logger, sess *session.Session) log.Logger {
	fields := make(map[string]interface{}, len(l.Fields)+1)
	for k, v := range l.Fields {
		fields[k] = v
	}
	fields["msg_id"] = sess.ID
	l.Fields = fields
	return l
}

func SanitizeForHeader(raw string) string {
	return strings.Replace(raw, "\n", "", -1)
}

// GenerateReceived builds the trace header value describing how the session
// reached us, per RFC 5321 Section 4.4.
func GenerateReceived(sess *session.Session, ourHostname, mailFrom string) string {
	builder := strings.Builder{}
	builder.Grow(256 + len(sess.HeloDomain))

	if sess.HeloDomain != "" {
		hostname, err := dns.SelectIDNA(false, sess.HeloDomain)
		if err == nil {
			builder.WriteString("from ")
			builder.WriteString(SanitizeForHeader(hostname))
		}
	}
	if sess.RemoteIP != "" {
		builder.WriteString(" (")
		if sess.RemoteRDNS != "" {
			encoded, err := dns.SelectIDNA(false, sess.RemoteRDNS)
			if err == nil {
				builder.WriteString(SanitizeForHeader(encoded))
				builder.WriteRune(' ')
			}
		}
		builder.WriteRune('[')
		builder.WriteString(sess.RemoteIP)
		builder.WriteString("])")
	}

	if ourHostname != "" {
		builder.WriteString(" by ")
		builder.WriteString(SanitizeForHeader(ourHostname))
	}

	if mailFrom != "" {
		mailFrom, err := address.SelectIDNA(false, mailFrom)
		if err == nil {
			builder.WriteString(" (envelope-sender <")
			builder.WriteString(SanitizeForHeader(mailFrom))
			builder.WriteString(">)")
		}
	}

	proto := protoName(sess)
	if proto != "" {
		builder.WriteString(" with ")
		builder.WriteString(proto)
	}
	if sess.TLS.Negotiated {
		builder.WriteString(" (")
		builder.WriteString(sess.TLS.Protocol)
		if sess.TLS.Cipher != "" {
			builder.WriteRune(' ')
			builder.WriteString(sess.TLS.Cipher)
		}
		builder.WriteRune(')')
	}
	builder.WriteString(" id ")
	builder.WriteString(sess.ID)
	builder.WriteString("; ")
	builder.WriteString(time.Now().Format(time.RFC1123Z))

	return strings.TrimSpace(builder.String())
}

func protoName(sess *session.Session) string {
	proto := "ESMTP"
	if sess.TLS.Negotiated {
		proto += "S"
	}
	if sess.AuthUser != "" {
		proto += "A"
	}
	return proto
}
