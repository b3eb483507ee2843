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

// Package module defines the contracts between the server core and its
// external policy collaborators.
//
// Concrete implementations (Dovecot sockets, ClamAV, Rspamd, LDA binaries,
// webhook endpoints) live outside of this repository; the core consumes only
// these interfaces and can be tested with the doubles from
// internal/testutils.
package module

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"net"
)

// ConnState describes the state of the remote client connection as observed
// by an endpoint.
type ConnState struct {
	// Hostname the client sent in the HELO/EHLO/LHLO command.
	Hostname string

	LocalAddr  net.Addr
	RemoteAddr net.Addr

	// Protocol name to use in the Received header (SMTP, ESMTP, ESMTPS,
	// ESMTPSA, LMTP).
	Proto string

	// TLS is the state of the connection TLS, zero value if TLS is not
	// used.
	TLS tls.ConnectionState

	// RDNSName is the result of the reverse DNS lookup for RemoteAddr, ""
	// if there is none.
	RDNSName string

	// AuthUser is the identity the client authenticated as, "" if the
	// connection is not authenticated.
	AuthUser string
}

// GenerateMsgID generates a random hexadecimal identifier for a message or a
// session.
func GenerateMsgID() (string, error) {
	rawID := make([]byte, 16)
	_, err := rand.Read(rawID)
	return hex.EncodeToString(rawID), err
}
