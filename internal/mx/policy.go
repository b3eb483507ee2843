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

// Package mx implements discovery of the servers responsible for a recipient
// domain together with the transport security policy that applies to each of
// them: DANE (RFC 7672), MTA-STS (RFC 8461) or opportunistic TLS.
//
// It also provides grouping of recipient domains into canonical MX routes
// shared by the outbound delivery code.
package mx

import (
	"github.com/foxcpp/go-mtasts"
	"github.com/foxcpp/relayd/framework/dns"
)

type PolicyKind int

const (
	// Opportunistic is the fallback policy: try STARTTLS if offered,
	// tolerate its absence and validation failures.
	Opportunistic PolicyKind = iota

	// DANE requires STARTTLS and TLSA-based certificate validation.
	DANE

	// MTASTS requires STARTTLS and PKIX validation when the published
	// policy mode is "enforce"; "testing" logs failures but proceeds.
	MTASTS
)

func (k PolicyKind) String() string {
	switch k {
	case DANE:
		return "dane"
	case MTASTS:
		return "mtasts"
	case Opportunistic:
		return "opportunistic"
	}
	return "???"
}

// SecurityPolicy is the per-MX transport security decision made by
// ResolveSecure.
type SecurityPolicy struct {
	Kind PolicyKind

	// MX is the hostname the policy applies to.
	MX string

	// TLSA is non-empty iff Kind == DANE.
	TLSA []dns.TLSA

	// Mode is set iff Kind == MTASTS.
	Mode mtasts.Mode
}

// TLSMandatory reports whether a failure to negotiate and validate TLS must
// abort the delivery attempt.
func (p SecurityPolicy) TLSMandatory() bool {
	switch p.Kind {
	case DANE:
		return true
	case MTASTS:
		return p.Mode == mtasts.ModeEnforce
	}
	return false
}

// moreSecure orders policies for merging the per-domain views of a shared
// route: DANE > MTA-STS enforce > MTA-STS testing > opportunistic.
func moreSecure(a, b SecurityPolicy) bool {
	rank := func(p SecurityPolicy) int {
		switch p.Kind {
		case DANE:
			return 3
		case MTASTS:
			if p.Mode == mtasts.ModeEnforce {
				return 2
			}
			return 1
		}
		return 0
	}
	return rank(a) > rank(b)
}

// SecureMX is one entry of the resolved MX list for a domain.
type SecureMX struct {
	Host string
	Prio uint16

	Policy SecurityPolicy
}
