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
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/foxcpp/relayd/framework/dns"
	"github.com/foxcpp/relayd/framework/exterrors"
)

// Used to override verification time for DANE-TA tests.
var verifyDANETime time.Time

// VerifyDANE checks whether the TLSA records match the certificate chain
// presented by the server.
//
// overridePKIX indicates that the server identity is proven by DANE alone
// and PKIX verification failures (including InsecureSkipVerify use) do not
// matter. That is the case for usage 2 (DANE-TA) and usage 3 (DANE-EE)
// matches. Usages 0 and 1 additionally rely on PKIX, which the caller is
// expected to have performed.
//
// See RFC 7672 Section 2.2 for the requirements implemented here.
func VerifyDANE(recs []dns.TLSA, connState tls.ConnectionState) (overridePKIX bool, err error) {
	tlsErr := &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
		Message:      "TLS is required but unsupported or failed (enforced by DANE)",
		TargetName:   "dane",
		Misc: map[string]interface{}{
			"remote_server": connState.ServerName,
		},
	}

	if len(recs) == 0 {
		return false, nil
	}

	// Require TLS even if all records are not usable, per Section 2.2 of
	// RFC 7672.
	if !connState.HandshakeComplete {
		return false, tlsErr
	}

	var (
		eeRecs   []dns.TLSA
		taRecs   []dns.TLSA
		pkixRecs []dns.TLSA
	)
	for _, rec := range recs {
		switch rec.MatchingType {
		case 0, 1, 2:
		default:
			continue
		}
		switch rec.Selector {
		case 0, 1:
		default:
			continue
		}

		switch rec.Usage {
		case 0, 1:
			pkixRecs = append(pkixRecs, rec)
		case 2:
			taRecs = append(taRecs, rec)
		case 3:
			eeRecs = append(eeRecs, rec)
		default:
			continue
		}
	}

	// Authentication is not required if all records are unusable, see
	// RFC 7672 Section 2.1.1.
	if len(eeRecs) == 0 && len(taRecs) == 0 && len(pkixRecs) == 0 {
		return false, nil
	}

	for _, rec := range eeRecs {
		// https://tools.ietf.org/html/rfc7672#section-3.1.1
		// - SAN/CN are not considered.
		// - Expired certificates are fine too.
		if rec.Verify(connState.PeerCertificates[0]) == nil {
			return true, nil
		}
	}

	// PKIX-TA (0) matches any chain certificate, PKIX-EE (1) the leaf only.
	// Both combine with the PKIX verification performed by the caller, so
	// they never set overridePKIX.
	for _, rec := range pkixRecs {
		certs := connState.PeerCertificates
		if rec.Usage == 1 {
			certs = certs[:1]
		}
		for _, cert := range certs {
			if rec.Verify(cert) == nil {
				return false, nil
			}
		}
	}

	if len(taRecs) == 0 {
		// There are valid records, but none matched.
		return false, noMatchErr(connState)
	}

	// Collect certificates presented by the server as possible
	// intermediates. Add all certificates from the chain that match any
	// record to the root pool.
	opts := x509.VerifyOptions{
		DNSName:       connState.ServerName,
		Intermediates: x509.NewCertPool(),
		Roots:         x509.NewCertPool(),
		CurrentTime:   verifyDANETime,
	}
	for _, cert := range connState.PeerCertificates {
		root := false
		for _, rec := range taRecs {
			if cert.IsCA && rec.Verify(cert) == nil {
				opts.Roots.AddCert(cert)
				root = true
			}
		}
		if !root {
			opts.Intermediates.AddCert(cert)
		}
	}

	// ... then run the standard X.509 verification. This will verify that
	// the server certificate chains to any of asserted TA certificates.
	if _, err := connState.PeerCertificates[0].Verify(opts); err == nil {
		return true, nil
	}

	return false, noMatchErr(connState)
}

func noMatchErr(connState tls.ConnectionState) error {
	return &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
		Message:      "No matching TLSA records",
		TargetName:   "dane",
		Misc: map[string]interface{}{
			"remote_server": connState.ServerName,
		},
	}
}
