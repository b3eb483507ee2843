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

package remote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"

	"github.com/foxcpp/relayd/framework/exterrors"
	"github.com/foxcpp/relayd/framework/log"
	"github.com/foxcpp/relayd/internal/mx"
	"github.com/foxcpp/relayd/internal/smtpconn"
)

func isVerifyError(err error) bool {
	switch err.(type) {
	case x509.UnknownAuthorityError, x509.HostnameError,
		x509.ConstraintViolationError, x509.CertificateInvalidError:
		return true
	case *tls.CertificateVerificationError:
		return true
	}
	return false
}

func (rt *Target) connOpts(dl log.Logger) smtpconn.Opts {
	return smtpconn.Opts{
		EHLOName:          rt.Hostname,
		Dialer:            rt.Dialer,
		ConnectTimeout:    rt.ConnectTimeout,
		CommandTimeout:    rt.CommandTimeout,
		SubmissionTimeout: rt.SubmissionTimeout,
		Log:               dl,
	}
}

// connect establishes the connection to one MX server, negotiating TLS
// according to the security policy:
//
//   - Opportunistic: try STARTTLS with PKIX validation, fall back to
//     unauthenticated TLS and then to cleartext.
//   - MTA-STS enforce: STARTTLS and PKIX validation (including the hostname
//     match) are mandatory, any failure fails the connection. In testing
//     mode failures are logged and delivery proceeds.
//   - DANE: STARTTLS is mandatory, the certificate chain must match at
//     least one TLSA record.
func (rt *Target) connect(ctx context.Context, srv *mx.Server, policy mx.SecurityPolicy, dl log.Logger) (*smtpconn.Conn, error) {
	addrs := srv.IPs
	if len(addrs) == 0 {
		// No pre-resolved addresses, let the dialer resolve the hostname.
		addrs = []string{srv.Host}
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := rt.connectAddr(ctx, srv.Host, net.JoinHostPort(addr, rt.port()), policy, dl)
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}
	return nil, lastErr
}

func (rt *Target) connectAddr(ctx context.Context, host, addr string, policy mx.SecurityPolicy, dl log.Logger) (*smtpconn.Conn, error) {
	conn, err := smtpconn.Dial(ctx, rt.connOpts(dl), host, addr)
	if err != nil {
		return nil, err
	}

	tlsCfg := rt.TLSConfig.Clone()
	tlsCfg.ServerName = host
	if policy.Kind == mx.DANE {
		// DANE-EE/DANE-TA validation replaces the PKIX one, handled below
		// via mx.VerifyDANE.
		tlsCfg.InsecureSkipVerify = true
	}

	if !conn.Supports("STARTTLS") {
		if policy.TLSMandatory() {
			conn.Quit()
			return nil, &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
				Message:      "TLS is required but not advertised by the server",
				TargetName:   "remote",
				Misc: map[string]interface{}{
					"remote_server": host,
					"policy":        policy.Kind.String(),
				},
			}
		}
		dl.Msg("STARTTLS not offered, delivering in cleartext", "remote_server", host)
		return rt.maybeAuth(ctx, conn)
	}

	if err := conn.StartTLS(tlsCfg); err != nil {
		if policy.TLSMandatory() {
			return nil, exterrors.WithTemporary(err, true)
		}
		if policy.Kind == mx.MTASTS {
			dl.Error("TLS failure ignored per the MTA-STS testing mode", err, "remote_server", host)
		}

		// Attempt TLS without authentication, it is still better than
		// plaintext.
		if cause := errors.Unwrap(err); cause != nil && isVerifyError(cause) {
			dl.Error("TLS verify error, trying without authentication", err, "remote_server", host)
			return rt.retryInsecure(ctx, host, addr, dl)
		}

		dl.Error("TLS error, trying plaintext", err, "remote_server", host)
		return rt.retryPlaintext(ctx, host, addr, dl)
	}

	if policy.Kind == mx.DANE {
		tlsState, _ := conn.TLSState()
		overridePKIX, err := mx.VerifyDANE(policy.TLSA, tlsState)
		if err != nil {
			conn.Quit()
			return nil, exterrors.WithTemporary(err, true)
		}
		if !overridePKIX {
			// Usage 0/1 records rely on PKIX, which InsecureSkipVerify
			// bypassed. Verify the chain explicitly now.
			if err := verifyPKIX(tlsState, rt.TLSConfig); err != nil {
				conn.Quit()
				return nil, exterrors.WithTemporary(&exterrors.SMTPError{
					Code:         451,
					EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
					Message:      "TLS certificate verification failed (required by DANE)",
					TargetName:   "remote",
					Err:          err,
					Misc: map[string]interface{}{
						"remote_server": host,
					},
				}, true)
			}
		}
	}

	return rt.maybeAuth(ctx, conn)
}

// retryInsecure reconnects with certificate validation disabled, used only
// for the non-mandatory policies.
func (rt *Target) retryInsecure(ctx context.Context, host, addr string, dl log.Logger) (*smtpconn.Conn, error) {
	conn, err := smtpconn.Dial(ctx, rt.connOpts(dl), host, addr)
	if err != nil {
		return nil, err
	}

	tlsCfg := rt.TLSConfig.Clone()
	tlsCfg.ServerName = host
	tlsCfg.InsecureSkipVerify = true

	if err := conn.StartTLS(tlsCfg); err != nil {
		dl.Error("TLS error, trying plaintext", err, "remote_server", host)
		return rt.retryPlaintext(ctx, host, addr, dl)
	}
	return rt.maybeAuth(ctx, conn)
}

func (rt *Target) retryPlaintext(ctx context.Context, host, addr string, dl log.Logger) (*smtpconn.Conn, error) {
	conn, err := smtpconn.Dial(ctx, rt.connOpts(dl), host, addr)
	if err != nil {
		return nil, err
	}
	return rt.maybeAuth(ctx, conn)
}

func (rt *Target) maybeAuth(ctx context.Context, conn *smtpconn.Conn) (*smtpconn.Conn, error) {
	if rt.Auth == nil {
		return conn, nil
	}
	if !conn.Supports("AUTH") {
		return conn, nil
	}
	if err := conn.Auth(ctx, rt.Auth); err != nil {
		conn.Quit()
		return nil, err
	}
	return conn, nil
}

func verifyPKIX(state tls.ConnectionState, base *tls.Config) error {
	opts := x509.VerifyOptions{
		DNSName:       state.ServerName,
		Intermediates: x509.NewCertPool(),
	}
	if base != nil {
		opts.Roots = base.RootCAs
	}
	for _, cert := range state.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := state.PeerCertificates[0].Verify(opts)
	return err
}
