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

// Package smtpconn is the thin outbound SMTP session used by the delivery
// code: dial, EHLO, optional STARTTLS/AUTH, then MAIL/RCPT/DATA. It owns
// the translation of go-smtp and network errors into the exterrors
// vocabulary and the SMTPUTF8 address downgrade for peers that lack the
// extension.
package smtpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"runtime/trace"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/relayd/framework/address"
	"github.com/foxcpp/relayd/framework/exterrors"
	"github.com/foxcpp/relayd/framework/log"
)

// Opts carries the session-independent dialing knobs.
type Opts struct {
	// EHLOName is our identity in the EHLO command, A-labels form.
	EHLOName string

	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	ConnectTimeout time.Duration
	// CommandTimeout applies to every command round-trip, and
	// SubmissionTimeout to the final data dot specifically.
	CommandTimeout    time.Duration
	SubmissionTimeout time.Duration

	Log log.Logger
}

func (o *Opts) fillDefaults() {
	if o.Dialer == nil {
		o.Dialer = (&net.Dialer{}).DialContext
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 1 * time.Minute
	}
	if o.CommandTimeout == 0 {
		o.CommandTimeout = 5 * time.Minute
	}
	if o.SubmissionTimeout == 0 {
		o.SubmissionTimeout = 12 * time.Minute
	}
}

// Conn is one established outbound session. It is not safe for concurrent
// use and serves a single SMTP transaction sequence.
type Conn struct {
	opts   Opts
	server string
	cl     *smtp.Client
}

// TLSError marks a failure inside the STARTTLS negotiation, so the policy
// code can tell it apart from plain I/O problems.
type TLSError struct {
	Err error
}

func (e TLSError) Error() string { return "smtpconn: STARTTLS: " + e.Err.Error() }
func (e TLSError) Unwrap() error { return e.Err }

// Dial opens the TCP connection to addr ("ip:port" or "host:port"), reads
// the banner and sends EHLO. TLS is not touched here: the caller drives
// STARTTLS according to its security policy.
//
// server names the MX the address belongs to and is used in diagnostics.
func Dial(ctx context.Context, opts Opts, server, addr string) (*Conn, error) {
	opts.fillDefaults()
	c := &Conn{opts: opts, server: server}

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	netConn, err := opts.Dialer(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		return nil, c.annotate(err)
	}

	cl := smtp.NewClient(netConn)
	cl.CommandTimeout = opts.CommandTimeout
	cl.SubmissionTimeout = opts.SubmissionTimeout

	if err := cl.Hello(opts.EHLOName); err != nil {
		cl.Close()
		return nil, c.annotate(err)
	}

	c.cl = cl
	return c, nil
}

// Server returns the MX name the connection was opened for.
func (c *Conn) Server() string { return c.server }

// Supports reports whether the peer advertised the extension in its EHLO
// response.
func (c *Conn) Supports(ext string) bool {
	ok, _ := c.cl.Extension(ext)
	return ok
}

// StartTLS upgrades the connection. On failure the connection is torn down
// and a TLSError is returned; the Conn must not be used further.
func (c *Conn) StartTLS(cfg *tls.Config) error {
	if err := c.cl.StartTLS(cfg); err != nil {
		c.Abort()
		return TLSError{Err: err}
	}
	return nil
}

// TLSState exposes the negotiated TLS parameters, ok=false on a cleartext
// connection.
func (c *Conn) TLSState() (tls.ConnectionState, bool) {
	return c.cl.TLSConnectionState()
}

// Auth runs the SASL exchange.
func (c *Conn) Auth(ctx context.Context, client sasl.Client) error {
	defer trace.StartRegion(ctx, "smtpconn/AUTH").End()

	if err := c.cl.Auth(client); err != nil {
		return c.annotate(err)
	}
	return nil
}

// Mail opens the transaction. When the peer lacks SMTPUTF8 but the message
// was submitted with it, the sender address is downgraded to A-labels; a
// sender that cannot be represented in ASCII fails the transaction.
func (c *Conn) Mail(ctx context.Context, from string, opts smtp.MailOptions) error {
	defer trace.StartRegion(ctx, "smtpconn/MAIL").End()

	// Only the options with known pass-through semantics are forwarded.
	outOpts := smtp.MailOptions{
		Size:       opts.Size,
		RequireTLS: opts.RequireTLS,
	}

	if opts.UTF8 {
		if c.Supports("SMTPUTF8") {
			outOpts.UTF8 = true
		} else {
			downgraded, err := address.ToASCII(from)
			if err != nil {
				return &exterrors.SMTPError{
					Code:         550,
					EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
					Message:      "SMTPUTF8 is unsupported, cannot convert sender address",
					TargetName:   "smtpconn",
					Err:          err,
					Misc:         map[string]interface{}{"remote_server": c.server},
				}
			}
			from = downgraded
		}
	}

	if err := c.cl.Mail(from, &outOpts); err != nil {
		return c.annotate(err)
	}
	return nil
}

// Rcpt adds one recipient, applying the same SMTPUTF8 downgrade rule as
// Mail.
func (c *Conn) Rcpt(ctx context.Context, to string) error {
	defer trace.StartRegion(ctx, "smtpconn/RCPT").End()

	if !address.IsASCII(to) && !c.Supports("SMTPUTF8") {
		downgraded, err := address.ToASCII(to)
		if err != nil {
			return &exterrors.SMTPError{
				Code:         553,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
				Message:      "SMTPUTF8 is unsupported, cannot convert recipient address",
				TargetName:   "smtpconn",
				Err:          err,
				Misc:         map[string]interface{}{"remote_server": c.server},
			}
		}
		to = downgraded
	}

	if err := c.cl.Rcpt(to, &smtp.RcptOptions{}); err != nil {
		return c.annotate(err)
	}
	return nil
}

// Data streams the header and body and completes the transaction with the
// final dot.
func (c *Conn) Data(ctx context.Context, hdr textproto.Header, body io.Reader) error {
	defer trace.StartRegion(ctx, "smtpconn/DATA").End()

	wc, err := c.cl.Data()
	if err != nil {
		return c.annotate(err)
	}
	if err := textproto.WriteHeader(wc, hdr); err != nil {
		return c.annotate(err)
	}
	if _, err := io.Copy(wc, body); err != nil {
		return c.annotate(err)
	}
	if err := wc.Close(); err != nil {
		return c.annotate(err)
	}
	return nil
}

// Quit ends the session politely; if the peer chokes on QUIT the socket is
// closed anyway.
func (c *Conn) Quit() error {
	if err := c.cl.Quit(); err != nil {
		c.opts.Log.Error("QUIT failed", c.annotate(err))
		return c.cl.Close()
	}
	return nil
}

// Abort drops the connection without the closing handshake. Used when the
// protocol state is beyond repair (failed TLS, mid-DATA errors).
func (c *Conn) Abort() {
	c.cl.Close()
}

// annotate converts transport-level failures into the error vocabulary the
// rest of the delivery code understands.
func (c *Conn) annotate(err error) error {
	if err == nil {
		return nil
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		code := smtpErr.Code
		enhanced := exterrors.EnhancedCode(smtpErr.EnhancedCode)
		if code == 552 {
			// RFC 5321 Section 4.5.3.1.10: treat "storage allocation
			// exceeded" as a transient condition.
			code = 452
			enhanced[0] = 4
		}
		return &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: enhanced,
			Message:      c.server + " said: " + smtpErr.Message,
			TargetName:   "smtpconn",
			Err:          err,
			Misc:         map[string]interface{}{"remote_server": c.server},
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		reason, misc := exterrors.UnwrapDNSErr(err)
		misc["remote_server"] = c.server
		misc["io_op"] = opErr.Op
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Network I/O error",
			TargetName:   "smtpconn",
			Reason:       reason,
			Err:          err,
			Misc:         misc,
		}
	}

	return exterrors.WithFields(err, map[string]interface{}{
		"remote_server": c.server,
	})
}
