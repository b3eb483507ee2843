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

// Package remote implements the outbound message delivery to the servers of
// one MX route, with the transport security decided by the mx package
// policies (DANE, MTA-STS or opportunistic TLS).
package remote

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"runtime/trace"
	"strconv"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/relayd/framework/exterrors"
	"github.com/foxcpp/relayd/framework/log"
	"github.com/foxcpp/relayd/internal/mx"
	"github.com/foxcpp/relayd/internal/session"
	"github.com/foxcpp/relayd/internal/smtpconn"
	"github.com/foxcpp/relayd/internal/target"
	"golang.org/x/net/idna"
)

func moduleError(err error) error {
	return exterrors.WithFields(err, map[string]interface{}{
		"target": "remote",
	})
}

// Target is the outbound delivery client. One Target value serves all
// routes; per-delivery state lives on the stack of Deliver.
type Target struct {
	// Hostname sent in EHLO, A-labels form.
	Hostname string

	// TLSConfig is the base client TLS configuration (root pool from the
	// truststore, etc). Cloned per connection.
	TLSConfig *tls.Config

	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	SubmissionTimeout time.Duration

	// Port to connect to. 25 if zero; tests override it.
	Port int

	// Auth, if set, is used to authenticate against the remote server
	// when it advertises AUTH.
	Auth sasl.Client

	Log log.Logger
}

// New constructs a Target with the usable defaults.
func New(hostname string) (*Target, error) {
	aceHostname, err := idna.ToASCII(hostname)
	if err != nil {
		return nil, moduleError(err)
	}
	return &Target{
		Hostname:  aceHostname,
		TLSConfig: &tls.Config{},
		Dialer:    (&net.Dialer{}).DialContext,
		Log:       log.Logger{Name: "remote"},
	}, nil
}

func (rt *Target) port() string {
	if rt.Port == 0 {
		return "25"
	}
	return strconv.Itoa(rt.Port)
}

// Deliver attempts delivery of the route-scoped session, walking the route
// servers in priority order. The per-recipient outcome is recorded in the
// envelope Status maps; the returned error describes only a total failure
// (no MX reachable).
func (rt *Target) Deliver(ctx context.Context, sess *session.Session, route *mx.Route) error {
	defer trace.StartRegion(ctx, "remote/Deliver").End()

	dl := target.DeliveryLogger(rt.Log, sess)

	var lastErr error
	for _, srv := range route.Servers {
		if srv.Host == "." {
			// Null MX, the domain does not accept mail (RFC 7505).
			lastErr = &exterrors.SMTPError{
				Code:         556,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
				Message:      "Domain does not accept email (null MX)",
			}
			break
		}

		policy := route.PolicyFor(srv.Host)
		conn, err := rt.connect(ctx, srv, policy, dl)
		if err != nil {
			dl.Error("cannot use MX", err, "remote_server", srv.Host)
			lastErr = err
			continue
		}

		netErr := rt.deliverAll(ctx, conn, sess, dl)
		conn.Quit()
		if !netErr {
			return nil
		}
		// Connection died mid-session - the recipients that got no final
		// response are retried on the next MX.
		lastErr = errors.New("connection lost during the transaction")
	}

	if lastErr == nil {
		lastErr = errors.New("no usable MX servers")
	}
	st := statusFromErr(lastErr)
	for _, env := range sess.Envelopes {
		for _, rcpt := range env.Recipients {
			if cur := env.Status[rcpt]; cur != nil && !cur.Temporary {
				continue
			}
			stCpy := *st
			env.SetStatus(rcpt, &stCpy)
			env.Log.Append("CONNECT", lastErr.Error(), true)
		}
	}
	return moduleError(lastErr)
}

// deliverAll runs the envelopes of the session through one established
// connection. netErr reports that the connection is no longer usable and
// remaining work should move to another MX.
func (rt *Target) deliverAll(ctx context.Context, conn *smtpconn.Conn, sess *session.Session, dl log.Logger) (netErr bool) {
	for _, env := range sess.Envelopes {
		if envelopeDone(env) {
			continue
		}
		if err := rt.deliverEnvelope(ctx, conn, sess, env, dl); err != nil {
			if isNetworkErr(err) {
				return true
			}
			// Response-level failure, recorded per recipient already.
		}
	}
	return false
}

func envelopeDone(env *session.Envelope) bool {
	for _, rcpt := range env.Recipients {
		st := env.Status[rcpt]
		if st == nil || st.Temporary {
			return false
		}
	}
	return true
}

func (rt *Target) deliverEnvelope(ctx context.Context, conn *smtpconn.Conn, sess *session.Session, env *session.Envelope, dl log.Logger) error {
	if err := conn.Mail(ctx, env.Sender, smtp.MailOptions{Size: env.DeclaredSize}); err != nil {
		env.Log.Append("MAIL", err.Error(), true)
		st := statusFromErr(err)
		for _, rcpt := range env.Recipients {
			stCpy := *st
			env.SetStatus(rcpt, &stCpy)
		}
		return err
	}
	env.Log.Append("MAIL", "FROM:<"+env.Sender+"> accepted", false)

	accepted := make([]string, 0, len(env.Recipients))
	for _, rcpt := range env.Recipients {
		if err := conn.Rcpt(ctx, rcpt); err != nil {
			if isNetworkErr(err) {
				env.Log.Append("RCPT", err.Error(), true)
				return err
			}
			env.SetStatus(rcpt, statusFromErr(err))
			env.Log.Append("RCPT", rcpt+": "+err.Error(), true)
			continue
		}
		env.Log.Append("RCPT", "TO:<"+rcpt+"> accepted", false)
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		return nil
	}

	hdr, body, err := openArtifact(env)
	if err != nil {
		dl.Error("cannot open the message artifact", err)
		st := &session.RcptStatus{Code: 451, Enhanced: "4.3.0", Message: "Message artifact is unreadable", Temporary: true}
		for _, rcpt := range accepted {
			stCpy := *st
			env.SetStatus(rcpt, &stCpy)
		}
		return nil
	}
	defer body.Close()

	hdr.Add("Received", target.GenerateReceived(sess, rt.Hostname, env.Sender))

	if err := conn.Data(ctx, hdr, body); err != nil {
		env.Log.Append("DATA", err.Error(), true)
		st := statusFromErr(err)
		for _, rcpt := range accepted {
			stCpy := *st
			env.SetStatus(rcpt, &stCpy)
		}
		return err
	}

	env.Log.Append("DATA", "accepted", false)
	for _, rcpt := range accepted {
		env.SetStatus(rcpt, &session.RcptStatus{Code: 250, Enhanced: "2.0.0", Message: "Accepted"})
	}
	return nil
}

func openArtifact(env *session.Envelope) (textproto.Header, *os.File, error) {
	f, err := os.Open(env.ArtifactPath)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	br := bufio.NewReader(f)
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		f.Close()
		return textproto.Header{}, nil, err
	}
	// Seek back to the position right after the header so the *os.File
	// reads the body only.
	bodyOffset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		f.Close()
		return textproto.Header{}, nil, err
	}
	bodyOffset -= int64(br.Buffered())
	if _, err := f.Seek(bodyOffset, io.SeekStart); err != nil {
		f.Close()
		return textproto.Header{}, nil, err
	}
	return hdr, f, nil
}

func isNetworkErr(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var tlsErr smtpconn.TLSError
	return errors.As(err, &tlsErr)
}

func statusFromErr(err error) *session.RcptStatus {
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		return &session.RcptStatus{
			Code:      smtpErr.Code,
			Enhanced:  smtpErr.EnhancedCode.String(),
			Message:   smtpErr.Message,
			Temporary: smtpErr.Temporary(),
		}
	}
	temp := exterrors.IsTemporaryOrUnspec(err)
	code := 451
	enhanced := "4.0.0"
	if !temp {
		code = 554
		enhanced = "5.0.0"
	}
	return &session.RcptStatus{Code: code, Enhanced: enhanced, Message: err.Error(), Temporary: temp}
}
