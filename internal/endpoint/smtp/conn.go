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
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"blitiri.com.ar/go/spf"
	"github.com/foxcpp/relayd/framework/address"
	"github.com/foxcpp/relayd/framework/dns"
	"github.com/foxcpp/relayd/framework/log"
	"github.com/foxcpp/relayd/framework/module"
	"github.com/foxcpp/relayd/internal/rules"
	"github.com/foxcpp/relayd/internal/session"
)

// maxCommandLine bounds one command line. Longer input is answered with 500
// before any parsing is attempted.
const maxCommandLine = 4096

type conn struct {
	endp    *Endpoint
	netConn net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer

	sess *session.Session
	// env is the transaction opened by the last accepted MAIL command,
	// nil outside of a mail transaction.
	env *session.Envelope

	ip       netip.Addr
	tlsState *tls.ConnectionState

	helloed bool
	esmtp   bool
	lmtp    bool

	// bdat* track an ongoing CHUNKING transfer.
	bdatBuf []byte

	verbCount int
	errCount  int
	envCount  int
	cmdTimes  []time.Time

	// replayLog keeps the accepted state-changing commands for the proxy
	// rule tunnel setup.
	replayLog []string

	spfResult spf.Result
	spfErr    error

	// limitsTaken is set when the flow limiter slot of the open
	// transaction is held.
	limitsTaken  bool
	senderDomain string

	log log.Logger
}

func newConn(endp *Endpoint, netConn net.Conn) *conn {
	c := &conn{
		endp:    endp,
		netConn: netConn,
		ip:      remoteIP(netConn),
		log:     endp.Log,
	}
	return c
}

func (c *conn) onTLS() bool {
	return c.tlsState != nil
}

func (c *conn) socketTimeout() time.Duration {
	if c.endp.SocketTimeout != 0 {
		return c.endp.SocketTimeout
	}
	return 5 * time.Minute
}

func (c *conn) handle(shutdown context.Context) {
	defer c.close()

	c.netConn.SetDeadline(time.Now().Add(c.socketTimeout()))

	if tc, ok := c.netConn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			c.log.Error("TLS handshake failed", err, "src_ip", c.ip.String())
			return
		}
		state := tc.ConnectionState()
		c.tlsState = &state
	}

	c.reader = bufio.NewReader(c.netConn)
	c.writer = bufio.NewWriter(c.netConn)

	c.sess = session.New(session.Inbound)
	c.sess.RemoteIP = c.ip.String()
	if tcpAddr, ok := c.netConn.LocalAddr().(*net.TCPAddr); ok {
		c.sess.LocalIP = tcpAddr.IP.String()
	}
	c.recordTLS()
	c.fetchRDNS(shutdown)

	c.log = log.Logger{
		Name:  c.endp.Log.Name,
		Debug: c.endp.Log.Debug,
		Out:   c.endp.Log.Out,
		Fields: map[string]interface{}{
			"msg_id": c.sess.ID,
			"src_ip": c.sess.RemoteIP,
		},
	}

	// A proxy rule matching on the client address alone turns the session
	// into a tunnel before the banner.
	if rule := c.endp.Rules.Proxy.Match(c.facts()); rule != nil {
		c.tunnel(rule, nil)
		return
	}

	c.writeResponse(220, "", c.endp.hostname+" ESMTP relayd")

	for {
		select {
		case <-shutdown.Done():
			c.writeResponse(421, "4.3.2", "Service shutting down")
			return
		default:
		}

		c.netConn.SetDeadline(time.Now().Add(c.socketTimeout()))

		verb, params, err := c.readCommand()
		if err != nil {
			if err == errLineTooLong {
				c.writeResponse(500, "5.5.2", "Command line too long")
				if c.countError() {
					return
				}
				continue
			}
			c.log.DebugMsg("connection closed", "reason", err.Error())
			return
		}

		c.endp.Tracker.RecordCommand(c.ip.String())
		c.verbCount++
		if limit := c.endp.Listener.TransactionsLimit; limit != 0 && c.verbCount > limit {
			c.writeResponse(421, "4.7.0", "Too many commands, closing connection")
			return
		}
		c.tarpit()

		if verb == "AUTH" {
			c.log.DebugMsg("command", "verb", "AUTH")
		} else {
			c.log.DebugMsg("command", "verb", verb, "params", params)
		}

		var code int
		var enhanced, msg string

		switch verb {
		case "HELO":
			code, enhanced, msg = c.helo(params, false, false)
		case "EHLO":
			code, enhanced, msg = c.helo(params, true, false)
		case "LHLO":
			code, enhanced, msg = c.helo(params, true, true)
		case "STARTTLS":
			code, enhanced, msg = c.starttls()
		case "AUTH":
			code, enhanced, msg = c.auth(params)
		case "MAIL":
			code, enhanced, msg = c.mail(params)
		case "RCPT":
			code, enhanced, msg = c.rcpt(params)
		case "DATA":
			code, enhanced, msg = c.data()
		case "BDAT":
			code, enhanced, msg = c.bdat(params)
		case "RSET":
			c.abortTransaction()
			code, enhanced, msg = 250, "2.0.0", "State reset"
		case "NOOP":
			code, enhanced, msg = 250, "2.0.0", "OK"
		case "HELP":
			code, enhanced, msg = 214, "2.0.0", "Supported commands: HELO EHLO MAIL RCPT DATA BDAT RSET NOOP VRFY QUIT"
		case "VRFY":
			code, enhanced, msg = c.vrfy(params)
		case "EXPN":
			code, enhanced, msg = 502, "5.5.1", "EXPN is not supported"
		case "XCLIENT":
			code, enhanced, msg = c.xclient(params)
		case "QUIT":
			c.writeResponse(221, "2.0.0", "Bye")
			return
		case "GET", "POST", "CONNECT":
			// Cross-protocol request, most likely an attack attempt.
			c.log.Msg("HTTP verb on the SMTP port, closing")
			c.writeResponse(502, "5.5.1", "This is not an HTTP server")
			return
		default:
			code, enhanced, msg = 500, "5.5.1", "Unknown command"
		}

		if code == 0 {
			// The handler wrote its responses itself.
			continue
		}

		c.sess.Log.Append(verb, fmt.Sprintf("%d %s", code, msg), code >= 400)

		if code >= 400 {
			c.log.Msg("command rejected", "verb", verb, "code", code, "reason", msg)
			failedCmds.WithLabelValues(c.endp.Name, verb, strconv.Itoa(code)).Inc()
			c.writeResponse(code, enhanced, msg)
			if c.countError() {
				return
			}
			continue
		}
		c.writeResponse(code, enhanced, msg)

		if rule := c.endp.Rules.Proxy.Match(c.facts()); rule != nil {
			c.tunnel(rule, nil)
			return
		}
	}
}

func (c *conn) close() {
	if c.sess != nil {
		if err := c.sess.Close(); err != nil {
			c.log.Error("session artifact cleanup failed", err)
		}
	}
	c.netConn.Close()
}

// countError bumps the per-connection error counter. true means the error
// budget is exhausted and the caller must close the connection after the 421
// that is written here.
//
// https://tools.ietf.org/html/rfc5321#section-4.3.2
func (c *conn) countError() bool {
	c.errCount++
	limit := c.endp.Listener.ErrorLimit
	if limit == 0 || c.errCount <= limit {
		return false
	}
	c.log.Msg("too many errors, closing connection", "count", c.errCount)
	c.writeResponse(421, "4.7.0", "Too many errors, closing connection")
	return true
}

// tarpit inserts the configured delay before the response once the
// per-connection command rate is exceeded. The delayed command also counts
// against the error budget.
func (c *conn) tarpit() {
	cfg := c.endp.Tracker.Config()
	if !cfg.Enabled || cfg.MaxCommandsPerMinute == 0 {
		return
	}

	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)
	kept := c.cmdTimes[:0]
	for _, t := range c.cmdTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.cmdTimes = append(kept, now)

	if len(c.cmdTimes) <= cfg.MaxCommandsPerMinute {
		return
	}
	delay := time.Duration(cfg.TarpitDelayMillis) * time.Millisecond
	if delay > 0 {
		c.log.DebugMsg("tarpit", "delay", delay)
		time.Sleep(delay)
	}
	c.errCount++
}

// readCommand reads one CRLF-terminated command line (bare LF is accepted),
// returning the upper-cased verb and its parameters.
func (c *conn) readCommand() (verb, params string, err error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	if len(line) > maxCommandLine {
		return "", "", errLineTooLong
	}
	line = strings.TrimRight(line, "\r\n")

	verb, params, _ = strings.Cut(line, " ")
	return strings.ToUpper(verb), strings.TrimSpace(params), nil
}

// writeResponse sends one reply. Multi-line replies are produced for msg
// values containing newlines.
func (c *conn) writeResponse(code int, enhanced, msg string) {
	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		sep := " "
		if i < len(lines)-1 {
			sep = "-"
		}
		if enhanced != "" && i == len(lines)-1 {
			line = enhanced + " " + line
		}
		fmt.Fprintf(c.writer, "%d%s%s\r\n", code, sep, line)
	}
	c.writer.Flush()
}

func (c *conn) recordTLS() {
	if c.tlsState == nil {
		return
	}
	c.sess.TLS = session.TLSState{
		Requested:  true,
		Negotiated: true,
		Protocol:   tlsVersionName(c.tlsState.Version),
		Cipher:     tls.CipherSuiteName(c.tlsState.CipherSuite),
	}
}

func (c *conn) fetchRDNS(ctx context.Context) {
	if c.endp.Resolver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	name, err := dns.LookupAddr(ctx, c.endp.Resolver, net.IP(c.ip.AsSlice()))
	if err != nil {
		c.log.DebugMsg("rDNS lookup failed", "reason", err.Error())
		return
	}
	c.sess.RemoteRDNS = name
}

func (c *conn) facts() rules.Facts {
	f := rules.Facts{
		IP:   c.sess.RemoteIP,
		EHLO: c.sess.HeloDomain,
	}
	if c.env != nil {
		f.Mail = c.env.Sender
		f.Rcpts = c.env.Recipients
	}
	return f
}

func (c *conn) helo(params string, esmtp, lmtp bool) (int, string, string) {
	domain := strings.TrimSpace(params)
	if domain == "" {
		return 501, "5.5.4", "Hostname argument is required"
	}
	if c.env != nil {
		// HELO in the middle of a transaction is not allowed.
		return 503, "5.5.1", "Finish the current transaction first"
	}

	c.sess.HeloDomain = strings.Fields(domain)[0]
	c.helloed = true
	c.esmtp = esmtp
	c.lmtp = lmtp
	c.replayLog = append(c.replayLog, verbLine(heloVerb(esmtp, lmtp), params))

	if !esmtp {
		return 250, "", c.endp.hostname + " greets " + c.sess.HeloDomain
	}

	exts := c.extensions()
	c.sess.Extensions = exts
	return 250, "", c.endp.hostname + "\n" + strings.Join(exts, "\n")
}

func heloVerb(esmtp, lmtp bool) string {
	switch {
	case lmtp:
		return "LHLO"
	case esmtp:
		return "EHLO"
	}
	return "HELO"
}

func verbLine(verb, params string) string {
	if params == "" {
		return verb
	}
	return verb + " " + params
}

// extensions derives the EHLO advertisement set from the configuration and
// the connection state.
func (c *conn) extensions() []string {
	exts := []string{"PIPELINING", "8BITMIME", "ENHANCEDSTATUSCODES"}
	if c.endp.Server.SMTPUTF8 {
		exts = append(exts, "SMTPUTF8")
	}
	if c.endp.Server.Chunking {
		exts = append(exts, "CHUNKING")
	}
	if c.endp.Server.BinaryMIME {
		exts = append(exts, "BINARYMIME")
	}
	if limit := c.endp.Listener.EmailSizeLimit; limit != 0 {
		exts = append(exts, "SIZE "+strconv.FormatInt(limit, 10))
	} else {
		exts = append(exts, "SIZE")
	}
	if c.endp.TLSConfig != nil && c.endp.Server.StartTLS && !c.onTLS() {
		exts = append(exts, "STARTTLS")
	}
	if c.endp.SASL != nil && c.endp.Server.Auth &&
		(c.onTLS() || c.endp.Server.AuthBeforeTLS) {
		exts = append(exts, "AUTH "+strings.Join(c.endp.SASL.Mechanisms(), " "))
	}
	if c.endp.Server.XClientEnabled {
		exts = append(exts, "XCLIENT ADDR HELO")
	}
	exts = append(exts, "HELP")
	return exts
}

func (c *conn) starttls() (int, string, string) {
	if c.endp.TLSConfig == nil || !c.endp.Server.StartTLS || c.onTLS() {
		return 502, "5.5.1", "TLS is not available"
	}

	c.writeResponse(220, "2.0.0", "Ready to start TLS")

	tlsConn := tls.Server(c.netConn, c.endp.TLSConfig)
	c.netConn.SetDeadline(time.Now().Add(c.socketTimeout()))
	if err := tlsConn.Handshake(); err != nil {
		c.log.Error("STARTTLS handshake failed", err)
		// The connection state is undefined after a failed handshake,
		// drop it.
		c.writeResponse(454, "4.7.0", "TLS negotiation failed")
		c.netConn.Close()
		return 0, "", ""
	}

	state := tlsConn.ConnectionState()
	c.tlsState = &state
	c.netConn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.recordTLS()

	// RFC 3207 Section 4.2: the previous EHLO state is discarded.
	c.helloed = false
	c.sess.HeloDomain = ""
	c.replayLog = nil
	c.abortTransaction()

	return 0, "", ""
}

func (c *conn) auth(params string) (int, string, string) {
	if c.endp.SASL == nil || !c.endp.Server.Auth {
		return 502, "5.5.1", "Authentication is not available"
	}
	if c.sess.AuthUser != "" {
		return 503, "5.5.1", "Already authenticated"
	}
	if !c.onTLS() && !c.endp.Server.AuthBeforeTLS {
		return 530, "5.7.0", "TLS is required for authentication"
	}

	mechanism, initial, _ := strings.Cut(params, " ")
	if mechanism == "" {
		return 501, "5.5.4", "Mechanism argument is required"
	}

	sasl, err := c.endp.SASL.Start(strings.ToUpper(mechanism))
	if err != nil {
		return 504, "5.5.4", "Unsupported mechanism"
	}

	response := []byte{}
	if initial != "" && initial != "=" {
		response, err = base64.StdEncoding.DecodeString(initial)
		if err != nil {
			return 501, "5.5.2", "Malformed base64 in the initial response"
		}
	}

	for {
		result, challenge, identity, err := sasl.Step(response)
		switch result {
		case module.SASLOk:
			c.sess.AuthUser = identity
			c.log.Msg("authenticated", "username", identity)
			return 235, "2.7.0", "Authentication successful"
		case module.SASLFail:
			failedLogins.WithLabelValues(c.endp.Name).Inc()
			if err != nil && err == module.ErrLookupUnavailable {
				c.writeResponse(421, "4.7.0", "Authentication backend unavailable")
				c.netConn.Close()
				return 0, "", ""
			}
			return 535, "5.7.8", "Invalid credentials"
		case module.SASLContinue:
			c.writeResponse(334, "", base64.StdEncoding.EncodeToString(challenge))
		}

		line, err := c.reader.ReadString('\n')
		if err != nil {
			return 0, "", ""
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "*" {
			return 501, "5.7.0", "Authentication cancelled"
		}
		response, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			return 501, "5.5.2", "Malformed base64 in the response"
		}
	}
}

func (c *conn) mail(params string) (int, string, string) {
	if !c.helloed {
		return 503, "5.5.1", "Say hello first"
	}
	if c.env != nil {
		return 503, "5.5.1", "Nested MAIL command"
	}
	if !strings.HasPrefix(strings.ToUpper(params), "FROM:") {
		return 501, "5.5.4", "Syntax: MAIL FROM:<address> [parameters]"
	}
	if limit := c.endp.Listener.EnvelopeLimit; limit != 0 && c.envCount >= limit {
		return 452, "4.5.3", "Too many messages in one session"
	}

	args := strings.TrimSpace(params[len("FROM:"):])
	sender, rest, err := parsePath(args)
	if err != nil {
		return 501, "5.1.7", "Malformed sender address"
	}

	var declaredSize int64
	for _, param := range strings.Fields(rest) {
		name, value, _ := strings.Cut(param, "=")
		switch strings.ToUpper(name) {
		case "SIZE":
			declaredSize, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 501, "5.5.4", "Malformed SIZE parameter"
			}
		case "BODY", "SMTPUTF8", "RET", "ENVID":
			// Accepted and not acted upon beyond 8-bit-clean handling.
		default:
			return 504, "5.5.4", "Unsupported MAIL parameter: " + name
		}
	}

	if limit := c.endp.Listener.EmailSizeLimit; limit != 0 && declaredSize > limit {
		return 552, "5.3.4", "Message size exceeds the limit"
	}

	if sender != "" {
		sender, err = address.CleanDomain(sender)
		if err != nil {
			return 553, "5.1.7", "Unable to normalize the sender address"
		}

		if c.endp.SPF && c.sess.AuthUser == "" {
			result, spfErr := c.checkSPF(sender)
			c.spfResult, c.spfErr = result, spfErr
			if result == spf.Fail {
				// https://tools.ietf.org/html/rfc7208#section-8.4
				return 550, "5.7.23", fmt.Sprintf("SPF check failed: %v", spfErr)
			}
		}
	}

	senderDomain := ""
	if sender != "" {
		_, senderDomain, _ = address.Split(sender)
	}
	if c.endp.Limits != nil {
		if err := c.endp.Limits.TakeMsg(context.Background(), net.IP(c.ip.AsSlice()), senderDomain); err != nil {
			return 451, "4.4.5", "High load, try again later"
		}
		c.limitsTaken = true
		c.senderDomain = senderDomain
	}

	c.env = c.sess.OpenEnvelope(sender, declaredSize)
	c.envCount++
	c.replayLog = append(c.replayLog, verbLine("MAIL", params))
	return 250, "2.1.0", "OK"
}

func (c *conn) checkSPF(sender string) (spf.Result, error) {
	_, domain, err := address.Split(sender)
	if err != nil {
		return spf.None, nil
	}
	ip := net.IP(c.ip.AsSlice())
	result, spfErr := spf.CheckHostWithSender(ip, domain, sender)
	c.log.DebugMsg("SPF", "result", string(result), "sender", sender)
	return result, spfErr
}

func (c *conn) rcpt(params string) (int, string, string) {
	if c.env == nil {
		return 503, "5.5.1", "Need MAIL command first"
	}
	if !strings.HasPrefix(strings.ToUpper(params), "TO:") {
		return 501, "5.5.4", "Syntax: RCPT TO:<address> [parameters]"
	}
	if limit := c.endp.Listener.RecipientsLimit; limit != 0 && len(c.env.Recipients) >= limit {
		return 452, "4.5.3", "Too many recipients"
	}

	args := strings.TrimSpace(params[len("TO:"):])
	rcpt, _, err := parsePath(args)
	if err != nil || rcpt == "" {
		return 501, "5.1.3", "Malformed recipient address"
	}
	// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.3
	if len(rcpt) > 256 {
		return 501, "5.1.3", "Recipient address too long"
	}

	rcpt, err = address.CleanDomain(rcpt)
	if err != nil {
		return 501, "5.1.2", "Unable to normalize the recipient address"
	}

	if allowed, botName, matched := c.endp.Rules.Bots.Authorize(rcpt, c.ip); matched && !allowed {
		c.log.Msg("bot sender not authorized", "rcpt", rcpt, "bot", botName)
		return 550, "5.7.1", "Sender is not authorized for this recipient"
	}

	_, domain, err := address.Split(rcpt)
	if err != nil {
		return 501, "5.1.3", "Malformed recipient address"
	}

	if _, local := c.endp.LocalDomains[domain]; local && c.endp.Users != nil {
		service := "smtp"
		if c.lmtp {
			service = "lmtp"
		}
		exists, err := c.endp.Users.Exists(context.Background(), rcpt, service)
		if err != nil {
			c.log.Error("user lookup failed", err, "rcpt", rcpt)
			return 451, "4.4.3", "Temporary error checking the recipient address"
		}
		if !exists {
			return 550, "5.1.1", "Unknown recipient address"
		}
	}

	if resp := c.dispatchWebhook("RCPT", rcpt); resp != nil {
		return resp.OverrideCode, "", resp.OverrideText
	}

	c.env.AddRecipient(rcpt)
	c.replayLog = append(c.replayLog, verbLine("RCPT", params))
	return 250, "2.1.5", "OK"
}

func (c *conn) vrfy(params string) (int, string, string) {
	addr := strings.TrimSpace(params)
	if addr == "" {
		return 501, "5.5.4", "Address argument is required"
	}
	// Positive confirmation would make address probing too easy.
	return 252, "2.5.2", "Cannot VRFY the address, but it may still be deliverable"
}

func (c *conn) xclient(params string) (int, string, string) {
	if !c.endp.Server.XClientEnabled {
		return 502, "5.5.1", "XCLIENT is not enabled"
	}
	for _, attr := range strings.Fields(params) {
		name, value, ok := strings.Cut(attr, "=")
		if !ok {
			return 501, "5.5.4", "Malformed XCLIENT attribute"
		}
		switch strings.ToUpper(name) {
		case "ADDR":
			addr, err := netip.ParseAddr(strings.TrimPrefix(value, "IPV6:"))
			if err != nil {
				return 501, "5.5.4", "Malformed ADDR attribute"
			}
			c.ip = addr
			c.sess.RemoteIP = addr.String()
		case "HELO":
			c.sess.HeloDomain = value
		default:
			return 501, "5.5.4", "Unsupported XCLIENT attribute: " + name
		}
	}
	c.log.Msg("XCLIENT override applied", "addr", c.sess.RemoteIP, "helo", c.sess.HeloDomain)
	return 220, "", c.endp.hostname + " ESMTP relayd"
}

func (c *conn) dispatchWebhook(verb, rcpt string) *module.WebhookResponse {
	if c.endp.Webhooks == nil {
		return nil
	}
	ev := module.WebhookEvent{
		Verb:      verb,
		SessionID: c.sess.ID,
		RemoteIP:  c.sess.RemoteIP,
	}
	if c.env != nil {
		ev.Sender = c.env.Sender
		ev.Rcpts = c.env.Recipients
	}
	if rcpt != "" {
		ev.Rcpts = append(ev.Rcpts, rcpt)
	}
	resp, err := c.endp.Webhooks.Dispatch(context.Background(), ev)
	if err != nil {
		// Dispatch failures are ignored by default; dispatchers that want
		// to fail the verb return a response override instead.
		c.log.Error("webhook dispatch failed", err, "verb", verb)
		return nil
	}
	if resp != nil && resp.OverrideCode != 0 {
		return resp
	}
	return nil
}

// abortTransaction drops the currently open envelope and its artifact.
func (c *conn) abortTransaction() {
	c.releaseLimits()
	if c.env == nil {
		return
	}
	c.sess.DropEnvelope(c.env)
	c.env = nil
	c.bdatBuf = nil
	c.trimReplayTransaction()
}

func (c *conn) releaseLimits() {
	if !c.limitsTaken {
		return
	}
	c.endp.Limits.ReleaseMsg(net.IP(c.ip.AsSlice()), c.senderDomain)
	c.limitsTaken = false
}

// trimReplayTransaction removes the MAIL/RCPT lines of the aborted
// transaction from the proxy replay log.
func (c *conn) trimReplayTransaction() {
	kept := c.replayLog[:0]
	for _, line := range c.replayLog {
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		if verb == "MAIL" || verb == "RCPT" {
			continue
		}
		kept = append(kept, line)
	}
	c.replayLog = kept
}

// parsePath extracts the <path> argument of MAIL/RCPT, returning the address
// and the remaining ESMTP parameters. The null path "<>" is returned as "".
func parsePath(args string) (addr, rest string, err error) {
	if !strings.HasPrefix(args, "<") {
		// Be lenient about the missing brackets.
		addr, rest, _ := strings.Cut(args, " ")
		return addr, rest, nil
	}
	end := strings.IndexByte(args, '>')
	if end == -1 {
		return "", "", fmt.Errorf("smtp: unterminated path")
	}
	addr = args[1:end]
	rest = strings.TrimSpace(args[end+1:])
	// Drop the source route if present, per RFC 5321 Section 4.1.1.3.
	if colon := strings.LastIndexByte(addr, ':'); colon != -1 && strings.HasPrefix(addr, "@") {
		addr = addr[colon+1:]
	}
	return addr, rest, nil
}
