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
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/relayd/framework/module"
	"github.com/foxcpp/relayd/internal/session"
)

// data implements the DATA verb: the payload is read up to the terminating
// dot, written to a message artifact and passed through the acceptance
// gates.
func (c *conn) data() (int, string, string) {
	if c.env == nil {
		return 503, "5.5.1", "Need MAIL command first"
	}
	if len(c.env.Recipients) == 0 {
		return 503, "5.5.1", "Need at least one recipient"
	}
	if c.bdatBuf != nil {
		return 503, "5.5.1", "DATA cannot follow BDAT in the same transaction"
	}

	c.writeResponse(354, "", "Start mail input, end with <CRLF>.<CRLF>")

	dosCfg := c.endp.Tracker.Config()
	guard := newDataGuard(c.netConn, c.reader, dosCfg.MinDataRateBytesPerSec, dosCfg.MaxDataTimeoutSeconds)
	if !dosCfg.Enabled {
		guard.minRate = 0
		guard.deadline = time.Time{}
	}
	c.netConn.SetDeadline(time.Now().Add(extendedTimeout(c.endp)))

	data, err := readUntilDot(guard, c.endp.Listener.EmailSizeLimit)
	c.endp.Tracker.RecordBytes(c.ip.String(), guard.count)
	if err != nil {
		switch err {
		case errMessageTooLarge:
			c.abortTransaction()
			return 552, "5.3.4", "Message size exceeds the limit"
		case errDataRate, errDataTimeout:
			// Slowloris-style client, get rid of it.
			c.log.Msg("data transfer guard triggered", "reason", err.Error())
			c.writeResponse(421, "4.4.2", "Data transfer too slow")
			c.netConn.Close()
			return 0, "", ""
		default:
			c.log.Error("DATA read failed", err)
			c.netConn.Close()
			return 0, "", ""
		}
	}
	c.sess.Log.Append("DATA", strconv.Itoa(len(data))+" bytes", false)

	return c.finishEnvelope(data)
}

// bdat implements one BDAT chunk (RFC 3030). Chunks are accumulated in
// memory until LAST.
func (c *conn) bdat(params string) (int, string, string) {
	if !c.endp.Server.Chunking {
		return 502, "5.5.1", "CHUNKING is not available"
	}
	if c.env == nil {
		return 503, "5.5.1", "Need MAIL command first"
	}
	if len(c.env.Recipients) == 0 {
		return 503, "5.5.1", "Need at least one recipient"
	}

	sizeArg, lastArg, _ := strings.Cut(params, " ")
	size, err := strconv.ParseInt(sizeArg, 10, 64)
	if err != nil || size < 0 {
		return 501, "5.5.4", "Malformed chunk size"
	}
	last := strings.EqualFold(strings.TrimSpace(lastArg), "LAST")

	if limit := c.endp.Listener.EmailSizeLimit; limit != 0 && int64(len(c.bdatBuf))+size > limit {
		// The chunk still has to be consumed to keep the protocol state
		// consistent.
		io.CopyN(io.Discard, c.reader, size)
		c.abortTransaction()
		return 552, "5.3.4", "Message size exceeds the limit"
	}

	dosCfg := c.endp.Tracker.Config()
	guard := newDataGuard(c.netConn, c.reader, dosCfg.MinDataRateBytesPerSec, dosCfg.MaxDataTimeoutSeconds)
	if !dosCfg.Enabled {
		guard.minRate = 0
		guard.deadline = time.Time{}
	}
	c.netConn.SetDeadline(time.Now().Add(extendedTimeout(c.endp)))
	guard.arm()

	chunk := make([]byte, size)
	if err := guard.ReadFull(chunk); err != nil {
		c.log.Error("BDAT read failed", err)
		c.netConn.Close()
		return 0, "", ""
	}
	c.endp.Tracker.RecordBytes(c.ip.String(), size)
	c.netConn.SetDeadline(time.Now().Add(c.socketTimeout()))

	if c.bdatBuf == nil {
		c.bdatBuf = []byte{}
	}
	c.bdatBuf = append(c.bdatBuf, chunk...)
	c.sess.Log.Append("BDAT", fmt.Sprintf("%d bytes, last=%v", size, last), false)

	if !last {
		return 250, "2.0.0", fmt.Sprintf("%d bytes received", size)
	}

	data := c.bdatBuf
	c.bdatBuf = nil
	return c.finishEnvelope(data)
}

func extendedTimeout(endp *Endpoint) time.Duration {
	if endp.ExtendedTimeout != 0 {
		return endp.ExtendedTimeout
	}
	return 12 * time.Minute
}

// finishEnvelope runs the end-of-data acceptance gates over the complete
// message and either enqueues the envelope for relay, delivers it locally or
// discards it (blackhole).
//
// The accepted envelope produces exactly one enqueued relay session, unless
// a blackhole rule matched, in which case it produces none.
func (c *conn) finishEnvelope(data []byte) (int, string, string) {
	env := c.env

	defer func() {
		// Whatever the outcome, the transaction is over.
		c.releaseLimits()
		if c.env != nil {
			c.abortTransaction()
		}
	}()

	if code, enhanced, msg, ok := c.checkHeaders(data); !ok {
		return code, enhanced, msg
	}

	artifact, err := c.writeArtifact(data)
	if err != nil {
		c.log.Error("artifact write failed", err)
		return 451, "4.3.0", "Temporary storage failure"
	}
	env.ArtifactPath = artifact
	env.ArtifactSize = int64(len(data))

	if code, enhanced, msg, ok := c.runScanners(env); !ok {
		return code, enhanced, msg
	}

	blackholed := c.endp.Rules.Blackhole.Match(c.facts())

	if !blackholed {
		if discard, code, enhanced, msg := c.runSpamScorer(env); code != 0 {
			return code, enhanced, msg
		} else if discard {
			blackholed = true
		}
	}

	if blackholed {
		c.log.Msg("message blackholed", "sender", env.Sender, "rcpts", env.Recipients)
		blackholedMessages.WithLabelValues(c.endp.Name).Inc()
		c.sess.DropEnvelope(env)
		c.env = nil
		return 250, "2.0.0", "OK, queued"
	}

	if resp := c.dispatchWebhook("DATA", ""); resp != nil {
		c.sess.DropEnvelope(env)
		c.env = nil
		return resp.OverrideCode, "", resp.OverrideText
	}

	if code := c.chaosReturn(data); code != 0 {
		c.sess.DropEnvelope(env)
		c.env = nil
		return code, "", "Chaos return"
	}

	local, remote := c.splitLocalRecipients(env)
	if c.endp.Local == nil {
		// No local delivery agent configured: everything is relayed.
		remote = env.Recipients
		local = nil
	}

	if len(local) != 0 {
		for _, rcpt := range local {
			status, err := c.endp.Local.Deliver(context.Background(), rcpt, env.Artifact())
			if err != nil || status != module.DeliveryOk {
				c.log.Error("local delivery failed", err, "rcpt", rcpt)
				if status == module.DeliveryPermFail {
					return 554, "5.2.0", "Local delivery failed"
				}
				return 451, "4.2.0", "Local delivery failed temporarily"
			}
		}
	}

	if len(remote) != 0 {
		clone := c.sess.DeepCopy()
		envCopy := env.DeepCopy()
		envCopy.Recipients = remote
		clone.Envelopes = []*session.Envelope{envCopy}

		rs := &session.RelaySession{
			Session:      clone,
			FirstEnqueue: time.Now().Unix(),
		}
		if err := c.endp.Queue.Enqueue(rs); err != nil {
			c.log.Error("queue write failed", err)
			return 451, "4.3.0", "Failed to queue the message"
		}
		// Ownership of the artifact moved to the queue.
		c.sess.DetachEnvelope(env)
		c.env = nil
		acceptedMessages.WithLabelValues(c.endp.Name).Inc()
		c.log.Msg("accepted", "sender", env.Sender, "rcpts", env.Recipients)
	} else {
		c.sess.DropEnvelope(env)
		c.env = nil
	}

	return 250, "2.0.0", "OK, queued"
}

// checkHeaders parses the message header and applies the routing loop
// guard.
func (c *conn) checkHeaders(data []byte) (int, string, string, bool) {
	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return 554, "5.6.0", "Malformed message header", false
	}

	maxReceived := c.endp.Listener.MaxReceived
	if maxReceived == 0 {
		maxReceived = 50
	}
	receivedCount := 0
	for f := hdr.FieldsByKey("Received"); f.Next(); {
		receivedCount++
	}
	// https://tools.ietf.org/html/rfc5321#section-6.3
	if receivedCount > maxReceived {
		return 554, "5.4.6", fmt.Sprintf("Too many Received header fields (%d), possible forwarding loop", receivedCount), false
	}
	return 0, "", "", true
}

// chaosReturn honors the X-Relayd-Return header when the development-only
// chaos mode is enabled. It never affects production configurations.
func (c *conn) chaosReturn(data []byte) int {
	if !c.endp.Server.ChaosHeaders {
		return 0
	}
	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return 0
	}
	value := hdr.Get("X-Relayd-Return")
	if value == "" {
		return 0
	}
	code, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || code < 200 || code > 599 {
		return 0
	}
	c.log.Msg("chaos return", "code", code)
	return code
}

func (c *conn) writeArtifact(data []byte) (string, error) {
	path := filepath.Join(c.endp.ArtifactDir, c.sess.ID+"-"+strconv.Itoa(c.envCount)+".eml")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	return path, f.Close()
}

func (c *conn) runScanners(env *session.Envelope) (int, string, string, bool) {
	for _, scanner := range c.endp.Scanners {
		result, err := scanner.Scan(context.Background(), env.Artifact())
		if err != nil {
			c.log.Error("scanner failed", err, "scanner", scanner.Name())
			result = module.ScanResult{Scanner: scanner.Name(), Verdict: module.ScanError, Err: err}
		}
		env.ScanResults = append(env.ScanResults, result)
		if result.Verdict == module.ScanInfected {
			c.log.Msg("infected message rejected", "virus", result.VirusName, "scanner", scanner.Name())
			return 554, "5.7.1", "Message content rejected", false
		}
	}
	return 0, "", "", true
}

// runSpamScorer applies the spam thresholds: score at or above the reject
// threshold is refused, at or above the discard threshold the message is
// silently dropped.
func (c *conn) runSpamScorer(env *session.Envelope) (discard bool, code int, enhanced, msg string) {
	if c.endp.Spam == nil {
		return false, 0, "", ""
	}
	result, err := c.endp.Spam.Score(context.Background(), env.Artifact())
	if err != nil {
		c.log.Error("spam scorer failed", err)
		return false, 0, "", ""
	}
	env.ScanResults = append(env.ScanResults, result)

	if threshold := c.endp.SpamRejectThreshold; threshold != 0 && result.Score >= threshold {
		c.log.Msg("spam rejected", "score", result.Score)
		return false, 554, "5.7.1", "Message refused due to content"
	}
	if threshold := c.endp.SpamDiscardThreshold; threshold != 0 && result.Score >= threshold {
		c.log.Msg("spam discarded", "score", result.Score)
		return true, 0, "", ""
	}
	return false, 0, "", ""
}

func (c *conn) splitLocalRecipients(env *session.Envelope) (local, remote []string) {
	for _, rcpt := range env.Recipients {
		domain := ""
		if at := strings.LastIndexByte(rcpt, '@'); at != -1 {
			domain = rcpt[at+1:]
		}
		if _, ok := c.endp.LocalDomains[domain]; ok {
			local = append(local, rcpt)
		} else {
			remote = append(remote, rcpt)
		}
	}
	return local, remote
}
