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

package queue

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/relayd/framework/address"
	"github.com/foxcpp/relayd/framework/log"
	"github.com/foxcpp/relayd/framework/module"
	"github.com/foxcpp/relayd/internal/dsn"
	"github.com/foxcpp/relayd/internal/mx"
	"github.com/foxcpp/relayd/internal/session"
	"github.com/foxcpp/relayd/internal/target"
)

const (
	// Retry delay is backoffBase * 2^(retryCount-1), capped at backoffCap.
	backoffBase = 60 * time.Second
	backoffCap  = 1 * time.Hour
)

// Backoff returns the minimum delay between the delivery attempts number
// retryCount and retryCount+1. The first delivery (retryCount == 0) is
// immediate.
func Backoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	delay := backoffBase << uint(retryCount-1)
	if delay > backoffCap || delay <= 0 {
		return backoffCap
	}
	return delay
}

// RouteResolver is the part of mx.Resolver the dequeuer needs.
type RouteResolver interface {
	ResolveRoutes(ctx context.Context, domains []string) ([]*mx.Route, error)
}

// Target delivers a route-scoped session, recording the per-recipient
// outcome in the envelope Status maps. Implemented by target/remote.
type Target interface {
	Deliver(ctx context.Context, sess *session.Session, route *mx.Route) error
}

// Dequeuer is the background scheduler that pops ready relay sessions and
// drives their delivery.
type Dequeuer struct {
	Queue    *Q
	Resolver RouteResolver
	Target   Target

	// MaxRetries bounds the retry counter; a session that still has
	// undelivered recipients once the counter reaches it is turned into a
	// bounce.
	MaxRetries int

	// MaxDequeue bounds the items processed per scheduler pass.
	MaxDequeue int

	// Interval between the scheduler passes.
	Interval time.Duration

	// Hostname is the reporting MTA identity used in bounces.
	Hostname string
	// AutogenMsgDomain is the domain of the MAILER-DAEMON sender of
	// bounces.
	AutogenMsgDomain string

	// BounceDir is where the synthesized bounce artifacts are stored.
	BounceDir string

	Log log.Logger

	stop chan struct{}
}

// Start launches the scheduler loop on its own goroutine.
func (d *Dequeuer) Start() {
	d.stop = make(chan struct{})
	interval := d.Interval
	if interval == 0 {
		interval = 10 * time.Second
	}
	go func() {
		defer func() {
			if err := recover(); err != nil {
				stack := debug.Stack()
				log.Printf("panic in the dequeuer loop: %v\n%s", err, stack)
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.ProcessBatch(context.Background(), d.MaxDequeue, time.Now().Unix())
			case <-d.stop:
				d.stop <- struct{}{}
				return
			}
		}
	}()
}

// Close stops the scheduler. The current item is completed first.
func (d *Dequeuer) Close() error {
	if d.stop == nil {
		return nil
	}
	d.stop <- struct{}{}
	<-d.stop
	d.stop = nil
	return nil
}

// ProcessBatch pops up to maxDequeue items and processes each one: items
// whose backoff interval has not elapsed are re-enqueued unchanged, the rest
// get a delivery attempt.
//
// It returns the count of items popped.
func (d *Dequeuer) ProcessBatch(ctx context.Context, maxDequeue int, nowEpoch int64) int {
	if maxDequeue <= 0 {
		maxDequeue = 16
	}

	popped := 0
	var requeue []*session.RelaySession

	for popped < maxDequeue {
		rs, err := d.Queue.Dequeue()
		if err != nil {
			d.Log.Error("queue dequeue failed", err)
			break
		}
		if rs == nil {
			break
		}
		popped++

		if len(rs.Session.Envelopes) == 0 {
			// Nothing to deliver, do not re-enqueue.
			d.Log.Msg("dropping empty session", "msg_id", rs.Session.ID)
			continue
		}

		if wait := Backoff(rs.RetryCount); rs.RetryCount > 0 &&
			time.Duration(nowEpoch-rs.LastAttempt)*time.Second < wait {
			d.Log.DebugMsg("not ready, re-enqueued",
				"msg_id", rs.Session.ID, "retry_count", rs.RetryCount,
				"backoff", wait)
			requeue = append(requeue, rs)
			continue
		}

		if kept := d.attempt(ctx, rs, nowEpoch); kept != nil {
			requeue = append(requeue, kept)
		}
	}

	for _, rs := range requeue {
		if err := d.Queue.Enqueue(rs); err != nil {
			d.Log.Error("re-enqueue failed", err, "msg_id", rs.Session.ID)
		}
	}
	return popped
}

// attempt runs one delivery pass over the session. The returned value is the
// session to re-enqueue, nil if the session is finished (delivered, bounced
// or dropped).
func (d *Dequeuer) attempt(ctx context.Context, rs *session.RelaySession, nowEpoch int64) *session.RelaySession {
	dl := target.DeliveryLogger(d.Log, rs.Session)
	deliveryAttempts.Inc()

	domains := rs.Session.RcptDomains()
	routes, err := d.Resolver.ResolveRoutes(ctx, domains)
	if err != nil {
		dl.Error("route resolution failed", err)
		d.failAll(rs.Session, &session.RcptStatus{
			Code: 451, Enhanced: "4.4.4",
			Message:   "Route resolution failed",
			Temporary: true,
		})
		return d.settle(rs, nowEpoch, dl)
	}

	routed := map[string]struct{}{}
	for _, route := range routes {
		for _, domain := range route.Domains {
			routed[domain] = struct{}{}
		}
	}

	for _, route := range routes {
		scoped := target.Split(rs.Session, route)
		if scoped == nil {
			continue
		}
		if err := d.Target.Deliver(ctx, scoped, route); err != nil {
			dl.Error("route delivery failed", err, "route", route.Hash)
		}
		mergeStatuses(rs.Session, scoped)
	}

	// Recipients in domains that produced no route have nowhere to go.
	for _, env := range rs.Session.Envelopes {
		for _, rcpt := range env.Recipients {
			_, domain, err := address.Split(rcpt)
			if err != nil {
				continue
			}
			if _, ok := routed[domain]; ok {
				continue
			}
			if env.Status[rcpt] == nil {
				env.SetStatus(rcpt, &session.RcptStatus{
					Code: 556, Enhanced: "5.4.4",
					Message: "No MX records for the recipient domain",
				})
				env.Log.Append("RCPT", "556 5.4.4 No MX records for "+rcpt, true)
			}
		}
	}

	return d.settle(rs, nowEpoch, dl)
}

// settle prunes the delivered recipients, decides between re-enqueue and
// bounce generation and cleans up completed envelopes.
func (d *Dequeuer) settle(rs *session.RelaySession, nowEpoch int64, dl log.Logger) *session.RelaySession {
	var remaining []*session.Envelope
	for _, env := range rs.Session.Envelopes {
		var failed []string
		for _, rcpt := range env.Recipients {
			st := env.Status[rcpt]
			if st != nil && st.Code < 400 {
				dl.Msg("delivered", "rcpt", rcpt, "attempt", rs.RetryCount+1)
				continue
			}
			failed = append(failed, rcpt)
		}
		if len(failed) == 0 {
			// Fully delivered, release the artifact.
			if env.ArtifactPath != "" {
				os.Remove(env.ArtifactPath)
			}
			continue
		}
		env.Recipients = failed
		remaining = append(remaining, env)
	}
	rs.Session.Envelopes = remaining

	if len(remaining) == 0 {
		return nil
	}

	if rs.RetryCount < d.MaxRetries {
		rs.RetryCount++
		rs.LastAttempt = nowEpoch
		dl.Msg("will retry",
			"retry_count", rs.RetryCount,
			"next_try_delay", Backoff(rs.RetryCount),
			"envelopes", len(remaining))
		return rs
	}

	dl.Msg("retry budget exhausted, generating bounces", "envelopes", len(remaining))
	for _, env := range remaining {
		d.emitBounce(rs, env)
		if env.ArtifactPath != "" {
			os.Remove(env.ArtifactPath)
		}
	}
	return nil
}

func (d *Dequeuer) failAll(sess *session.Session, st *session.RcptStatus) {
	for _, env := range sess.Envelopes {
		for _, rcpt := range env.Recipients {
			stCpy := *st
			env.SetStatus(rcpt, &stCpy)
		}
	}
}

// mergeStatuses copies the per-recipient outcomes recorded on the
// route-scoped clone back into the original session. Envelope identity is
// established by the artifact path, which is stable across DeepCopy.
func mergeStatuses(orig, scoped *session.Session) {
	byArtifact := map[string]*session.Envelope{}
	for _, env := range orig.Envelopes {
		byArtifact[env.ArtifactPath] = env
	}
	for _, env := range scoped.Envelopes {
		origEnv, ok := byArtifact[env.ArtifactPath]
		if !ok {
			continue
		}
		for rcpt, st := range env.Status {
			origEnv.SetStatus(rcpt, st)
		}
		for _, entry := range env.Log.Entries {
			origEnv.Log.Entries = append(origEnv.Log.Entries, entry)
		}
	}
}

// emitBounce synthesizes the RFC 3464 non-delivery report for the remaining
// recipients of the envelope and enqueues it as a fresh relay session with
// its own retry budget.
func (d *Dequeuer) emitBounce(rs *session.RelaySession, env *session.Envelope) {
	// Null reverse-path means the failed message is a notification itself.
	// Do not generate reports for reports, see RFC 5321 Section 6.1.
	if env.Sender == "" {
		d.Log.Msg("not bouncing a null reverse-path envelope", "msg_id", rs.Session.ID)
		return
	}

	dsnID, err := module.GenerateMsgID()
	if err != nil {
		d.Log.Error("DSN ID generation failed", err)
		return
	}

	failedHeader := textproto.Header{}
	if env.ArtifactPath != "" {
		if f, err := os.Open(env.ArtifactPath); err == nil {
			hdr, err := textproto.ReadHeader(bufio.NewReader(f))
			f.Close()
			if err == nil {
				failedHeader = hdr
			}
		}
	}

	rcptInfo := make([]dsn.RecipientInfo, 0, len(env.Recipients))
	for _, rcpt := range env.Recipients {
		st := env.Status[rcpt]
		if st == nil {
			st = &session.RcptStatus{Code: 554, Enhanced: "5.0.0", Message: "Delivery failed"}
		}
		rcptInfo = append(rcptInfo, dsn.RecipientInfo{
			FinalRecipient:     rcpt,
			Action:             dsn.ActionFailed,
			Status:             parseEnhanced(st.Enhanced, st.Code),
			DiagnosticCode:     st.Code,
			DiagnosticEnhanced: st.Enhanced,
			DiagnosticMsg:      st.Message,
		})
	}

	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA:    d.Hostname,
		ReceivedFromMTA: rs.Session.HeloDomain,
		XSender:         env.Sender,
		XMessageID:      rs.Session.ID,
		ArrivalDate:     time.Unix(rs.FirstEnqueue, 0),
		LastAttemptDate: time.Unix(rs.LastAttempt, 0),
	}
	dsnEnvelope := dsn.Envelope{
		MsgID: "<" + dsnID + "@" + d.AutogenMsgDomain + ">",
		From:  "MAILER-DAEMON@" + d.AutogenMsgDomain,
		To:    env.Sender,
	}

	path := filepath.Join(d.BounceDir, dsnID+".eml")
	f, err := os.Create(path)
	if err != nil {
		d.Log.Error("cannot create the bounce artifact", err)
		return
	}

	bodyBuilder := strings.Builder{}
	hdr, err := dsn.GenerateDSN(false, dsnEnvelope, mtaInfo, rcptInfo, failedHeader, &bodyBuilder)
	if err != nil {
		f.Close()
		os.Remove(path)
		d.Log.Error("failed to generate fail DSN", err)
		return
	}
	if err := textproto.WriteHeader(f, hdr); err == nil {
		_, err = f.Write([]byte(bodyBuilder.String()))
	}
	if err == nil {
		err = f.Sync()
	}
	f.Close()
	if err != nil {
		os.Remove(path)
		d.Log.Error("failed to write the bounce artifact", err)
		return
	}

	info, _ := os.Stat(path)
	bounceSess := session.New(session.Outbound)
	bounceEnv := bounceSess.OpenEnvelope("", 0)
	bounceEnv.AddRecipient(env.Sender)
	bounceEnv.ArtifactPath = path
	if info != nil {
		bounceEnv.ArtifactSize = info.Size()
	}

	bounceRS := &session.RelaySession{
		Session:      bounceSess,
		FirstEnqueue: time.Now().Unix(),
	}
	if err := d.Queue.Enqueue(bounceRS); err != nil {
		d.Log.Error("failed to enqueue the DSN", err, "dsn_id", dsnID)
		bounceSess.Close()
		return
	}
	generatedBounces.Inc()
	target.DeliveryLogger(d.Log, rs.Session).Msg("generated failed DSN", "dsn_id", dsnID)
}

func parseEnhanced(enhanced string, code int) [3]int {
	parts := strings.SplitN(enhanced, ".", 3)
	if len(parts) == 3 {
		var out [3]int
		ok := true
		for i, p := range parts {
			v, err := strconv.Atoi(p)
			if err != nil {
				ok = false
				break
			}
			out[i] = v
		}
		if ok {
			return out
		}
	}
	if code/100 == 4 {
		return [3]int{4, 0, 0}
	}
	return [3]int{5, 0, 0}
}
