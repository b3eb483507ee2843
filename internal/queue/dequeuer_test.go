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
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/relayd/internal/mx"
	"github.com/foxcpp/relayd/internal/session"
	"github.com/foxcpp/relayd/internal/testutils"
)

// staticRoutes maps recipient domains to fixed routes, no DNS involved.
type staticRoutes struct {
	routes map[string]*mx.Route
}

func (s *staticRoutes) ResolveRoutes(_ context.Context, domains []string) ([]*mx.Route, error) {
	var (
		out  []*mx.Route
		seen = map[string]struct{}{}
	)
	for _, domain := range domains {
		route, ok := s.routes[domain]
		if !ok {
			continue
		}
		if _, dup := seen[route.Hash]; dup {
			continue
		}
		seen[route.Hash] = struct{}{}
		route.Domains = append([]string(nil), domain)
		out = append(out, route)
	}
	return out, nil
}

// fakeTarget records deliveries and applies canned per-recipient outcomes.
type fakeTarget struct {
	// statuses maps recipients to the status to set; missing recipients
	// are marked as delivered.
	statuses map[string]*session.RcptStatus

	deliveries int
	delivered  [][]string
}

func (ft *fakeTarget) Deliver(_ context.Context, sess *session.Session, _ *mx.Route) error {
	ft.deliveries++
	for _, env := range sess.Envelopes {
		var rcpts []string
		for _, rcpt := range env.Recipients {
			rcpts = append(rcpts, rcpt)
			if st, ok := ft.statuses[rcpt]; ok {
				stCpy := *st
				env.SetStatus(rcpt, &stCpy)
				env.Log.Append("RCPT", rcpt+": rejected", true)
				continue
			}
			env.SetStatus(rcpt, &session.RcptStatus{Code: 250, Enhanced: "2.0.0", Message: "Accepted"})
		}
		ft.delivered = append(ft.delivered, rcpts)
	}
	return nil
}

func testDequeuer(t *testing.T, target Target, routes map[string]*mx.Route) (*Dequeuer, *Q) {
	t.Helper()

	q := New(NewMemory())
	return &Dequeuer{
		Queue:            q,
		Resolver:         &staticRoutes{routes: routes},
		Target:           target,
		MaxRetries:       2,
		MaxDequeue:       16,
		Hostname:         "relayd.test",
		AutogenMsgDomain: "relayd.test",
		BounceDir:        t.TempDir(),
		Log:              testutils.Logger(t, "queue"),
	}, q
}

func writeTestArtifact(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "msg.eml")
	err := os.WriteFile(path, []byte("Subject: test\r\nFrom: <a@sender.test>\r\n\r\nbody\r\n"), 0o600)
	if err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBackoff(t *testing.T) {
	for _, tc := range []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 0},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{10, 1 * time.Hour},
		{100, 1 * time.Hour},
	} {
		if got := Backoff(tc.retryCount); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.retryCount, got, tc.want)
		}
	}
}

func TestProcessBatch_HappyPath(t *testing.T) {
	route := &mx.Route{Hash: "r1", Servers: []*mx.Server{{Host: "mx.rcpt.test", Prio: 10}}}
	target := &fakeTarget{}
	d, q := testDequeuer(t, target, map[string]*mx.Route{"rcpt.test": route})

	rs := testRelaySession("a@sender.test", "b@rcpt.test")
	artifact := writeTestArtifact(t, t.TempDir())
	rs.Session.Envelopes[0].ArtifactPath = artifact
	if err := q.Enqueue(rs); err != nil {
		t.Fatal(err)
	}

	processed := d.ProcessBatch(context.Background(), 16, time.Now().Unix())
	if processed != 1 {
		t.Fatalf("wrong processed count: %v", processed)
	}
	if target.deliveries != 1 {
		t.Fatalf("wrong delivery count: %v", target.deliveries)
	}

	// Delivered: removed from the queue, artifact deleted.
	if n, _ := q.Len(); n != 0 {
		t.Errorf("queue not empty after successful delivery")
	}
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Errorf("artifact not deleted after delivery")
	}
}

func TestProcessBatch_BackoffDefer(t *testing.T) {
	target := &fakeTarget{}
	d, q := testDequeuer(t, target, nil)

	now := time.Now().Unix()
	rs := testRelaySession("a@sender.test", "b@rcpt.test")
	rs.RetryCount = 1
	rs.LastAttempt = now - 10 // backoff(1) is 60s, not elapsed yet
	if err := q.Enqueue(rs); err != nil {
		t.Fatal(err)
	}

	d.ProcessBatch(context.Background(), 16, now)

	if target.deliveries != 0 {
		t.Errorf("delivery attempted before the backoff elapsed")
	}
	got, err := q.Dequeue()
	if err != nil || got == nil {
		t.Fatalf("deferred item was not re-enqueued: %v", err)
	}
	// Re-enqueued unchanged.
	if got.RetryCount != 1 || got.LastAttempt != now-10 {
		t.Errorf("deferred item was modified: %+v", got)
	}
}

func TestProcessBatch_PartialPruneThenBounce(t *testing.T) {
	route := &mx.Route{Hash: "r1", Servers: []*mx.Server{{Host: "mx.a.test", Prio: 10}}}
	target := &fakeTarget{statuses: map[string]*session.RcptStatus{
		"y@a.test": {Code: 550, Enhanced: "5.1.1", Message: "User unknown"},
	}}
	d, q := testDequeuer(t, target, map[string]*mx.Route{"a.test": route})

	dir := t.TempDir()
	rs := testRelaySession("a@sender.test", "x@a.test", "y@a.test")
	rs.Session.Envelopes[0].ArtifactPath = writeTestArtifact(t, dir)

	if err := q.Enqueue(rs); err != nil {
		t.Fatal(err)
	}

	now := time.Now().Unix()
	d.ProcessBatch(context.Background(), 16, now)

	// First attempt: x delivered, y kept; recipient pruning is monotone.
	kept, err := q.Dequeue()
	if err != nil || kept == nil {
		t.Fatal("session was not re-enqueued after partial failure")
	}
	if kept.RetryCount != 1 {
		t.Errorf("wrong retry count: %v", kept.RetryCount)
	}
	env := kept.Session.Envelopes[0]
	if len(env.Recipients) != 1 || env.Recipients[0] != "y@a.test" {
		t.Errorf("wrong recipients after pruning: %v", env.Recipients)
	}
	if err := q.Enqueue(kept); err != nil {
		t.Fatal(err)
	}

	// Second attempt after the backoff: still failing.
	now += int64(Backoff(1).Seconds()) + 1
	d.ProcessBatch(context.Background(), 16, now)
	kept, _ = q.Dequeue()
	if kept == nil || kept.RetryCount != 2 {
		t.Fatalf("wrong state after the second attempt: %+v", kept)
	}
	if err := q.Enqueue(kept); err != nil {
		t.Fatal(err)
	}

	// Third attempt: the retry budget (MaxRetries=2) is exhausted, the
	// bounce is enqueued instead.
	now += int64(Backoff(2).Seconds()) + 1
	d.ProcessBatch(context.Background(), 16, now)

	bounce, err := q.Dequeue()
	if err != nil || bounce == nil {
		t.Fatal("no bounce was enqueued after retry exhaustion")
	}
	bounceEnv := bounce.Session.Envelopes[0]
	if bounceEnv.Sender != "" {
		t.Errorf("bounce must use the null reverse-path, got %q", bounceEnv.Sender)
	}
	if len(bounceEnv.Recipients) != 1 || bounceEnv.Recipients[0] != "a@sender.test" {
		t.Errorf("bounce not addressed to the original sender: %v", bounceEnv.Recipients)
	}

	blob, err := os.ReadFile(bounceEnv.ArtifactPath)
	if err != nil {
		t.Fatal(err)
	}
	content := string(blob)
	for _, expected := range []string{
		"Final-Recipient: rfc822; y@a.test",
		"Action: failed",
		"Status: 5.1.1",
		"Diagnostic-Code: smtp; 550 5.1.1 User unknown",
		"Reporting-MTA: dns; relayd.test",
	} {
		if !strings.Contains(content, expected) {
			t.Errorf("bounce is missing %q", expected)
		}
	}

	// Exactly one bounce, nothing else left.
	if n, _ := q.Len(); n != 0 {
		t.Errorf("unexpected extra queue items: %d", n)
	}
}

func TestProcessBatch_EmptySessionDropped(t *testing.T) {
	target := &fakeTarget{}
	d, q := testDequeuer(t, target, nil)

	rs := &session.RelaySession{Session: session.New(session.Inbound)}
	if err := q.Enqueue(rs); err != nil {
		t.Fatal(err)
	}

	d.ProcessBatch(context.Background(), 16, time.Now().Unix())
	if n, _ := q.Len(); n != 0 {
		t.Errorf("empty session was re-enqueued")
	}
	if target.deliveries != 0 {
		t.Errorf("empty session was delivered")
	}
}

func TestProcessBatch_NoBounceForNullSender(t *testing.T) {
	route := &mx.Route{Hash: "r1", Servers: []*mx.Server{{Host: "mx.a.test", Prio: 10}}}
	target := &fakeTarget{statuses: map[string]*session.RcptStatus{
		"x@a.test": {Code: 550, Enhanced: "5.1.1", Message: "User unknown"},
	}}
	d, q := testDequeuer(t, target, map[string]*mx.Route{"a.test": route})
	d.MaxRetries = 0

	rs := testRelaySession("", "x@a.test")
	rs.Session.Envelopes[0].ArtifactPath = writeTestArtifact(t, t.TempDir())
	if err := q.Enqueue(rs); err != nil {
		t.Fatal(err)
	}

	d.ProcessBatch(context.Background(), 16, time.Now().Unix())

	// Reports are not generated for reports.
	if n, _ := q.Len(); n != 0 {
		t.Errorf("a bounce was generated for a null reverse-path message")
	}
}
