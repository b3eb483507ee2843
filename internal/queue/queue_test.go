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
	"os"
	"path/filepath"
	"testing"

	"github.com/foxcpp/relayd/internal/session"
)

func testRelaySession(sender string, rcpts ...string) *session.RelaySession {
	sess := session.New(session.Inbound)
	env := sess.OpenEnvelope(sender, 0)
	for _, rcpt := range rcpts {
		env.AddRecipient(rcpt)
	}
	return &session.RelaySession{Session: sess, FirstEnqueue: 1}
}

func eachBackend(t *testing.T, fn func(t *testing.T, q *Q)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, New(NewMemory()))
	})
	t.Run("disk", func(t *testing.T) {
		b, err := openDisk(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		fn(t, New(b))
	})
}

func TestQueueFIFO(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Q) {
		a := testRelaySession("a@example.invalid", "x@example.invalid")
		b := testRelaySession("b@example.invalid", "y@example.invalid")

		for _, rs := range []*session.RelaySession{a, b} {
			if err := q.Enqueue(rs); err != nil {
				t.Fatal(err)
			}
		}

		if n, _ := q.Len(); n != 2 {
			t.Fatalf("wrong length: %v", n)
		}

		// Snapshot is pure: repeated calls see the same sequence and do
		// not affect the dequeue order.
		snap1, err := q.Snapshot()
		if err != nil {
			t.Fatal(err)
		}
		snap2, err := q.Snapshot()
		if err != nil {
			t.Fatal(err)
		}
		if len(snap1) != 2 || len(snap2) != 2 {
			t.Fatalf("wrong snapshot lengths: %v, %v", len(snap1), len(snap2))
		}
		for i := range snap1 {
			if snap1[i].UID() != snap2[i].UID() {
				t.Errorf("snapshots disagree at %d", i)
			}
		}
		if snap1[0].UID() != a.UID() || snap1[1].UID() != b.UID() {
			t.Errorf("snapshot order is not FIFO")
		}

		got, err := q.Dequeue()
		if err != nil {
			t.Fatal(err)
		}
		if got.UID() != a.UID() {
			t.Errorf("wrong dequeue order: %v", got.UID())
		}
		if got.Session.Envelopes[0].Sender != "a@example.invalid" {
			t.Errorf("round-trip mangled the session: %+v", got.Session)
		}

		got, err = q.Dequeue()
		if err != nil {
			t.Fatal(err)
		}
		if got.UID() != b.UID() {
			t.Errorf("wrong dequeue order: %v", got.UID())
		}

		got, err = q.Dequeue()
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Errorf("dequeue from an empty queue returned an item")
		}
	})
}

func TestQueueRemove(t *testing.T) {
	eachBackend(t, func(t *testing.T, q *Q) {
		var uids []string
		for i := 0; i < 4; i++ {
			rs := testRelaySession("s@example.invalid", "r@example.invalid")
			uids = append(uids, rs.UID())
			if err := q.Enqueue(rs); err != nil {
				t.Fatal(err)
			}
		}

		if err := q.RemoveByIndex(1); err != nil {
			t.Fatal(err)
		}
		found, err := q.RemoveByUID(uids[3])
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Errorf("RemoveByUID did not find the item")
		}
		if found, _ := q.RemoveByUID("no-such-uid"); found {
			t.Errorf("RemoveByUID found a non-existent item")
		}

		snap, err := q.Snapshot()
		if err != nil {
			t.Fatal(err)
		}
		if len(snap) != 2 || snap[0].UID() != uids[0] || snap[1].UID() != uids[2] {
			t.Errorf("wrong queue state after removal")
		}

		if err := q.Clear(); err != nil {
			t.Fatal(err)
		}
		if empty, _ := q.IsEmpty(); !empty {
			t.Errorf("queue not empty after Clear")
		}
	})
}

func TestDiskQueueRestart(t *testing.T) {
	dir := t.TempDir()

	b, err := openDisk(dir)
	if err != nil {
		t.Fatal(err)
	}
	q := New(b)

	a := testRelaySession("a@example.invalid", "x@example.invalid")
	bSess := testRelaySession("b@example.invalid", "y@example.invalid")
	for _, rs := range []*session.RelaySession{a, bSess} {
		if err := q.Enqueue(rs); err != nil {
			t.Fatal(err)
		}
	}
	q.Close()

	// Reopen: FIFO order must be preserved across restarts.
	b2, err := openDisk(dir)
	if err != nil {
		t.Fatal(err)
	}
	q2 := New(b2)

	got, err := q2.Dequeue()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.UID() != a.UID() {
		t.Fatalf("wrong head after restart: %+v", got)
	}
}

func TestDiskQueueCorruptItem(t *testing.T) {
	dir := t.TempDir()

	b, err := openDisk(dir)
	if err != nil {
		t.Fatal(err)
	}
	q := New(b)

	bad := testRelaySession("bad@example.invalid", "x@example.invalid")
	good := testRelaySession("good@example.invalid", "y@example.invalid")
	if err := q.Enqueue(bad); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(good); err != nil {
		t.Fatal(err)
	}

	// Corrupt the head entry on disk.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, entries[0].Name()), []byte("{{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	// The corrupt item is discarded, the dequeuer never stalls on it.
	got, err := q.Dequeue()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.UID() != good.UID() {
		t.Fatalf("corrupt item was not skipped: %+v", got)
	}
}
