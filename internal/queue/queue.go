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

// Package queue implements the durable FIFO of relay sessions and the
// dequeuer that attempts their delivery with exponential backoff, recipient
// pruning and bounce generation at retry exhaustion.
//
// The storage itself is pluggable through a process-wide backend factory:
// the default backend keeps one file per item on disk, the memory backend is
// used in tests and a shared-store backend may be installed for clustering.
package queue

import (
	"fmt"
	"sync"

	"github.com/foxcpp/relayd/framework/config"
	"github.com/foxcpp/relayd/internal/session"
)

// Item is one stored queue entry: the opaque serialized RelaySession blob
// identified by the monotonically assigned sequence number and the UID.
type Item struct {
	Seq  uint64
	UID  string
	Blob []byte
}

// Backend is the operational contract of the queue storage. All operations
// are atomic; Snapshot is a consistent read that does not mutate the queue.
// FIFO order is preserved across process restarts.
type Backend interface {
	Enqueue(uid string, blob []byte) (seq uint64, err error)

	// Dequeue removes and returns the head. ok=false if the queue is
	// empty.
	Dequeue() (item Item, ok bool, err error)

	// Peek returns the head without removing it.
	Peek() (item Item, ok bool, err error)

	Len() (int, error)

	// Snapshot returns the ordered copy of all items.
	Snapshot() ([]Item, error)

	// RemoveByIndex removes the item at the position in the current FIFO
	// order, 0 being the head.
	RemoveByIndex(i int) error

	// RemoveByUID removes the first item with the UID, reporting whether
	// one was found.
	RemoveByUID(uid string) (bool, error)

	Clear() error
	Close() error
}

// Factory constructs a backend from the queue configuration.
type Factory func(cfg config.Queue) (Backend, error)

var (
	factoriesLck   sync.Mutex
	factories      = map[string]Factory{}
	defaultBackend = "disk"
)

// RegisterFactory installs a backend constructor under the name. It is meant
// to be called from init() of backend implementations.
func RegisterFactory(name string, f Factory) {
	factoriesLck.Lock()
	defer factoriesLck.Unlock()
	factories[name] = f
}

// SetDefaultBackend overrides which backend is used when the configuration
// does not name one. Tests use it to install the memory backend process-wide.
func SetDefaultBackend(name string) {
	factoriesLck.Lock()
	defer factoriesLck.Unlock()
	defaultBackend = name
}

// ResetFactory restores the default backend selection. Meant for test
// isolation.
func ResetFactory() {
	SetDefaultBackend("disk")
}

// NewBackend constructs the backend selected by the configuration.
func NewBackend(cfg config.Queue) (Backend, error) {
	factoriesLck.Lock()
	name := cfg.Backend
	if name == "" {
		name = defaultBackend
	}
	f, ok := factories[name]
	factoriesLck.Unlock()
	if !ok {
		return nil, fmt.Errorf("queue: unknown backend: %v", name)
	}
	return f(cfg)
}

// Q is the typed view of a Backend, working in terms of RelaySession values.
type Q struct {
	b Backend
}

func New(b Backend) *Q {
	return &Q{b: b}
}

func (q *Q) Backend() Backend {
	return q.b
}

func (q *Q) Enqueue(rs *session.RelaySession) error {
	blob, err := rs.Marshal()
	if err != nil {
		return err
	}
	_, err = q.b.Enqueue(rs.UID(), blob)
	return err
}

// Dequeue pops the head, nil if the queue is empty.
//
// A corrupted item is discarded and the next one is returned, the dequeuer
// loop must never stall on a single bad entry.
func (q *Q) Dequeue() (*session.RelaySession, error) {
	for {
		item, ok, err := q.b.Dequeue()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		rs, err := session.UnmarshalRelaySession(item.Blob)
		if err != nil {
			// Already removed from the queue - just skip it.
			continue
		}
		return rs, nil
	}
}

func (q *Q) Peek() (*session.RelaySession, error) {
	item, ok, err := q.b.Peek()
	if err != nil || !ok {
		return nil, err
	}
	return session.UnmarshalRelaySession(item.Blob)
}

func (q *Q) Len() (int, error) {
	return q.b.Len()
}

func (q *Q) IsEmpty() (bool, error) {
	n, err := q.b.Len()
	return n == 0, err
}

func (q *Q) Snapshot() ([]*session.RelaySession, error) {
	items, err := q.b.Snapshot()
	if err != nil {
		return nil, err
	}
	out := make([]*session.RelaySession, 0, len(items))
	for _, item := range items {
		rs, err := session.UnmarshalRelaySession(item.Blob)
		if err != nil {
			continue
		}
		out = append(out, rs)
	}
	return out, nil
}

func (q *Q) RemoveByIndex(i int) error {
	return q.b.RemoveByIndex(i)
}

// RemoveByIndices removes multiple positions of the current FIFO order in
// one consistent pass.
func (q *Q) RemoveByIndices(indices []int) error {
	// Remove from the highest index down so earlier removals do not shift
	// the positions of the later ones.
	sorted := append([]int(nil), indices...)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] > sorted[i] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	for _, i := range sorted {
		if err := q.b.RemoveByIndex(i); err != nil {
			return err
		}
	}
	return nil
}

func (q *Q) RemoveByUID(uid string) (bool, error) {
	return q.b.RemoveByUID(uid)
}

func (q *Q) RemoveByUIDs(uids []string) error {
	for _, uid := range uids {
		if _, err := q.b.RemoveByUID(uid); err != nil {
			return err
		}
	}
	return nil
}

func (q *Q) Clear() error {
	return q.b.Clear()
}

func (q *Q) Close() error {
	return q.b.Close()
}
