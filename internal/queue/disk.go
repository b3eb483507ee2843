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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/foxcpp/relayd/framework/config"
	"github.com/foxcpp/relayd/framework/log"
)

// diskBackend keeps one file per queue item, named
// <seq>-<uid>.blob with the zero-padded hexadecimal sequence number
// establishing the FIFO order across restarts.
type diskBackend struct {
	location string

	mu    sync.Mutex
	items []Item // ordered, blobs not kept in memory
	next  uint64

	Log log.Logger
}

func init() {
	RegisterFactory("disk", func(cfg config.Queue) (Backend, error) {
		location := cfg.Location
		if location == "" {
			location = filepath.Join(config.StateDirectory, "queue")
		}
		return openDisk(location)
	})
}

func openDisk(location string) (*diskBackend, error) {
	if err := os.MkdirAll(location, 0o700); err != nil {
		return nil, err
	}
	b := &diskBackend{
		location: location,
		Log:      log.Logger{Name: "queue/disk"},
	}
	if err := b.readDiskQueue(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *diskBackend) readDiskQueue() error {
	entries, err := os.ReadDir(b.location)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".blob") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".blob")
		seqStr, uid, ok := strings.Cut(name, "-")
		if !ok {
			b.Log.Printf("malformed queue entry name, skipping: %v", entry.Name())
			continue
		}
		seq, err := strconv.ParseUint(seqStr, 16, 64)
		if err != nil {
			b.Log.Printf("malformed queue entry name, skipping: %v", entry.Name())
			continue
		}
		b.items = append(b.items, Item{Seq: seq, UID: uid})
		if seq >= b.next {
			b.next = seq + 1
		}
	}

	sort.Slice(b.items, func(i, j int) bool {
		return b.items[i].Seq < b.items[j].Seq
	})

	if len(b.items) != 0 {
		b.Log.Printf("loaded %d saved queue entries", len(b.items))
	}
	return nil
}

func (b *diskBackend) path(item Item) string {
	return filepath.Join(b.location, fmt.Sprintf("%016x-%s.blob", item.Seq, item.UID))
}

func (b *diskBackend) Enqueue(uid string, blob []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	item := Item{Seq: b.next, UID: uid}
	path := b.path(item)

	f, err := os.Create(path + ".new")
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(blob); err != nil {
		f.Close()
		os.Remove(path + ".new")
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path + ".new")
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(path+".new", path); err != nil {
		return 0, err
	}

	b.next++
	b.items = append(b.items, item)
	return item.Seq, nil
}

func (b *diskBackend) load(item Item) ([]byte, error) {
	return os.ReadFile(b.path(item))
}

func (b *diskBackend) Dequeue() (Item, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.items) != 0 {
		item := b.items[0]
		b.items = b.items[1:]

		blob, err := b.load(item)
		os.Remove(b.path(item))
		if err != nil {
			// Head entry is unreadable, drop it so the queue does not
			// get stuck.
			b.Log.Error("unreadable queue entry, discarding", err, "uid", item.UID)
			continue
		}
		item.Blob = blob
		return item, true, nil
	}
	return Item{}, false, nil
}

func (b *diskBackend) Peek() (Item, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return Item{}, false, nil
	}
	item := b.items[0]
	blob, err := b.load(item)
	if err != nil {
		return Item{}, false, err
	}
	item.Blob = blob
	return item, true, nil
}

func (b *diskBackend) Len() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items), nil
}

func (b *diskBackend) Snapshot() ([]Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Item, 0, len(b.items))
	for _, item := range b.items {
		blob, err := b.load(item)
		if err != nil {
			b.Log.Error("unreadable queue entry in snapshot, skipping", err, "uid", item.UID)
			continue
		}
		item.Blob = blob
		out = append(out, item)
	}
	return out, nil
}

func (b *diskBackend) RemoveByIndex(i int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i < 0 || i >= len(b.items) {
		return fmt.Errorf("queue: index out of range: %d", i)
	}
	item := b.items[i]
	b.items = append(b.items[:i], b.items[i+1:]...)
	return os.Remove(b.path(item))
}

func (b *diskBackend) RemoveByUID(uid string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, item := range b.items {
		if item.UID != uid {
			continue
		}
		b.items = append(b.items[:i], b.items[i+1:]...)
		return true, os.Remove(b.path(item))
	}
	return false, nil
}

func (b *diskBackend) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lastErr error
	for _, item := range b.items {
		if err := os.Remove(b.path(item)); err != nil {
			lastErr = err
		}
	}
	b.items = nil
	return lastErr
}

func (b *diskBackend) Close() error {
	return nil
}
