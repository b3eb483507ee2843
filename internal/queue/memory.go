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
	"sync"

	"github.com/foxcpp/relayd/framework/config"
)

// memoryBackend is the non-durable queue used in tests.
type memoryBackend struct {
	mu    sync.Mutex
	items []Item
	next  uint64
}

func init() {
	RegisterFactory("memory", func(config.Queue) (Backend, error) {
		return NewMemory(), nil
	})
}

func NewMemory() Backend {
	return &memoryBackend{}
}

func (b *memoryBackend) Enqueue(uid string, blob []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	item := Item{Seq: b.next, UID: uid, Blob: append([]byte(nil), blob...)}
	b.next++
	b.items = append(b.items, item)
	return item.Seq, nil
}

func (b *memoryBackend) Dequeue() (Item, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return Item{}, false, nil
	}
	item := b.items[0]
	b.items = b.items[1:]
	return item, true, nil
}

func (b *memoryBackend) Peek() (Item, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return Item{}, false, nil
	}
	return b.items[0], true, nil
}

func (b *memoryBackend) Len() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items), nil
}

func (b *memoryBackend) Snapshot() ([]Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Item(nil), b.items...), nil
}

func (b *memoryBackend) RemoveByIndex(i int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i < 0 || i >= len(b.items) {
		return fmt.Errorf("queue: index out of range: %d", i)
	}
	b.items = append(b.items[:i], b.items[i+1:]...)
	return nil
}

func (b *memoryBackend) RemoveByUID(uid string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, item := range b.items {
		if item.UID == uid {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (b *memoryBackend) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = nil
	return nil
}

func (b *memoryBackend) Close() error {
	return nil
}
