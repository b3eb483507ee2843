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

package limiters

import (
	"context"
	"sync"
	"time"
)

// BucketSet gives every key (an IP, a domain) its own limiter built by the
// New callback. Keys untouched for longer than ReapAfter are discarded once
// the set grows past MaxKeys, keeping memory bounded under key churn.
type BucketSet struct {
	newLimiter func() L
	reapAfter  time.Duration
	maxKeys    int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim      L
	lastSeen time.Time
}

func NewBucketSet(newLimiter func() L, reapAfter time.Duration, maxKeys int) *BucketSet {
	return &BucketSet{
		newLimiter: newLimiter,
		reapAfter:  reapAfter,
		maxKeys:    maxKeys,
		buckets:    map[string]*bucket{},
	}
}

// get returns the limiter of the key, creating it on first use. nil is
// returned when the set is full of live keys; the caller should treat that
// as an admission failure, it only happens under heavy abuse.
func (s *BucketSet) get(key string) L {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[key]; ok {
		b.lastSeen = time.Now()
		return b.lim
	}

	if len(s.buckets) >= s.maxKeys {
		s.reapLocked()
		if len(s.buckets) >= s.maxKeys {
			return nil
		}
	}

	b := &bucket{lim: s.newLimiter(), lastSeen: time.Now()}
	s.buckets[key] = b
	return b.lim
}

func (s *BucketSet) reapLocked() {
	cutoff := time.Now().Add(-s.reapAfter)
	for key, b := range s.buckets {
		if b.lastSeen.Before(cutoff) {
			b.lim.Close()
			delete(s.buckets, key)
		}
	}
}

func (s *BucketSet) Take(key string) bool {
	lim := s.get(key)
	if lim == nil {
		return false
	}
	return lim.Take()
}

func (s *BucketSet) TakeContext(ctx context.Context, key string) error {
	lim := s.get(key)
	if lim == nil {
		return ErrClosed
	}
	return lim.TakeContext(ctx)
}

func (s *BucketSet) Release(key string) {
	s.mu.Lock()
	b, ok := s.buckets[key]
	s.mu.Unlock()
	if ok {
		b.lim.Release()
	}
}

func (s *BucketSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buckets {
		b.lim.Close()
	}
	s.buckets = map[string]*bucket{}
}
