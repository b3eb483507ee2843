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

package limits

import (
	"sync"
	"time"

	"github.com/foxcpp/relayd/framework/config"
	"github.com/foxcpp/relayd/framework/log"
)

// DenyReason explains why the tracker rejected a new connection.
type DenyReason int

const (
	Allowed DenyReason = iota
	DenyPerIP
	DenyTotal
	DenyWindow
)

func (r DenyReason) String() string {
	switch r {
	case Allowed:
		return "allowed"
	case DenyPerIP:
		return "too many connections from IP"
	case DenyTotal:
		return "too many connections"
	case DenyWindow:
		return "connection rate exceeded"
	}
	return "???"
}

// Tracker is the process-wide connection accounting used by all listeners.
//
// It keeps per-IP counters of active connections and rolling timestamped
// histories of connection events, commands and transferred bytes. Entries of
// idle IPs are reaped by the cleanup goroutine.
//
// All knobs at zero disable the corresponding check; cfg.Enabled=false
// disables everything.
type Tracker struct {
	cfg config.DoS

	// staleAge is how long an entry with no active connections is kept
	// before cleanup.
	staleAge        time.Duration
	cleanupInterval time.Duration

	mu      sync.Mutex
	entries map[string]*ipEntry
	total   int

	stop chan struct{}

	Log log.Logger
}

type ipEntry struct {
	active       int
	lastActivity time.Time

	connEvents []time.Time
	cmdEvents  []time.Time
	bytesTotal int64
}

func NewTracker(cfg config.DoS) *Tracker {
	return &Tracker{
		cfg:             cfg,
		staleAge:        300 * time.Second,
		cleanupInterval: 60 * time.Second,
		entries:         map[string]*ipEntry{},
		Log:             log.Logger{Name: "limits/tracker"},
	}
}

// Start launches the periodic cleanup goroutine.
func (t *Tracker) Start() {
	t.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(t.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.cleanup(time.Now())
			case <-t.stop:
				t.stop <- struct{}{}
				return
			}
		}
	}()
}

func (t *Tracker) Close() {
	if t.stop == nil {
		return
	}
	t.stop <- struct{}{}
	<-t.stop
	t.stop = nil
}

func (t *Tracker) cleanup(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, e := range t.entries {
		if e.active == 0 && now.Sub(e.lastActivity) > t.staleAge {
			delete(t.entries, ip)
		}
	}
}

func (t *Tracker) entry(ip string) *ipEntry {
	e, ok := t.entries[ip]
	if !ok {
		e = &ipEntry{}
		t.entries[ip] = e
	}
	return e
}

// trimWindow drops the events older than window from the (sorted) history.
func trimWindow(events []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(events); i++ {
		if events[i].After(cutoff) {
			break
		}
	}
	return append(events[:0], events[i:]...)
}

// ConnAccepted is consulted at accept time. A non-Allowed result must be
// answered with 421 and an immediate close.
func (t *Tracker) ConnAccepted(ip string) DenyReason {
	if !t.cfg.Enabled {
		return Allowed
	}

	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(ip)
	e.lastActivity = now
	e.connEvents = append(e.connEvents, now)

	window := time.Duration(t.cfg.RateLimitWindowSeconds) * time.Second
	if window != 0 {
		e.connEvents = trimWindow(e.connEvents, now, window)
	}

	if t.cfg.MaxConnectionsPerIP != 0 && e.active >= t.cfg.MaxConnectionsPerIP {
		return DenyPerIP
	}
	if t.cfg.MaxTotalConnections != 0 && t.total >= t.cfg.MaxTotalConnections {
		return DenyTotal
	}
	if t.cfg.MaxConnectionsPerWindow != 0 && window != 0 &&
		len(e.connEvents) > t.cfg.MaxConnectionsPerWindow {
		return DenyWindow
	}

	e.active++
	t.total++
	return Allowed
}

// ConnClosed releases the active-connection slot of the IP.
func (t *Tracker) ConnClosed(ip string) {
	if !t.cfg.Enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ip]
	if !ok {
		return
	}
	if e.active > 0 {
		e.active--
		t.total--
	}
	e.lastActivity = time.Now()
}

// RecordCommand notes one protocol command from the IP.
func (t *Tracker) RecordCommand(ip string) {
	if !t.cfg.Enabled {
		return
	}
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(ip)
	e.lastActivity = now
	e.cmdEvents = trimWindow(append(e.cmdEvents, now), now, 1*time.Minute)
}

// RecordBytes notes transferred payload bytes for the IP.
func (t *Tracker) RecordBytes(ip string, n int64) {
	if !t.cfg.Enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(ip)
	e.lastActivity = time.Now()
	e.bytesTotal += n
}

// RecentConnCount reports how many connection events from the IP fall into
// the configured rate window.
func (t *Tracker) RecentConnCount(ip string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ip]
	if !ok {
		return 0
	}
	window := time.Duration(t.cfg.RateLimitWindowSeconds) * time.Second
	if window == 0 {
		return len(e.connEvents)
	}
	return len(trimWindow(e.connEvents, time.Now(), window))
}

// ActiveConns reports the count of open connections from the IP.
func (t *Tracker) ActiveConns(ip string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ip]
	if !ok {
		return 0
	}
	return e.active
}

// TarpitDelay returns the artificial delay to insert before answering the
// next command of an abusive connection.
func (t *Tracker) TarpitDelay() time.Duration {
	if !t.cfg.Enabled {
		return 0
	}
	return time.Duration(t.cfg.TarpitDelayMillis) * time.Millisecond
}

// Config exposes the effective DoS knobs for checks that run in the
// connection read path (command rate, data rate).
func (t *Tracker) Config() config.DoS {
	return t.cfg
}
