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
	"testing"
	"time"

	"github.com/foxcpp/relayd/framework/config"
)

func TestTrackerWindowLimit(t *testing.T) {
	tr := NewTracker(config.DoS{
		Enabled:                 true,
		RateLimitWindowSeconds:  60,
		MaxConnectionsPerWindow: 5,
	})

	for i := 0; i < 5; i++ {
		if reason := tr.ConnAccepted("203.0.113.7"); reason != Allowed {
			t.Fatalf("connection %d denied: %v", i+1, reason)
		}
	}
	if reason := tr.ConnAccepted("203.0.113.7"); reason != DenyWindow {
		t.Fatalf("6th connection not denied: %v", reason)
	}
	if got := tr.RecentConnCount("203.0.113.7"); got != 6 {
		t.Errorf("wrong recent connection count: %v", got)
	}

	// Another IP is unaffected.
	if reason := tr.ConnAccepted("198.51.100.1"); reason != Allowed {
		t.Errorf("unrelated IP denied: %v", reason)
	}
}

func TestTrackerWindowDecay(t *testing.T) {
	tr := NewTracker(config.DoS{
		Enabled:                 true,
		RateLimitWindowSeconds:  60,
		MaxConnectionsPerWindow: 5,
	})

	// Backdate the events to simulate the window passing.
	for i := 0; i < 6; i++ {
		tr.ConnAccepted("203.0.113.7")
	}
	tr.mu.Lock()
	e := tr.entries["203.0.113.7"]
	for i := range e.connEvents {
		e.connEvents[i] = e.connEvents[i].Add(-61 * time.Second)
	}
	tr.mu.Unlock()

	if got := tr.RecentConnCount("203.0.113.7"); got != 0 {
		t.Errorf("count did not decay: %v", got)
	}
	if reason := tr.ConnAccepted("203.0.113.7"); reason != Allowed {
		t.Errorf("connection denied after the window decayed: %v", reason)
	}
}

func TestTrackerPerIPLimit(t *testing.T) {
	tr := NewTracker(config.DoS{
		Enabled:             true,
		MaxConnectionsPerIP: 2,
	})

	tr.ConnAccepted("203.0.113.7")
	tr.ConnAccepted("203.0.113.7")
	if reason := tr.ConnAccepted("203.0.113.7"); reason != DenyPerIP {
		t.Fatalf("3rd concurrent connection not denied: %v", reason)
	}

	tr.ConnClosed("203.0.113.7")
	if reason := tr.ConnAccepted("203.0.113.7"); reason != Allowed {
		t.Errorf("connection denied after a slot was released: %v", reason)
	}
}

func TestTrackerTotalLimit(t *testing.T) {
	tr := NewTracker(config.DoS{
		Enabled:             true,
		MaxTotalConnections: 2,
	})

	tr.ConnAccepted("203.0.113.1")
	tr.ConnAccepted("203.0.113.2")
	if reason := tr.ConnAccepted("203.0.113.3"); reason != DenyTotal {
		t.Fatalf("global limit not enforced: %v", reason)
	}
}

func TestTrackerDisabled(t *testing.T) {
	tr := NewTracker(config.DoS{
		Enabled:                 false,
		MaxConnectionsPerIP:     1,
		MaxTotalConnections:     1,
		MaxConnectionsPerWindow: 1,
		RateLimitWindowSeconds:  60,
	})

	for i := 0; i < 10; i++ {
		if reason := tr.ConnAccepted("203.0.113.7"); reason != Allowed {
			t.Fatalf("disabled tracker denied a connection: %v", reason)
		}
	}
}

func TestTrackerCleanup(t *testing.T) {
	tr := NewTracker(config.DoS{Enabled: true})

	tr.ConnAccepted("203.0.113.7") // stays active
	tr.ConnAccepted("203.0.113.8")
	tr.ConnClosed("203.0.113.8")

	tr.mu.Lock()
	tr.entries["203.0.113.7"].lastActivity = time.Now().Add(-10 * time.Minute)
	tr.entries["203.0.113.8"].lastActivity = time.Now().Add(-10 * time.Minute)
	tr.mu.Unlock()

	tr.cleanup(time.Now())

	tr.mu.Lock()
	defer tr.mu.Unlock()
	// An entry is removed iff it has no active connections and is stale.
	if _, ok := tr.entries["203.0.113.7"]; !ok {
		t.Errorf("entry with active connections was cleaned up")
	}
	if _, ok := tr.entries["203.0.113.8"]; ok {
		t.Errorf("stale idle entry was not cleaned up")
	}
}
