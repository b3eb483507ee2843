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

package session

import (
	"encoding/json"

	"github.com/foxcpp/relayd/framework/address"
)

// RelaySession is one queued delivery attempt: the session clone plus retry
// bookkeeping. The queue stores it in the serialized form.
type RelaySession struct {
	Session *Session `json:"session"`

	RetryCount int `json:"retry_count"`

	// LastAttempt and FirstEnqueue are Unix epochs. LastAttempt is zero
	// until the first delivery attempt.
	LastAttempt  int64 `json:"last_attempt"`
	FirstEnqueue int64 `json:"first_enqueue"`
}

// UID identifies the relay session in the queue. It is stable across
// serialization round-trips.
func (rs *RelaySession) UID() string {
	return rs.Session.ID
}

func (rs *RelaySession) Marshal() ([]byte, error) {
	return json.Marshal(rs)
}

func UnmarshalRelaySession(blob []byte) (*RelaySession, error) {
	rs := &RelaySession{}
	if err := json.Unmarshal(blob, rs); err != nil {
		return nil, err
	}
	return rs, nil
}

func splitAddr(addr string) (mbox, domain string, err error) {
	return address.Split(addr)
}
