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

package target

import (
	"github.com/foxcpp/relayd/framework/address"
	"github.com/foxcpp/relayd/internal/mx"
	"github.com/foxcpp/relayd/internal/session"
)

// Split produces the session clone scoped to one MX route: only the
// envelopes with at least one recipient in the route's domains are included
// and their recipient lists are reduced to that subset. The original session
// is left untouched.
//
// nil is returned when no recipient of the session belongs to the route.
func Split(sess *session.Session, route *mx.Route) *session.Session {
	domains := map[string]struct{}{}
	for _, d := range route.Domains {
		domains[d] = struct{}{}
	}

	clone := sess.DeepCopy()
	clone.Direction = session.Outbound
	clone.Port = 25
	clone.MXHosts = nil
	for _, srv := range route.Servers {
		clone.MXHosts = append(clone.MXHosts, srv.Host)
	}

	var kept []*session.Envelope
	for _, env := range clone.Envelopes {
		var rcpts []string
		for _, rcpt := range env.Recipients {
			_, domain, err := address.Split(rcpt)
			if err != nil {
				continue
			}
			if _, ok := domains[domain]; ok {
				rcpts = append(rcpts, rcpt)
			}
		}
		if len(rcpts) == 0 {
			continue
		}
		env.Recipients = rcpts
		kept = append(kept, env)
	}
	if len(kept) == 0 {
		return nil
	}
	clone.Envelopes = kept
	return clone
}
