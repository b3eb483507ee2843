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

package smtp

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	acceptedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "smtp",
			Name:      "accepted_messages",
			Help:      "Messages accepted and enqueued for relay",
		},
		[]string{"endpoint"},
	)
	blackholedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "smtp",
			Name:      "blackholed_messages",
			Help:      "Messages silently discarded by the blackhole rules",
		},
		[]string{"endpoint"},
	)
	failedCmds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "smtp",
			Name:      "failed_commands",
			Help:      "Commands rejected with a 4xx/5xx response",
		},
		[]string{"endpoint", "cmd", "smtp_code"},
	)
	failedLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "smtp",
			Name:      "failed_logins",
			Help:      "AUTH attempts that did not succeed",
		},
		[]string{"endpoint"},
	)
	deniedConns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "smtp",
			Name:      "denied_connections",
			Help:      "Connections denied by the DoS limits",
		},
		[]string{"endpoint", "reason"},
	)
)

func init() {
	prometheus.MustRegister(acceptedMessages)
	prometheus.MustRegister(blackholedMessages)
	prometheus.MustRegister(failedCmds)
	prometheus.MustRegister(failedLogins)
	prometheus.MustRegister(deniedConns)
}
