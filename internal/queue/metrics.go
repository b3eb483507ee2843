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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	deliveryAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "queue",
			Name:      "delivery_attempts",
			Help:      "Delivery attempts started by the dequeuer",
		},
	)
	generatedBounces = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "queue",
			Name:      "generated_bounces",
			Help:      "Non-delivery reports generated after retry exhaustion",
		},
	)
)

func init() {
	prometheus.MustRegister(deliveryAttempts)
	prometheus.MustRegister(generatedBounces)
}
