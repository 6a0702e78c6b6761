// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// eventsReceived tracks classified events by level
	eventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipectl_logstream_events_total",
			Help: "Total log stream events received by level",
		},
		[]string{"level"},
	)

	// eventsDropped tracks events not delivered because the channel was full
	eventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipectl_logstream_events_dropped_total",
			Help: "Total log stream events dropped because the consumer was slow",
		},
	)

	// reconnectAttempts tracks scheduled reconnects
	reconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipectl_logstream_reconnect_attempts_total",
			Help: "Total log stream reconnect attempts",
		},
	)
)

// recordEvent increments the received counter for the event's level
func recordEvent(level Level) {
	eventsReceived.WithLabelValues(string(level)).Inc()
}

// recordDropped increments the dropped counter
func recordDropped() {
	eventsDropped.Inc()
}

// recordReconnect increments the reconnect counter
func recordReconnect() {
	reconnectAttempts.Inc()
}
