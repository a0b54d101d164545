// Copyright 2023 LiveKit, Inc.
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

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	litmusNamespace string = "litmus"
)

var (
	initialized atomic.Bool

	MessageCounter      *prometheus.CounterVec
	SessionStateCounter *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge
)

// Init registers collectors with the default registry. Record functions are no-ops until it runs.
func Init(nodeID string) {
	if initialized.Swap(true) {
		return
	}

	MessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   litmusNamespace,
			Subsystem:   "signal",
			Name:        "messages",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
		[]string{"type", "direction"},
	)

	SessionStateCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   litmusNamespace,
			Subsystem:   "session",
			Name:        "state_transitions",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
		[]string{"state"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   litmusNamespace,
			Subsystem:   "session",
			Name:        "active",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
			Help:        "Litmus sessions currently connected to this server.",
		},
	)

	prometheus.MustRegister(MessageCounter)
	prometheus.MustRegister(SessionStateCounter)
	prometheus.MustRegister(ActiveSessions)

	initPacketStats(nodeID)
	initQualityStats(nodeID)
}

func RecordMessage(msgType string, direction string) {
	if !initialized.Load() {
		return
	}
	MessageCounter.WithLabelValues(msgType, direction).Inc()
}

func RecordSessionState(state string) {
	if !initialized.Load() {
		return
	}
	SessionStateCounter.WithLabelValues(state).Inc()
}

func AddActiveSession(delta float64) {
	if !initialized.Load() {
		return
	}
	ActiveSessions.Add(delta)
}
