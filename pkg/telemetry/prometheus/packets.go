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
)

var (
	promPacketLabels = []string{"direction"}

	promPacketTotal   *prometheus.CounterVec
	promPacketBytes   *prometheus.CounterVec
	promDroppedTotal  *prometheus.CounterVec
	promSendRateGauge prometheus.Gauge
)

func initPacketStats(nodeID string) {
	promPacketTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   litmusNamespace,
		Subsystem:   "packet",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, promPacketLabels)
	promPacketBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   litmusNamespace,
		Subsystem:   "packet",
		Name:        "bytes",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, promPacketLabels)
	promDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   litmusNamespace,
		Subsystem:   "packet",
		Name:        "dropped",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Help:        "Packets that could not be decoded or sent.",
	}, []string{"reason"})
	promSendRateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   litmusNamespace,
		Subsystem:   "packet",
		Name:        "effective_send_rate_kbps",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})

	prometheus.MustRegister(promPacketTotal)
	prometheus.MustRegister(promPacketBytes)
	prometheus.MustRegister(promDroppedTotal)
	prometheus.MustRegister(promSendRateGauge)
}

func IncrementPackets(direction string, bytes uint64) {
	if !initialized.Load() {
		return
	}
	promPacketTotal.WithLabelValues(direction).Inc()
	promPacketBytes.WithLabelValues(direction).Add(float64(bytes))
}

func IncrementDropped(reason string) {
	if !initialized.Load() {
		return
	}
	promDroppedTotal.WithLabelValues(reason).Inc()
}

func SetEffectiveSendRate(kbps float64) {
	if !initialized.Load() {
		return
	}
	promSendRateGauge.Set(kbps)
}
