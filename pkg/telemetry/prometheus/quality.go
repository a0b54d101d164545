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
	qualityLoss      prometheus.Histogram
	qualityJitter    prometheus.Histogram
	reportTotal      prometheus.Counter
	tunerDecisions   *prometheus.CounterVec
	tunerFinalResult *prometheus.CounterVec
)

func initQualityStats(nodeID string) {
	qualityLoss = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   litmusNamespace,
		Subsystem:   "quality",
		Name:        "loss_rate",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Buckets:     []float64{0, 0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1},
	})
	qualityJitter = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   litmusNamespace,
		Subsystem:   "quality",
		Name:        "jitter_ms",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Buckets:     []float64{1, 2, 5, 10, 20, 30, 50, 100, 250},
	})
	reportTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   litmusNamespace,
		Subsystem:   "quality",
		Name:        "reports",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	tunerDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   litmusNamespace,
		Subsystem:   "tuner",
		Name:        "decisions",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"tuner", "decision"})
	tunerFinalResult = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   litmusNamespace,
		Subsystem:   "tuner",
		Name:        "result",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"tuner", "profile"})

	prometheus.MustRegister(qualityLoss)
	prometheus.MustRegister(qualityJitter)
	prometheus.MustRegister(reportTotal)
	prometheus.MustRegister(tunerDecisions)
	prometheus.MustRegister(tunerFinalResult)
}

func RecordReport(lossRate float64, jitterMs float64) {
	if !initialized.Load() {
		return
	}
	reportTotal.Inc()
	qualityLoss.Observe(lossRate)
	qualityJitter.Observe(jitterMs)
}

func RecordTunerDecision(tuner string, decision string) {
	if !initialized.Load() {
		return
	}
	tunerDecisions.WithLabelValues(tuner, decision).Inc()
}

func RecordTunerResult(tuner string, profile string) {
	if !initialized.Load() {
		return
	}
	tunerFinalResult.WithLabelValues(tuner, profile).Inc()
}
