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

package tuner

import (
	"math"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/litmus/pkg/config"
	"github.com/livekit/litmus/pkg/rtc/signalling"
	"github.com/livekit/litmus/pkg/telemetry/prometheus"
)

// BitrateTuner searches for the highest sustainable bitrate by stepping up after a run of stable
// intervals and down after a run of failures or after the sender consistently misses its target.
type BitrateTuner struct {
	conf     *config.BitrateTunerConfig
	profiles []VideoProfile
	logger   logger.Logger
	now      func() time.Time

	lock           sync.Mutex
	current        uint32
	lastAdjustment time.Time
	stableCount    int
	failureCount   int
	deviationCount int
	complete       bool
	best           Result
	serverRate     float64
}

func NewBitrateTuner(conf *config.BitrateTunerConfig, profiles []VideoProfile, l logger.Logger, now func() time.Time) *BitrateTuner {
	return &BitrateTuner{
		conf:           conf,
		profiles:       profiles,
		logger:         l,
		now:            now,
		current:        conf.InitialBitrate,
		lastAdjustment: now(),
	}
}

func (t *BitrateTuner) Kind() string {
	return config.TunerKindBitrate
}

func (t *BitrateTuner) Observe(report signalling.MetricsReport) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.complete {
		return
	}

	now := t.now()
	if now.Sub(t.lastAdjustment) < t.conf.AdaptInterval {
		return
	}
	t.lastAdjustment = now

	// deviation of the achieved send rate from the target, as a fraction of the target
	target := float64(t.current) * 1000
	deviation := 0.0
	if t.serverRate > 0 && target > 0 {
		deviation = math.Abs(target-t.serverRate) / target
	}

	if deviation > t.conf.MaxDeviation {
		t.deviationCount++
		if t.deviationCount >= t.conf.DeviationIntervals {
			t.deviationStepDownLocked(report)
			return
		}
	} else {
		t.deviationCount = 0
	}

	if t.isStableLocked(report, deviation) {
		t.stableCount++
		t.failureCount = 0
		prometheus.RecordTunerDecision(t.Kind(), "stable")

		if t.stableCount < t.conf.StableIntervals {
			return
		}

		if t.best.BitrateKbps > 0 && float64(t.current) < float64(t.best.BitrateKbps)*(1+t.conf.MinImprovement) {
			t.finishLocked("no further improvement")
			return
		}

		t.best = t.resultLocked(t.current, report)
		if t.current >= t.conf.MaxBitrate || deviation >= t.conf.MaxDeviation {
			t.finishLocked("reached maximum")
			return
		}

		t.current = min(t.current+t.conf.StepSize, t.conf.MaxBitrate)
		t.stableCount = 0
		prometheus.RecordTunerDecision(t.Kind(), "step_up")
		t.logger.Debugw("stepping up bitrate", "bitrate", t.current)
		return
	}

	t.failureCount++
	t.stableCount = 0
	prometheus.RecordTunerDecision(t.Kind(), "failure")

	if t.failureCount < t.conf.FailureIntervals {
		return
	}

	t.failureCount = 0
	if t.current < t.conf.MinBitrate+t.conf.StepSize {
		t.current = t.conf.MinBitrate
		t.finishLocked("below minimum bitrate")
		return
	}
	t.current -= t.conf.StepSize
	prometheus.RecordTunerDecision(t.Kind(), "step_down")
	t.logger.Debugw("stepping down bitrate",
		"bitrate", t.current,
		"lossRate", report.LossRate,
		"jitter", report.Jitter,
	)
}

func (t *BitrateTuner) isStableLocked(report signalling.MetricsReport, deviation float64) bool {
	if report.LossRate > t.conf.MaxLossRate || report.Jitter > t.conf.MaxJitter || deviation > t.conf.MaxDeviation {
		return false
	}
	// the throughput ratio is only judged once both sides have measured a rate
	if report.ActualThroughput != nil && t.serverRate > 0 {
		return *report.ActualThroughput/t.serverRate >= t.conf.ThroughputRatio
	}
	return true
}

// the sender cannot keep up: fall back to what it actually achieved, at most one step lower
func (t *BitrateTuner) deviationStepDownLocked(report signalling.MetricsReport) {
	achieved := uint32(t.serverRate / 1000)
	floor := uint32(0)
	if t.current > t.conf.StepSize {
		floor = t.current - t.conf.StepSize
	}
	t.current = max(achieved, floor)
	t.deviationCount = 0
	t.stableCount = 0

	if t.current < t.conf.MinBitrate {
		t.current = t.conf.MinBitrate
		t.finishLocked("below minimum bitrate")
		return
	}

	t.best = t.resultLocked(t.current, report)
	prometheus.RecordTunerDecision(t.Kind(), "deviation_step_down")
	t.logger.Debugw("send rate deviating, stepping down",
		"bitrate", t.current,
		"serverRate", t.serverRate,
	)
}

func (t *BitrateTuner) resultLocked(bitrate uint32, report signalling.MetricsReport) Result {
	res := Result{
		BitrateKbps: bitrate,
		LossRate:    report.LossRate,
		Jitter:      report.Jitter,
	}
	if p, ok := ProfileForBitrate(t.profiles, bitrate); ok {
		res.Profile = p.Name
	}
	return res
}

func (t *BitrateTuner) finishLocked(reason string) {
	t.complete = true
	prometheus.RecordTunerResult(t.Kind(), t.best.Profile)
	t.logger.Infow("bitrate tuning complete",
		"reason", reason,
		"bitrate", t.best.BitrateKbps,
		"profile", t.best.Profile,
	)
}

func (t *BitrateTuner) Directive() Directive {
	t.lock.Lock()
	defer t.lock.Unlock()

	d := Directive{BitrateKbps: t.current}
	if p, ok := ProfileForBitrate(t.profiles, t.current); ok {
		d.Profile = p.Name
	}
	return d
}

func (t *BitrateTuner) IsComplete() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.complete
}

func (t *BitrateTuner) Result() Result {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.best
}

func (t *BitrateTuner) SetServerEffectiveRate(bps float64) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.serverRate = bps
}

func (t *BitrateTuner) ServerEffectiveRate() float64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.serverRate
}
