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
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/litmus/pkg/config"
	"github.com/livekit/litmus/pkg/rtc/signalling"
	"github.com/livekit/litmus/pkg/telemetry/prometheus"
)

// ProfileTuner walks down an ordered profile list, highest quality first, until one holds
// within its acceptable loss and jitter for enough consecutive intervals.
type ProfileTuner struct {
	conf     *config.ProfileTunerConfig
	profiles []VideoProfile
	logger   logger.Logger
	now      func() time.Time

	lock           sync.Mutex
	current        int
	lastAdjustment time.Time
	stableCount    int
	failureCount   int
	complete       bool
	lastLoss       float64
	lastJitter     float64
	serverRate     float64
}

func NewProfileTuner(conf *config.ProfileTunerConfig, profiles []VideoProfile, l logger.Logger, now func() time.Time) (*ProfileTuner, error) {
	if len(profiles) == 0 {
		return nil, ErrNoProfiles
	}
	for _, p := range profiles {
		if err := ValidateProfile(p); err != nil {
			return nil, err
		}
	}

	return &ProfileTuner{
		conf:           conf,
		profiles:       profiles,
		logger:         l,
		now:            now,
		lastAdjustment: now(),
	}, nil
}

func (t *ProfileTuner) Kind() string {
	return config.TunerKindProfile
}

func (t *ProfileTuner) Observe(report signalling.MetricsReport) {
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
	t.lastLoss = report.LossRate
	t.lastJitter = report.Jitter

	profile := t.profiles[t.current]
	if report.LossRate <= profile.AcceptableLoss && report.Jitter <= profile.AcceptableJitter {
		t.stableCount++
		t.failureCount = 0
		prometheus.RecordTunerDecision(t.Kind(), "stable")

		if t.stableCount >= t.conf.StableIntervals {
			t.finishLocked("profile confirmed")
		}
		return
	}

	t.failureCount++
	t.stableCount = 0
	prometheus.RecordTunerDecision(t.Kind(), "failure")

	if t.failureCount < t.conf.FailureIntervals {
		return
	}

	if t.current == len(t.profiles)-1 {
		t.finishLocked("all profiles tested, selecting smallest")
		return
	}

	t.current++
	t.failureCount = 0
	t.stableCount = 0
	prometheus.RecordTunerDecision(t.Kind(), "step_down")
	t.logger.Debugw("stepping down profile",
		"profile", t.profiles[t.current].Name,
		"lossRate", report.LossRate,
		"jitter", report.Jitter,
	)
}

func (t *ProfileTuner) finishLocked(reason string) {
	t.complete = true
	profile := t.profiles[t.current]
	prometheus.RecordTunerResult(t.Kind(), profile.Name)
	t.logger.Infow("profile tuning complete",
		"reason", reason,
		"profile", profile.Name,
		"lossRate", t.lastLoss,
		"jitter", t.lastJitter,
	)
}

func (t *ProfileTuner) Directive() Directive {
	t.lock.Lock()
	defer t.lock.Unlock()

	profile := t.profiles[t.current]
	return Directive{
		BitrateKbps: uint32(profile.Bitrate),
		Profile:     profile.Name,
	}
}

func (t *ProfileTuner) IsComplete() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.complete
}

func (t *ProfileTuner) Result() Result {
	t.lock.Lock()
	defer t.lock.Unlock()

	profile := t.profiles[t.current]
	return Result{
		Profile:     profile.Name,
		BitrateKbps: uint32(profile.Bitrate),
		LossRate:    t.lastLoss,
		Jitter:      t.lastJitter,
	}
}

func (t *ProfileTuner) SetServerEffectiveRate(bps float64) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.serverRate = bps
}

func (t *ProfileTuner) ServerEffectiveRate() float64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.serverRate
}
