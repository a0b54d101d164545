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
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/litmus/pkg/config"
	"github.com/livekit/litmus/pkg/rtc/signalling"
)

// Directive is the pacing a tuner currently asks the sender for.
type Directive struct {
	BitrateKbps uint32
	Profile     string
}

// Result is the best capability a tuner has confirmed so far.
type Result struct {
	Profile     string
	BitrateKbps uint32
	LossRate    float64
	Jitter      float64
}

// Tuner turns receiver quality reports into pacing decisions. Implementations are safe for
// concurrent use: reports arrive on the signal reader while the streamer reads the directive.
type Tuner interface {
	Kind() string
	Observe(report signalling.MetricsReport)
	Directive() Directive
	IsComplete() bool
	Result() Result

	// bits per second the sender actually managed to put on the wire
	SetServerEffectiveRate(bps float64)
	ServerEffectiveRate() float64
}

type Params struct {
	Config   *config.TunerConfig
	Profiles []VideoProfile
	Logger   logger.Logger
	Now      func() time.Time
}

func New(params Params) (Tuner, error) {
	if params.Now == nil {
		params.Now = time.Now
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if len(params.Profiles) == 0 {
		params.Profiles = DefaultProfiles()
	}

	switch params.Config.Kind {
	case config.TunerKindBitrate:
		return NewBitrateTuner(&params.Config.Bitrate, params.Profiles, params.Logger, params.Now), nil
	case config.TunerKindProfile, "":
		return NewProfileTuner(&params.Config.Profile, params.Profiles, params.Logger, params.Now)
	default:
		return nil, config.ErrInvalidTunerKind
	}
}
