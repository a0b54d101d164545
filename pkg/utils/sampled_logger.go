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

package utils

import (
	"github.com/livekit/protocol/logger"
)

// SampledLogger logs the first Initial occurrences of a repeating event and then every Every-th one.
// It is not safe for concurrent use.
type SampledLogger struct {
	logger  logger.Logger
	initial uint64
	every   uint64
	count   uint64
}

func NewSampledLogger(l logger.Logger, initial, every uint64) *SampledLogger {
	if every == 0 {
		every = 1
	}
	return &SampledLogger{
		logger:  l,
		initial: initial,
		every:   every,
	}
}

func (s *SampledLogger) Count() uint64 {
	return s.count
}

func (s *SampledLogger) sample() bool {
	s.count++
	if s.count <= s.initial {
		return true
	}
	return (s.count-s.initial)%s.every == 0
}

func (s *SampledLogger) Debugw(msg string, keysAndValues ...any) {
	if s.sample() {
		s.logger.Debugw(msg, append(keysAndValues, "occurrences", s.count)...)
	}
}

func (s *SampledLogger) Warnw(msg string, err error, keysAndValues ...any) {
	if s.sample() {
		s.logger.Warnw(msg, err, append(keysAndValues, "occurrences", s.count)...)
	}
}
