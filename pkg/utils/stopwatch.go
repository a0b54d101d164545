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
	"time"
)

// Stopwatch records named split points relative to its start.
type Stopwatch struct {
	name   string
	start  time.Time
	splits []stopwatchSplit
}

type stopwatchSplit struct {
	label string
	at    time.Time
}

func NewStopwatch(name string) *Stopwatch {
	return &Stopwatch{
		name:  name,
		start: time.Now(),
	}
}

func (s *Stopwatch) Mark(label string) {
	s.splits = append(s.splits, stopwatchSplit{label: label, at: time.Now()})
}

// Elapsed is the time between the start and the last mark, or zero before the first mark.
func (s *Stopwatch) Elapsed() time.Duration {
	if len(s.splits) == 0 {
		return 0
	}
	return s.splits[len(s.splits)-1].at.Sub(s.start)
}

// Fields renders the splits as logger key/value pairs, each measured from the previous split.
func (s *Stopwatch) Fields() []any {
	fields := make([]any, 0, 2*len(s.splits)+2)
	fields = append(fields, "stopwatch", s.name)
	prev := s.start
	for _, split := range s.splits {
		fields = append(fields, split.label, split.at.Sub(prev))
		prev = split.at
	}
	return fields
}
