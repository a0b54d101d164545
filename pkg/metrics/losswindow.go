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

package metrics

import (
	"time"

	"github.com/gammazero/deque"
)

type packetRecord struct {
	sequence uint32
	arrival  time.Time
}

// lossWindow tracks the distinct sequence numbers received over a trailing time span.
// Arrivals must be added with non-decreasing timestamps; eviction walks from the front.
type lossWindow struct {
	span    time.Duration
	records *deque.Deque[packetRecord]
	counts  map[uint32]int
}

func newLossWindow(span time.Duration) *lossWindow {
	return &lossWindow{
		span:    span,
		records: deque.New[packetRecord](),
		counts:  make(map[uint32]int),
	}
}

func (w *lossWindow) add(sequence uint32, arrival time.Time) {
	w.records.PushBack(packetRecord{sequence: sequence, arrival: arrival})
	w.counts[sequence]++
	w.evict(arrival)
}

// evict drops records at or before now - span
func (w *lossWindow) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	for w.records.Len() > 0 {
		front := w.records.Front()
		if front.arrival.After(cutoff) {
			return
		}
		w.records.PopFront()
		if w.counts[front.sequence] <= 1 {
			delete(w.counts, front.sequence)
		} else {
			w.counts[front.sequence]--
		}
	}
}

func (w *lossWindow) lossRatio() float64 {
	if len(w.counts) == 0 {
		return 0
	}

	first := true
	var lowest, highest uint32
	for seq := range w.counts {
		if first {
			lowest, highest = seq, seq
			first = false
			continue
		}
		if seq < lowest {
			lowest = seq
		}
		if seq > highest {
			highest = seq
		}
	}

	expected := float64(highest-lowest) + 1
	received := float64(len(w.counts))
	ratio := (expected - received) / expected
	if ratio < 0 {
		return 0
	}
	return ratio
}
