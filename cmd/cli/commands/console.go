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

package commands

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/livekit/litmus/pkg/metrics"
	"github.com/livekit/litmus/pkg/session"
	"github.com/livekit/litmus/pkg/tester"
)

// consoleSink renders a run to a terminal. Metric updates arrive per packet, so they are printed
// at most once per interval with a trailing print once updates pause.
type consoleSink struct {
	out       io.Writer
	interval  time.Duration
	debounced func(f func())

	lock      sync.Mutex
	latest    metrics.Snapshot
	lastPrint time.Time
}

func newConsoleSink(out io.Writer, interval time.Duration) *consoleSink {
	return &consoleSink{
		out:       out,
		interval:  interval,
		debounced: debounce.New(interval),
	}
}

func (s *consoleSink) DisplayState(state session.State) {
	s.lock.Lock()
	defer s.lock.Unlock()

	fmt.Fprintf(s.out, "state: %s\n", state)
}

func (s *consoleSink) DisplayMetrics(snapshot metrics.Snapshot) {
	s.lock.Lock()
	s.latest = snapshot
	due := time.Since(s.lastPrint) >= s.interval
	if due {
		s.printLocked()
	}
	s.lock.Unlock()

	if !due {
		s.debounced(s.flush)
	}
}

func (s *consoleSink) flush() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.printLocked()
}

func (s *consoleSink) printLocked() {
	s.lastPrint = time.Now()
	fmt.Fprintf(s.out, "packets: %s  loss: %.2f%%  jitter: %.2f ms\n",
		humanize.Comma(int64(s.latest.Packets)),
		s.latest.LossRatio*100,
		s.latest.Jitter,
	)
}

func (s *consoleSink) DisplayCompletion(result tester.Result) {
	s.lock.Lock()
	defer s.lock.Unlock()

	renderSummary(s.out, result)
}

func renderSummary(w io.Writer, result tester.Result) {
	bitrate := "-"
	if result.BitrateKbps > 0 {
		bitrate = strings.TrimSpace(humanize.SIWithDigits(float64(result.BitrateKbps)*1000, 1, "bps"))
	}

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Result", "Value"})
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})
	table.AppendBulk([][]string{
		{"Profile", result.Profile},
		{"Bitrate", bitrate},
		{"Duration", result.Duration.Round(time.Millisecond).String()},
		{"Packets", humanize.Comma(int64(result.Metrics.Packets))},
		{"Loss", fmt.Sprintf("%.2f %%", result.Metrics.LossRatio*100)},
		{"Jitter", fmt.Sprintf("%.2f ms", result.Metrics.Jitter)},
	})
	table.Render()
}
