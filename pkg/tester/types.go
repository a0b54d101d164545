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

package tester

import (
	"context"
	"time"

	"github.com/livekit/litmus/pkg/metrics"
	"github.com/livekit/litmus/pkg/rtc/signalling"
	"github.com/livekit/litmus/pkg/session"
	"github.com/livekit/litmus/pkg/stunprobe"
	"github.com/livekit/litmus/pkg/utils"
)

// TransportSession is the transport the tester drives for one run.
type TransportSession interface {
	Connect(ctx context.Context, address string, secure bool) error
	Disconnect()
	SendMetricsReport(report metrics.Report)
	Err() error

	StateChanges() *utils.EventStream[session.State]
	Packets() *utils.EventStream[metrics.Packet]
	SendRateUpdates() *utils.EventStream[signalling.BitrateUpdate]
	TestCompletions() *utils.EventStream[signalling.TestComplete]
}

// SessionFactory creates a fresh session per run. Session events must be delivered on loop.
type SessionFactory func(loop *utils.OpsQueue) TransportSession

type CapabilityProber interface {
	Probe(ctx context.Context) (*stunprobe.Report, error)
}

type Result struct {
	Profile     string
	BitrateKbps uint32
	Duration    time.Duration
	Metrics     metrics.Snapshot
}

// Outcome describes how a run ended. Result is set when the server completed the test.
type Outcome struct {
	Result *Result
	State  session.State
	Err    error
}

// PresentationSink receives everything a user facing surface needs to render a run.
type PresentationSink interface {
	DisplayState(state session.State)
	DisplayMetrics(snapshot metrics.Snapshot)
	DisplayCompletion(result Result)
}

type NoopSink struct{}

func (NoopSink) DisplayState(session.State)      {}
func (NoopSink) DisplayMetrics(metrics.Snapshot) {}
func (NoopSink) DisplayCompletion(Result)        {}
