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
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/litmus/pkg/config"
	"github.com/livekit/litmus/pkg/metrics"
	"github.com/livekit/litmus/pkg/rtc/signalling"
	"github.com/livekit/litmus/pkg/session"
	"github.com/livekit/litmus/pkg/utils"
)

const noProfile = "No profile available"

type Params struct {
	MetricsConfig *config.MetricsConfig
	NewSession    SessionFactory
	Sink          PresentationSink
	// optional, run before each connect
	Prober CapabilityProber
	Logger logger.Logger
}

// Tester owns the lifecycle of network tests. At most one test runs at a time. All session and
// engine events are handled on a single queue, so the engine is only touched from there.
type Tester struct {
	params Params
	loop   *utils.OpsQueue
	engine *metrics.Engine

	lock          sync.Mutex
	running       bool
	current       TransportSession
	unsubscribe   []func()
	startedAt     time.Time
	lastDirective *signalling.BitrateUpdate
	lastSnapshot  metrics.Snapshot

	finished utils.EventStream[Outcome]
}

func New(params Params) *Tester {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Sink == nil {
		params.Sink = NoopSink{}
	}

	t := &Tester{
		params: params,
		loop:   utils.NewOpsQueue(params.Logger, "tester"),
	}
	t.engine = metrics.NewEngine(metrics.EngineParams{
		Config: params.MetricsConfig,
		Logger: params.Logger,
	})
	t.engine.MetricsUpdates().Subscribe(t.onMetricsUpdate)
	t.engine.Reports().Subscribe(t.onReport)
	t.loop.Start()
	return t
}

// Finished fires once per run, after the session's final state has been delivered.
func (t *Tester) Finished() *utils.EventStream[Outcome] {
	return &t.finished
}

func (t *Tester) IsRunning() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.running
}

// StartTest begins a run against address. It is a no-op while a run is in progress. It blocks
// until the datagram channel is open; a failed connect ends the run and is returned.
func (t *Tester) StartTest(ctx context.Context, address string, secure bool) error {
	t.lock.Lock()
	if t.running {
		t.lock.Unlock()
		t.params.Logger.Warnw("test is already running", nil)
		return nil
	}
	t.running = true
	t.startedAt = time.Now()
	t.lastDirective = nil
	t.lastSnapshot = metrics.Snapshot{}
	s := t.params.NewSession(t.loop)
	t.current = s
	t.lock.Unlock()

	t.loop.Enqueue(t.engine.Reset)
	t.subscribe(s)

	if t.params.Prober != nil {
		t.probe(ctx)
	}

	t.params.Logger.Infow("starting test", "address", address, "secure", secure)
	if err := s.Connect(ctx, address, secure); err != nil {
		t.stopSession(s, err)
		return errors.Wrap(err, "failed to start test")
	}
	return nil
}

// StopTest ends the current run, if any.
func (t *Tester) StopTest() {
	t.lock.Lock()
	s := t.current
	t.lock.Unlock()

	if s != nil {
		t.stopSession(s, nil)
	}
}

// Close stops any run and waits for queued events to drain.
func (t *Tester) Close() {
	t.StopTest()
	t.loop.Stop()
	<-t.loop.Done()
}

func (t *Tester) probe(ctx context.Context) {
	report, err := t.params.Prober.Probe(ctx)
	if err != nil {
		t.params.Logger.Warnw("capability probe failed", err)
		return
	}
	t.params.Logger.Infow("capability probe",
		"mappedAddress", report.MappedAddress,
		"natType", report.NATType,
	)
}

func (t *Tester) subscribe(s TransportSession) {
	unsubs := []func(){
		s.StateChanges().Subscribe(func(state session.State) {
			t.params.Sink.DisplayState(state)
			switch state {
			case session.StateDisconnected, session.StateFailed:
				t.stopSession(s, s.Err())
			}
		}),
		s.Packets().Subscribe(func(p metrics.Packet) {
			// undecodable packets are contained to this call
			_ = t.engine.ProcessPacket(p)
		}),
		s.SendRateUpdates().Subscribe(func(update signalling.BitrateUpdate) {
			t.lock.Lock()
			t.lastDirective = &update
			t.lock.Unlock()

			t.engine.UpdateSendRate(metrics.SendRate{
				PacketsPerSecond: update.SendRate,
				BitrateKbps:      update.Bitrate,
				Profile:          update.Profile,
			})
		}),
		s.TestCompletions().Subscribe(func(complete signalling.TestComplete) {
			t.onTestComplete(s, complete)
		}),
	}

	t.lock.Lock()
	t.unsubscribe = append(t.unsubscribe, unsubs...)
	t.lock.Unlock()
}

func (t *Tester) onTestComplete(s TransportSession, complete signalling.TestComplete) {
	t.lock.Lock()
	if t.current != s {
		t.lock.Unlock()
		return
	}
	result := Result{
		Profile:     complete.Profile,
		BitrateKbps: complete.Bitrate,
		Duration:    time.Since(t.startedAt),
		Metrics:     t.lastSnapshot,
	}
	if last := t.lastDirective; last != nil {
		if result.Profile == "" {
			result.Profile = last.Profile
		}
		if result.BitrateKbps == 0 {
			result.BitrateKbps = last.Bitrate
		}
	}
	if result.Profile == "" {
		result.Profile = noProfile
	}
	t.lock.Unlock()

	t.params.Logger.Infow("test complete", "profile", result.Profile, "bitrate", result.BitrateKbps, "duration", result.Duration)
	t.params.Sink.DisplayCompletion(result)
	t.finish(s, &Outcome{Result: &result, State: session.StateDisconnected})
}

// stopSession ends the run if s is still the current session.
func (t *Tester) stopSession(s TransportSession, err error) {
	state := session.StateDisconnected
	if err != nil {
		state = session.StateFailed
	}
	t.finish(s, &Outcome{State: state, Err: err})
}

func (t *Tester) finish(s TransportSession, outcome *Outcome) {
	t.lock.Lock()
	if !t.running || t.current != s {
		t.lock.Unlock()
		return
	}
	t.running = false
	t.current = nil
	unsubs := t.unsubscribe
	t.unsubscribe = nil
	t.lock.Unlock()

	if outcome.Err != nil {
		t.params.Logger.Warnw("test stopped", outcome.Err)
	} else {
		t.params.Logger.Infow("test stopped")
	}

	s.Disconnect()

	// queued behind the session's final state change
	t.loop.Enqueue(func() {
		for _, unsub := range unsubs {
			unsub()
		}
		t.finished.Notify(*outcome)
	})
}

func (t *Tester) onMetricsUpdate(snapshot metrics.Snapshot) {
	t.lock.Lock()
	t.lastSnapshot = snapshot
	t.lock.Unlock()

	t.params.Sink.DisplayMetrics(snapshot)
}

func (t *Tester) onReport(report metrics.Report) {
	t.lock.Lock()
	s := t.current
	t.lock.Unlock()

	if s != nil {
		s.SendMetricsReport(report)
	}
}
