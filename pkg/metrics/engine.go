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
	"encoding/binary"
	"math"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/litmus/pkg/config"
	"github.com/livekit/litmus/pkg/telemetry/prometheus"
	"github.com/livekit/litmus/pkg/utils"
)

const sequenceHeaderSize = 4

// Packet is one datagram as received from the transport.
type Packet struct {
	Payload    []byte
	ReceivedAt time.Time
}

// Snapshot is the engine's current estimate. Jitter is in milliseconds.
type Snapshot struct {
	Jitter       float64
	LossRatio    float64
	Packets      uint64
	LastSequence uint32
}

type Report struct {
	LossRate float64
	Jitter   float64
	Sequence uint32
	// bits per second, nil when throughput is not computed
	Throughput *float64
}

// SendRate is the pacing the sender last announced.
type SendRate struct {
	PacketsPerSecond uint32
	BitrateKbps      uint32
	Profile          string
}

type EngineParams struct {
	Config *config.MetricsConfig
	Logger logger.Logger
}

// Engine turns packet arrivals into jitter and loss estimates and emits throttled reports.
// It is not safe for concurrent use; callers serialise ProcessPacket, Reset and UpdateSendRate.
type Engine struct {
	params EngineParams

	window           *lossWindow
	snapshot         Snapshot
	lastArrival      time.Time
	hasArrival       bool
	lastInterarrival float64
	bytesSinceReport int
	lastReport       time.Time
	hasReport        bool

	sendRate    SendRate
	hasSendRate bool

	dropLogger *utils.SampledLogger

	updates utils.EventStream[Snapshot]
	reports utils.EventStream[Report]
}

func NewEngine(params EngineParams) *Engine {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Config == nil {
		conf := config.DefaultConfig.Metrics
		params.Config = &conf
	}

	e := &Engine{
		params:     params,
		dropLogger: utils.NewSampledLogger(params.Logger, 5, 100),
	}
	e.Reset()
	return e
}

// MetricsUpdates fires after every processed packet.
func (e *Engine) MetricsUpdates() *utils.EventStream[Snapshot] {
	return &e.updates
}

// Reports fires at most once per throttle interval, measured on packet arrival times.
func (e *Engine) Reports() *utils.EventStream[Report] {
	return &e.reports
}

// Reset restores the state of a freshly constructed engine. Subscriptions are kept.
func (e *Engine) Reset() {
	e.window = newLossWindow(e.params.Config.LossWindow)
	e.snapshot = Snapshot{}
	e.lastArrival = time.Time{}
	e.hasArrival = false
	e.lastInterarrival = 0
	e.bytesSinceReport = 0
	e.lastReport = time.Time{}
	e.hasReport = false
	e.sendRate = SendRate{}
	e.hasSendRate = false
}

// ProcessPacket folds one arrival into the estimates. A payload too short to carry a sequence
// number is rejected without touching any state.
func (e *Engine) ProcessPacket(p Packet) error {
	if len(p.Payload) < sequenceHeaderSize {
		prometheus.IncrementDropped("short_payload")
		e.dropLogger.Debugw("dropping undecodable packet", "size", len(p.Payload))
		return ErrShortPayload
	}

	sequence := binary.BigEndian.Uint32(p.Payload[:sequenceHeaderSize])
	now := p.ReceivedAt

	e.bytesSinceReport += len(p.Payload)
	prometheus.IncrementPackets("in", uint64(len(p.Payload)))

	e.updateLoss(sequence, now)
	e.updateJitter(now)

	e.snapshot.Packets++
	e.snapshot.LastSequence = sequence
	e.updates.Notify(e.snapshot)

	interval := e.params.Config.ThrottleInterval
	if !e.hasReport || now.Sub(e.lastReport) >= interval {
		elapsed := interval
		if e.hasReport {
			elapsed = now.Sub(e.lastReport)
		}

		report := Report{
			LossRate: e.snapshot.LossRatio,
			Jitter:   e.snapshot.Jitter,
			Sequence: sequence,
		}
		if e.params.Config.ComputeThroughput && elapsed > 0 {
			throughput := float64(e.bytesSinceReport) * 8 * 1000 / durationMs(elapsed)
			report.Throughput = &throughput
		}

		e.lastReport = now
		e.hasReport = true
		e.bytesSinceReport = 0

		prometheus.RecordReport(report.LossRate, report.Jitter)
		e.reports.Notify(report)
	}

	return nil
}

func (e *Engine) updateLoss(sequence uint32, now time.Time) {
	e.window.add(sequence, now)
	e.snapshot.LossRatio = e.window.lossRatio()
}

// RFC 3550 style smoothing of the change in inter-arrival time. The first arrival only seeds state.
func (e *Engine) updateJitter(now time.Time) {
	if !e.hasArrival {
		e.lastArrival = now
		e.hasArrival = true
		e.lastInterarrival = 0
		return
	}

	interarrival := durationMs(now.Sub(e.lastArrival))
	delta := math.Abs(interarrival - e.lastInterarrival)
	e.snapshot.Jitter += (delta - e.snapshot.Jitter) / e.params.Config.JitterGain

	e.lastInterarrival = interarrival
	e.lastArrival = now
}

// UpdateSendRate stores the sender's announced pacing. The engine does not interpret it.
func (e *Engine) UpdateSendRate(rate SendRate) {
	e.sendRate = rate
	e.hasSendRate = true
}

func (e *Engine) SendRate() (SendRate, bool) {
	return e.sendRate, e.hasSendRate
}

func (e *Engine) Snapshot() Snapshot {
	return e.snapshot
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
