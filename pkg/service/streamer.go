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

package service

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/frostbyte73/core"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/litmus/pkg/config"
	"github.com/livekit/litmus/pkg/telemetry/prometheus"
	"github.com/livekit/litmus/pkg/tuner"
)

const (
	// big-endian sequence number followed by big-endian send time in unix nanoseconds
	packetHeaderSize = 12
)

// packetChannel is the send side of the datagram channel.
type packetChannel interface {
	Send(data []byte) error
	BufferedAmount() uint64
}

type streamerParams struct {
	Config  *config.StreamConfig
	Tuner   tuner.Tuner
	Channel packetChannel
	Logger  logger.Logger
	// called once when streaming stops, err is nil unless sending failed
	OnDone func(err error)
}

// streamer paces test packets onto the datagram channel at the tuner's current bitrate.
type streamer struct {
	params   streamerParams
	stop     core.Fuse
	done     core.Fuse
	sequence uint32
}

func newStreamer(params streamerParams) *streamer {
	return &streamer{
		params: params,
	}
}

func (s *streamer) Start() {
	go s.run()
}

func (s *streamer) Stop() {
	s.stop.Break()
}

func (s *streamer) Done() <-chan struct{} {
	return s.done.Watch()
}

func (s *streamer) run() {
	var err error
	defer func() {
		s.done.Break()
		if s.params.OnDone != nil {
			s.params.OnDone(err)
		}
	}()

	conf := s.params.Config
	start := time.Now()
	interval := conf.InitialInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	meter := newRateMeter(conf.RateCheckInterval, start)
	packet := make([]byte, conf.PacketSize)

	for {
		select {
		case <-s.stop.Watch():
			return

		case <-ticker.C:
			if s.params.Tuner.IsComplete() {
				s.params.Logger.Infow("network testing complete", "packets", s.sequence)
				return
			}

			directive := s.params.Tuner.Directive()
			if pps := tuner.PacketRate(directive.BitrateKbps, conf.PacketSize); pps > 0 {
				if next := time.Second / time.Duration(pps); next != interval {
					interval = next
					ticker.Reset(interval)
				}
			}

			now := time.Now()
			if err = buildPacket(packet, s.sequence, now); err != nil {
				s.params.Logger.Errorw("failed to build test packet", err)
				return
			}
			if err = s.params.Channel.Send(packet); err != nil {
				prometheus.IncrementDropped("send_failed")
				s.params.Logger.Warnw("failed to send test packet", err, "sequence", s.sequence)
				return
			}
			prometheus.IncrementPackets("out", uint64(len(packet)))
			s.sequence++

			meter.add(len(packet))
			if bps, ok := meter.sample(s.params.Channel.BufferedAmount(), now); ok {
				s.params.Tuner.SetServerEffectiveRate(bps)
				prometheus.SetEffectiveSendRate(bps / 1000)
			}

			if now.Sub(start) >= conf.MaxTestDuration {
				s.params.Logger.Infow("max test duration reached", "packets", s.sequence)
				return
			}
		}
	}
}

func buildPacket(buf []byte, sequence uint32, sentAt time.Time) error {
	if len(buf) < packetHeaderSize {
		return ErrPacketTooSmall
	}
	binary.BigEndian.PutUint32(buf[0:4], sequence)
	binary.BigEndian.PutUint64(buf[4:packetHeaderSize], uint64(sentAt.UnixNano()))
	_, err := rand.Read(buf[packetHeaderSize:])
	return err
}

// rateMeter measures the rate at which bytes actually leave the send buffer.
type rateMeter struct {
	interval     time.Duration
	lastCheck    time.Time
	lastBuffered uint64
	bytes        uint64
}

func newRateMeter(interval time.Duration, now time.Time) *rateMeter {
	return &rateMeter{
		interval:  interval,
		lastCheck: now,
	}
}

func (m *rateMeter) add(n int) {
	m.bytes += uint64(n)
}

// sample returns bits per second drained since the last sample once the interval has elapsed.
func (m *rateMeter) sample(buffered uint64, now time.Time) (float64, bool) {
	elapsed := now.Sub(m.lastCheck)
	if elapsed < m.interval || elapsed <= 0 {
		return 0, false
	}

	// bytes queued but still buffered have not left yet, a shrinking buffer drained extra
	drained := int64(m.bytes) - (int64(buffered) - int64(m.lastBuffered))
	if drained < 0 {
		drained = 0
	}
	bps := float64(drained) * 8 / elapsed.Seconds()

	m.bytes = 0
	m.lastBuffered = buffered
	m.lastCheck = now
	return bps, true
}
