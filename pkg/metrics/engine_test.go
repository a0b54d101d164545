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
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/litmus/pkg/config"
)

var epoch = time.Unix(1700000000, 0)

func packet(seq uint32, atMs int64) Packet {
	payload := make([]byte, 100)
	binary.BigEndian.PutUint32(payload, seq)
	return Packet{
		Payload:    payload,
		ReceivedAt: epoch.Add(time.Duration(atMs) * time.Millisecond),
	}
}

func newTestEngine(t *testing.T, modify ...func(*config.MetricsConfig)) *Engine {
	t.Helper()
	conf := config.DefaultConfig.Metrics
	for _, m := range modify {
		m(&conf)
	}
	return NewEngine(EngineParams{Config: &conf})
}

func TestLoss(t *testing.T) {
	t.Run("no loss for contiguous sequences", func(t *testing.T) {
		e := newTestEngine(t)
		for i := uint32(1); i <= 10; i++ {
			require.NoError(t, e.ProcessPacket(packet(i, int64(i)*10)))
		}
		require.Equal(t, float64(0), e.Snapshot().LossRatio)
	})

	t.Run("gaps within window", func(t *testing.T) {
		e := newTestEngine(t)
		for i, seq := range []uint32{1, 3, 5} {
			require.NoError(t, e.ProcessPacket(packet(seq, int64(i)*10)))
		}
		require.InDelta(t, 0.4, e.Snapshot().LossRatio, 1e-9)
	})

	t.Run("duplicates count once", func(t *testing.T) {
		e := newTestEngine(t)
		for i, seq := range []uint32{1, 2, 2, 2, 3} {
			require.NoError(t, e.ProcessPacket(packet(seq, int64(i))))
		}
		require.Equal(t, float64(0), e.Snapshot().LossRatio)
	})

	t.Run("old records are evicted", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.ProcessPacket(packet(1, 0)))
		require.NoError(t, e.ProcessPacket(packet(5, 100)))
		require.InDelta(t, 0.6, e.Snapshot().LossRatio, 1e-9)

		// sequence 1 is exactly one window old and drops out
		require.NoError(t, e.ProcessPacket(packet(6, 1000)))
		require.Equal(t, float64(0), e.Snapshot().LossRatio)
	})

	t.Run("always within bounds", func(t *testing.T) {
		e := newTestEngine(t)
		rng := rand.New(rand.NewSource(1))
		at := int64(0)
		for i := 0; i < 2000; i++ {
			at += int64(rng.Intn(20))
			require.NoError(t, e.ProcessPacket(packet(uint32(rng.Intn(500)), at)))
			loss := e.Snapshot().LossRatio
			require.GreaterOrEqual(t, loss, float64(0))
			require.LessOrEqual(t, loss, float64(1))
		}
	})
}

func TestJitter(t *testing.T) {
	t.Run("first packet leaves jitter at zero", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.ProcessPacket(packet(0, 0)))
		require.Equal(t, float64(0), e.Snapshot().Jitter)
	})

	t.Run("smoothing step", func(t *testing.T) {
		e := newTestEngine(t)
		require.NoError(t, e.ProcessPacket(packet(0, 0)))
		require.NoError(t, e.ProcessPacket(packet(1, 16)))
		// |16 - 0| / 16
		require.InDelta(t, 1.0, e.Snapshot().Jitter, 1e-9)

		require.NoError(t, e.ProcessPacket(packet(2, 48)))
		// 1 + (|32 - 16| - 1) / 16
		require.InDelta(t, 1.9375, e.Snapshot().Jitter, 1e-9)
	})

	t.Run("constant spacing converges to zero", func(t *testing.T) {
		e := newTestEngine(t)
		var last float64
		for i := 0; i < 400; i++ {
			require.NoError(t, e.ProcessPacket(packet(uint32(i), int64(i)*10)))
			if i > 2 {
				require.LessOrEqual(t, e.Snapshot().Jitter, last)
			}
			last = e.Snapshot().Jitter
		}
		require.Less(t, last, 0.001)
	})

	t.Run("gain is configurable", func(t *testing.T) {
		e := newTestEngine(t, func(c *config.MetricsConfig) { c.JitterGain = 4 })
		require.NoError(t, e.ProcessPacket(packet(0, 0)))
		require.NoError(t, e.ProcessPacket(packet(1, 8)))
		require.InDelta(t, 2.0, e.Snapshot().Jitter, 1e-9)
	})
}

func TestReports(t *testing.T) {
	t.Run("throttled on packet time", func(t *testing.T) {
		e := newTestEngine(t)
		var reports []time.Duration
		var at time.Duration
		e.Reports().Subscribe(func(Report) { reports = append(reports, at) })

		updates := 0
		e.MetricsUpdates().Subscribe(func(Snapshot) { updates++ })

		for i := 0; i < 100; i++ {
			at = time.Duration(i*7) * time.Millisecond
			require.NoError(t, e.ProcessPacket(packet(uint32(i), int64(i*7))))
		}

		require.Equal(t, 100, updates)
		require.NotEmpty(t, reports)
		for i := 1; i < len(reports); i++ {
			require.GreaterOrEqual(t, reports[i]-reports[i-1], 200*time.Millisecond)
		}
	})

	t.Run("burst yields a single report", func(t *testing.T) {
		e := newTestEngine(t)
		count := 0
		e.Reports().Subscribe(func(Report) { count++ })
		for i := 0; i < 50; i++ {
			require.NoError(t, e.ProcessPacket(packet(uint32(i), 5)))
		}
		require.Equal(t, 1, count)
	})

	t.Run("interval is configurable", func(t *testing.T) {
		e := newTestEngine(t, func(c *config.MetricsConfig) { c.ThrottleInterval = 100 * time.Millisecond })
		count := 0
		e.Reports().Subscribe(func(Report) { count++ })
		for i := 0; i <= 10; i++ {
			require.NoError(t, e.ProcessPacket(packet(uint32(i), int64(i)*50)))
		}
		// at 0, 100, 200, 300, 400, 500
		require.Equal(t, 6, count)
	})

	t.Run("throughput", func(t *testing.T) {
		e := newTestEngine(t)
		var got []Report
		e.Reports().Subscribe(func(r Report) { got = append(got, r) })

		require.NoError(t, e.ProcessPacket(packet(0, 0)))
		require.NoError(t, e.ProcessPacket(packet(1, 100)))
		require.NoError(t, e.ProcessPacket(packet(2, 250)))

		require.Len(t, got, 2)
		require.NotNil(t, got[0].Throughput)
		// first report uses the throttle interval as elapsed time
		require.InDelta(t, 100*8*1000/200.0, *got[0].Throughput, 1e-9)
		// 200 bytes over 250ms
		require.InDelta(t, 200*8*1000/250.0, *got[1].Throughput, 1e-9)
		require.Equal(t, uint32(2), got[1].Sequence)
	})

	t.Run("throughput disabled", func(t *testing.T) {
		e := newTestEngine(t, func(c *config.MetricsConfig) { c.ComputeThroughput = false })
		var got Report
		e.Reports().Subscribe(func(r Report) { got = r })
		require.NoError(t, e.ProcessPacket(packet(0, 0)))
		require.Nil(t, got.Throughput)
	})
}

func TestShortPayload(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.ProcessPacket(packet(1, 0)))
	before := e.Snapshot()

	notified := false
	e.MetricsUpdates().Subscribe(func(Snapshot) { notified = true })

	err := e.ProcessPacket(Packet{Payload: []byte{1, 2, 3}, ReceivedAt: epoch})
	require.ErrorIs(t, err, ErrShortPayload)
	require.Equal(t, before, e.Snapshot())
	require.False(t, notified)

	// engine keeps working
	require.NoError(t, e.ProcessPacket(packet(2, 10)))
	require.Equal(t, uint64(2), e.Snapshot().Packets)
}

func TestReset(t *testing.T) {
	feed := func(e *Engine) ([]Report, []Snapshot) {
		var reports []Report
		var snapshots []Snapshot
		unsubR := e.Reports().Subscribe(func(r Report) { reports = append(reports, r) })
		unsubS := e.MetricsUpdates().Subscribe(func(s Snapshot) { snapshots = append(snapshots, s) })
		defer unsubR()
		defer unsubS()

		for i, seq := range []uint32{4, 5, 7, 8, 12, 13} {
			require.NoError(t, e.ProcessPacket(packet(seq, int64(i)*90)))
		}
		return reports, snapshots
	}

	fresh := newTestEngine(t)
	wantReports, wantSnapshots := feed(fresh)

	used := newTestEngine(t)
	for i := 0; i < 30; i++ {
		require.NoError(t, used.ProcessPacket(packet(uint32(i*3), int64(i)*33)))
	}
	used.UpdateSendRate(SendRate{PacketsPerSecond: 100})
	used.Reset()

	_, ok := used.SendRate()
	require.False(t, ok)
	require.Equal(t, Snapshot{}, used.Snapshot())

	gotReports, gotSnapshots := feed(used)
	require.Equal(t, wantReports, gotReports)
	require.Equal(t, wantSnapshots, gotSnapshots)
}

func TestSendRate(t *testing.T) {
	e := newTestEngine(t)
	_, ok := e.SendRate()
	require.False(t, ok)

	e.UpdateSendRate(SendRate{PacketsPerSecond: 930, BitrateKbps: 9000, Profile: "1080p30"})
	rate, ok := e.SendRate()
	require.True(t, ok)
	require.Equal(t, uint32(930), rate.PacketsPerSecond)
}
