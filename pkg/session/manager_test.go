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

package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/litmus/pkg/config"
	"github.com/livekit/litmus/pkg/metrics"
	"github.com/livekit/litmus/pkg/rtc/signalling"
	"github.com/livekit/litmus/pkg/testutils"
	"github.com/livekit/litmus/pkg/utils"
)

type harness struct {
	m      *Manager
	peer   *fakePeer
	signal *fakeSignal
	dialer *fakeDialer
	loop   *utils.OpsQueue

	lock        sync.Mutex
	states      []State
	packets     []metrics.Packet
	updates     []signalling.BitrateUpdate
	completions []signalling.TestComplete
	ready       int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	loop := utils.NewOpsQueue(logger.GetLogger(), "test")
	loop.Start()
	t.Cleanup(loop.Stop)

	rtcConf := config.DefaultConfig.RTC
	rtcConf.ConnectTimeout = 5 * time.Second
	h := &harness{
		peer:   newFakePeer(),
		signal: newFakeSignal(),
		loop:   loop,
	}
	h.dialer = &fakeDialer{signal: h.signal}
	h.m = NewManager(ManagerParams{
		Config: &rtcConf,
		Peers:  &fakePeerFactory{peer: h.peer},
		Dialer: h.dialer,
		Loop:   loop,
	})

	h.m.StateChanges().Subscribe(func(s State) {
		h.lock.Lock()
		defer h.lock.Unlock()
		h.states = append(h.states, s)
	})
	h.m.Packets().Subscribe(func(p metrics.Packet) {
		h.lock.Lock()
		defer h.lock.Unlock()
		h.packets = append(h.packets, p)
	})
	h.m.SendRateUpdates().Subscribe(func(u signalling.BitrateUpdate) {
		h.lock.Lock()
		defer h.lock.Unlock()
		h.updates = append(h.updates, u)
	})
	h.m.TestCompletions().Subscribe(func(c signalling.TestComplete) {
		h.lock.Lock()
		defer h.lock.Unlock()
		h.completions = append(h.completions, c)
	})
	h.m.SignalReady().Subscribe(func(struct{}) {
		h.lock.Lock()
		defer h.lock.Unlock()
		h.ready++
	})
	return h
}

func (h *harness) connectAsync() <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- h.m.Connect(context.Background(), "localhost:7880", false)
	}()
	return done
}

// waitForOffer blocks until the offer has been written to the control channel.
func (h *harness) waitForOffer(t *testing.T) {
	testutils.WithTimeout(t, func() string {
		if len(h.signal.messages()) == 0 {
			return "offer not sent"
		}
		return ""
	})
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	done := h.connectAsync()
	h.waitForOffer(t)
	h.peer.dc.open()
	require.NoError(t, waitErr(t, done))
	require.Equal(t, StateConnected, h.m.State())
}

func (h *harness) observedStates() []State {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]State(nil), h.states...)
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not return")
		return nil
	}
}

func candidate(i int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.1 %d typ host", i, 5000+i)}
}

func TestSignalURL(t *testing.T) {
	require.Equal(t, "ws://localhost:7880/litmus", SignalURL("localhost:7880", false, "/litmus"))
	require.Equal(t, "wss://example.com/litmus", SignalURL("example.com", true, "/litmus"))
	require.Equal(t, "wss://example.com/base/litmus", SignalURL("https://example.com/base/", true, "/litmus"))
}

func TestConnect(t *testing.T) {
	t.Run("opens unordered zero retransmit channel", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)

		require.Equal(t, "networkTest", h.peer.dc.Label())
		require.NotNil(t, h.peer.dcInit.Ordered)
		require.False(t, *h.peer.dcInit.Ordered)
		require.NotNil(t, h.peer.dcInit.MaxRetransmits)
		require.Equal(t, uint16(0), *h.peer.dcInit.MaxRetransmits)
		require.Equal(t, []string{"ws://localhost:7880/litmus"}, h.dialer.urls)

		testutils.WithTimeout(t, func() string {
			states := h.observedStates()
			if len(states) != 2 || states[0] != StateConnecting || states[1] != StateConnected {
				return fmt.Sprintf("unexpected states %v", states)
			}
			return ""
		})
	})

	t.Run("candidates before control channel are flushed once in order", func(t *testing.T) {
		h := newHarness(t)
		h.peer.gatherOnLocal = []webrtc.ICECandidateInit{candidate(1), candidate(2), candidate(3)}

		done := h.connectAsync()
		h.waitForOffer(t)
		h.peer.emitCandidate(candidate(4))
		h.peer.dc.open()
		require.NoError(t, waitErr(t, done))

		require.Equal(t, []signalling.Message{
			signalling.Offer{SDP: "offer-sdp"},
			signalling.Candidate{Candidate: candidate(1)},
			signalling.Candidate{Candidate: candidate(2)},
			signalling.Candidate{Candidate: candidate(3)},
			signalling.Candidate{Candidate: candidate(4)},
		}, h.signal.messages())

		testutils.WithTimeout(t, func() string {
			h.lock.Lock()
			defer h.lock.Unlock()
			if h.ready != 1 {
				return "signal ready not delivered"
			}
			return ""
		})
	})

	t.Run("candidate gathered while dialing is buffered", func(t *testing.T) {
		h := newHarness(t)
		h.dialer.gate = make(chan struct{})

		done := h.connectAsync()
		testutils.WithTimeout(t, func() string {
			h.dialer.lock.Lock()
			defer h.dialer.lock.Unlock()
			if len(h.dialer.urls) == 0 {
				return "not dialing"
			}
			return ""
		})
		h.peer.emitCandidate(candidate(1))
		require.Empty(t, h.signal.messages())
		close(h.dialer.gate)

		h.waitForOffer(t)
		h.peer.dc.open()
		require.NoError(t, waitErr(t, done))
		require.Equal(t, []signalling.Message{
			signalling.Offer{SDP: "offer-sdp"},
			signalling.Candidate{Candidate: candidate(1)},
		}, h.signal.messages())
	})

	t.Run("handshake failure fails session", func(t *testing.T) {
		h := newHarness(t)
		h.peer.createOfferErr = errInjected

		err := h.m.Connect(context.Background(), "localhost", false)
		var handshakeErr *HandshakeError
		require.ErrorAs(t, err, &handshakeErr)
		require.ErrorIs(t, err, errInjected)
		require.Equal(t, StateFailed, h.m.State())
		require.Equal(t, err, h.m.Err())
	})

	t.Run("dial failure is a control channel error", func(t *testing.T) {
		h := newHarness(t)
		h.dialer.err = errInjected

		err := h.m.Connect(context.Background(), "localhost", false)
		var ccErr *ControlChannelError
		require.ErrorAs(t, err, &ccErr)
		require.Equal(t, StateFailed, h.m.State())
	})

	t.Run("bad answer rejects connect", func(t *testing.T) {
		h := newHarness(t)
		h.peer.setRemoteErr = errInjected

		done := h.connectAsync()
		h.waitForOffer(t)
		h.signal.incoming <- signalling.Answer{SDP: "answer-sdp"}

		err := waitErr(t, done)
		var handshakeErr *HandshakeError
		require.ErrorAs(t, err, &handshakeErr)
		require.Equal(t, StateFailed, h.m.State())
	})

	t.Run("context cancel rejects connect", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- h.m.Connect(ctx, "localhost", false)
		}()
		h.waitForOffer(t)
		cancel()

		err := waitErr(t, done)
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, StateFailed, h.m.State())
	})

	t.Run("single use", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)

		require.ErrorIs(t, h.m.Connect(context.Background(), "localhost", false), ErrSessionUsed)
		h.m.Disconnect()
		require.ErrorIs(t, h.m.Connect(context.Background(), "localhost", false), ErrSessionClosed)
	})

	t.Run("disconnect mid handshake", func(t *testing.T) {
		h := newHarness(t)
		done := h.connectAsync()
		h.waitForOffer(t)
		h.m.Disconnect()

		require.ErrorIs(t, waitErr(t, done), ErrSessionClosed)
		require.Equal(t, StateDisconnected, h.m.State())
	})

	t.Run("ice failure", func(t *testing.T) {
		h := newHarness(t)
		done := h.connectAsync()
		h.waitForOffer(t)
		h.peer.emitState(webrtc.PeerConnectionStateFailed)

		err := waitErr(t, done)
		require.ErrorIs(t, err, ErrPeerConnectionFailed)
		require.Equal(t, StateFailed, h.m.State())
	})
}

func TestRemoteSignals(t *testing.T) {
	t.Run("remote candidates wait for the answer", func(t *testing.T) {
		h := newHarness(t)
		done := h.connectAsync()
		h.waitForOffer(t)

		h.signal.incoming <- signalling.Candidate{Candidate: candidate(1)}
		h.signal.incoming <- signalling.Answer{SDP: "answer-sdp"}
		h.signal.incoming <- signalling.Candidate{Candidate: candidate(2)}

		testutils.WithTimeout(t, func() string {
			_, candidates, _ := h.peer.snapshot()
			if len(candidates) != 2 {
				return fmt.Sprintf("expected 2 remote candidates, got %d", len(candidates))
			}
			return ""
		})
		remote, candidates, _ := h.peer.snapshot()
		require.Equal(t, "answer-sdp", remote.SDP)
		require.Equal(t, webrtc.SDPTypeAnswer, remote.Type)
		require.Equal(t, []webrtc.ICECandidateInit{candidate(1), candidate(2)}, candidates)

		h.peer.dc.open()
		require.NoError(t, waitErr(t, done))
	})

	t.Run("unknown message is ignored", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)

		h.signal.incoming <- signalling.Unknown{RawType: "profile_update"}
		h.signal.incoming <- signalling.BitrateUpdate{Bitrate: 9000, SendRate: 930}

		testutils.WithTimeout(t, func() string {
			h.lock.Lock()
			defer h.lock.Unlock()
			if len(h.updates) != 1 {
				return "bitrate update not delivered"
			}
			return ""
		})
		require.Equal(t, StateConnected, h.m.State())
		require.NoError(t, h.m.Err())
	})

	t.Run("test complete tears down", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)

		h.signal.incoming <- signalling.TestComplete{Profile: "720p30"}

		testutils.WithTimeout(t, func() string {
			h.lock.Lock()
			defer h.lock.Unlock()
			if len(h.completions) != 1 {
				return "completion not delivered"
			}
			return ""
		})
		require.Equal(t, "720p30", h.completions[0].Profile)
		require.Equal(t, StateDisconnected, h.m.State())
		require.Equal(t, 1, h.signal.closeCount())
	})

	t.Run("abnormal control channel loss fails", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)

		h.signal.readErr <- errInjected
		testutils.WithTimeout(t, func() string {
			if h.m.State() != StateFailed {
				return "not failed"
			}
			return ""
		})
		var ccErr *ControlChannelError
		require.ErrorAs(t, h.m.Err(), &ccErr)
	})

	t.Run("normal control channel close disconnects", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)

		h.signal.readErr <- &websocket.CloseError{Code: websocket.CloseNormalClosure}
		testutils.WithTimeout(t, func() string {
			if h.m.State() != StateDisconnected {
				return "not disconnected"
			}
			return ""
		})
		require.NoError(t, h.m.Err())
	})
}

func TestPackets(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	for i := uint32(0); i < 5; i++ {
		payload := make([]byte, 8)
		binary.BigEndian.PutUint32(payload, i)
		h.peer.dc.receive(payload)
	}

	testutils.WithTimeout(t, func() string {
		h.lock.Lock()
		defer h.lock.Unlock()
		if len(h.packets) != 5 {
			return fmt.Sprintf("got %d packets", len(h.packets))
		}
		return ""
	})
	for i, p := range h.packets {
		require.Equal(t, uint32(i), binary.BigEndian.Uint32(p.Payload))
	}

	h.m.Disconnect()
	h.peer.dc.receive(make([]byte, 8))
	time.Sleep(20 * time.Millisecond)

	h.lock.Lock()
	defer h.lock.Unlock()
	require.Len(t, h.packets, 5)
}

func TestMetricsReport(t *testing.T) {
	t.Run("dropped before control channel opens", func(t *testing.T) {
		h := newHarness(t)
		h.m.SendMetricsReport(metrics.Report{Sequence: 1})
		require.Empty(t, h.signal.messages())
	})

	t.Run("relayed while open", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)

		throughput := 8000.0
		h.m.SendMetricsReport(metrics.Report{LossRate: 0.1, Jitter: 2, Sequence: 9, Throughput: &throughput})
		msgs := h.signal.messages()
		require.Equal(t, signalling.MetricsReport{
			LossRate:         0.1,
			Jitter:           2,
			Sequence:         9,
			ActualThroughput: &throughput,
		}, msgs[len(msgs)-1])
	})

	t.Run("dropped after disconnect", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.m.Disconnect()

		before := len(h.signal.messages())
		h.m.SendMetricsReport(metrics.Report{Sequence: 1})
		require.Len(t, h.signal.messages(), before)
	})

	t.Run("write failure is swallowed", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)

		h.signal.lock.Lock()
		h.signal.writeErr = errors.New("broken pipe")
		h.signal.lock.Unlock()
		h.m.SendMetricsReport(metrics.Report{Sequence: 1})
		require.Equal(t, StateConnected, h.m.State())
	})
}

func TestDisconnect(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)

		h.m.Disconnect()
		h.m.Disconnect()

		_, _, peerCloses := h.peer.snapshot()
		require.Equal(t, 1, peerCloses)
		require.Equal(t, 1, h.peer.dc.closeCount())
		require.Equal(t, 1, h.signal.closeCount())
		require.Equal(t, StateDisconnected, h.m.State())
	})

	t.Run("before connect", func(t *testing.T) {
		h := newHarness(t)
		h.m.Disconnect()
		require.Equal(t, StateDisconnected, h.m.State())
		require.Equal(t, 0, h.signal.closeCount())
	})

	t.Run("reentrant from state observer", func(t *testing.T) {
		h := newHarness(t)
		h.m.StateChanges().Subscribe(func(s State) {
			if s == StateDisconnected {
				h.m.Disconnect()
			}
		})
		h.connect(t)
		h.m.Disconnect()

		testutils.WithTimeout(t, func() string {
			states := h.observedStates()
			if len(states) != 3 || states[2] != StateDisconnected {
				return fmt.Sprintf("unexpected states %v", states)
			}
			return ""
		})
	})

	t.Run("releases observers", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.m.Disconnect()

		testutils.WithTimeout(t, func() string {
			switch {
			case h.m.StateChanges().HasObservers():
				return "state observers left"
			case h.m.Packets().HasObservers():
				return "packet observers left"
			case h.m.SendRateUpdates().HasObservers():
				return "send rate observers left"
			case h.m.TestCompletions().HasObservers():
				return "completion observers left"
			case h.m.SignalReady().HasObservers():
				return "signal ready observers left"
			}
			return ""
		})

		sent := len(h.signal.messages())
		// late library callbacks after teardown
		h.peer.dc.receive(make([]byte, 8))
		h.peer.emitState(webrtc.PeerConnectionStateFailed)
		h.peer.emitCandidate(candidate(9))

		drained := make(chan struct{})
		require.True(t, h.loop.Enqueue(func() { close(drained) }))
		select {
		case <-drained:
		case <-time.After(testutils.ConditionTimeout):
			t.Fatal("loop did not drain")
		}

		h.lock.Lock()
		defer h.lock.Unlock()
		require.Empty(t, h.packets)
		require.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, h.states)
		require.Equal(t, StateDisconnected, h.m.State())
		require.Len(t, h.signal.messages(), sent)
	})

	t.Run("failed then disconnected", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.peer.emitState(webrtc.PeerConnectionStateFailed)
		require.Equal(t, StateFailed, h.m.State())
		var transportErr *TransportError
		require.ErrorAs(t, h.m.Err(), &transportErr)

		h.m.Disconnect()
		require.Equal(t, StateDisconnected, h.m.State())
	})
}
