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
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/litmus/pkg/config"
	"github.com/livekit/litmus/pkg/metrics"
	"github.com/livekit/litmus/pkg/rtc/signalling"
	"github.com/livekit/litmus/pkg/telemetry/prometheus"
	"github.com/livekit/litmus/pkg/utils"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type ManagerParams struct {
	Config       *config.RTCConfig
	SignalConfig *config.SignalConfig
	Peers        PeerFactory
	Dialer       SignalDialer
	// queue that subscriber callbacks run on; the manager owns one if nil
	Loop   *utils.OpsQueue
	Logger logger.Logger
}

// Manager brings up one datagram channel through a websocket signalling handshake and relays
// control messages in both directions. A Manager is single use: once disconnected or failed,
// a new one is required.
type Manager struct {
	params   ManagerParams
	ownsLoop bool

	lock              sync.Mutex
	state             State
	used              bool
	closed            bool
	pc                PeerConnection
	dc                DataChannel
	signal            SignalConnection
	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit
	pendingRemote     []webrtc.ICECandidateInit
	err               error

	opened   core.Fuse
	failed   core.Fuse
	shutdown core.Fuse

	stateChanges    utils.EventStream[State]
	packets         utils.EventStream[metrics.Packet]
	sendRateUpdates utils.EventStream[signalling.BitrateUpdate]
	completions     utils.EventStream[signalling.TestComplete]
	signalReady     utils.EventStream[struct{}]
}

func NewManager(params ManagerParams) *Manager {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Config == nil {
		conf := config.DefaultConfig.RTC
		params.Config = &conf
	}
	if params.SignalConfig == nil {
		conf := config.DefaultConfig.Signal
		params.SignalConfig = &conf
	}

	m := &Manager{
		params: params,
	}
	if m.params.Loop == nil {
		m.params.Loop = utils.NewOpsQueue(params.Logger, "session")
		m.params.Loop.Start()
		m.ownsLoop = true
	}
	return m
}

func (m *Manager) StateChanges() *utils.EventStream[State] {
	return &m.stateChanges
}

func (m *Manager) Packets() *utils.EventStream[metrics.Packet] {
	return &m.packets
}

func (m *Manager) SendRateUpdates() *utils.EventStream[signalling.BitrateUpdate] {
	return &m.sendRateUpdates
}

func (m *Manager) TestCompletions() *utils.EventStream[signalling.TestComplete] {
	return &m.completions
}

// SignalReady fires once the control channel is open and the offer has been sent.
func (m *Manager) SignalReady() *utils.EventStream[struct{}] {
	return &m.signalReady
}

func (m *Manager) State() State {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.state
}

// Err returns the failure that moved the session to Failed, if any.
func (m *Manager) Err() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.err
}

// SignalURL builds the control channel endpoint for a host address, which may carry a path prefix.
func SignalURL(address string, secure bool, path string) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}

	address = strings.TrimPrefix(strings.TrimPrefix(address, "ws://"), "wss://")
	address = strings.TrimPrefix(strings.TrimPrefix(address, "http://"), "https://")
	host, prefix, _ := strings.Cut(address, "/")
	prefix = strings.TrimSuffix(prefix, "/")

	u := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   "/" + prefix + path,
	}
	if prefix == "" {
		u.Path = path
	}
	return u.String()
}

// Connect negotiates the datagram channel and blocks until it opens, negotiation fails,
// ctx is done or the connect timeout elapses.
func (m *Manager) Connect(ctx context.Context, address string, secure bool) error {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return ErrSessionClosed
	}
	if m.used {
		m.lock.Unlock()
		return ErrSessionUsed
	}
	m.used = true
	changed := m.transitionLocked(StateConnecting)
	m.lock.Unlock()
	if changed {
		m.notifyState(StateConnecting)
	}

	signalURL := SignalURL(address, secure, m.params.SignalConfig.Path)
	m.params.Logger.Infow("connecting", "url", signalURL)
	sw := utils.NewStopwatch("connect")

	pc, err := m.params.Peers.NewPeer()
	if err != nil {
		return m.fail(&HandshakeError{Op: "create peer connection", Err: err})
	}
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		_ = pc.Close()
		return ErrSessionClosed
	}
	m.pc = pc
	m.lock.Unlock()

	pc.OnICECandidate(m.onLocalCandidate)
	pc.OnConnectionStateChange(m.onPeerConnectionState)

	ordered := m.params.Config.Ordered
	maxRetransmits := m.params.Config.MaxRetransmits
	dc, err := pc.CreateDataChannel(m.params.Config.DataChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return m.fail(&HandshakeError{Op: "create data channel", Err: err})
	}
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		_ = dc.Close()
		return ErrSessionClosed
	}
	m.dc = dc
	m.lock.Unlock()

	dc.OnOpen(m.onChannelOpen)
	dc.OnClose(m.onChannelClose)
	dc.OnMessage(m.onChannelMessage)
	dc.OnError(m.onChannelError)

	sw.Mark("peer")

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return m.fail(&HandshakeError{Op: "create offer", Err: err})
	}
	if err = pc.SetLocalDescription(offer); err != nil {
		return m.fail(&HandshakeError{Op: "set local description", Err: err})
	}
	sw.Mark("offer")

	signal, err := m.params.Dialer.Dial(ctx, signalURL)
	if err != nil {
		return m.fail(&ControlChannelError{Err: err})
	}
	sw.Mark("dial")

	if err = m.openSignal(signal, offer); err != nil {
		return err
	}
	go m.readSignal(signal)

	if err = m.waitForOpen(ctx); err != nil {
		return err
	}
	sw.Mark("open")
	m.params.Logger.Infow("data channel ready", sw.Fields()...)
	return nil
}

// openSignal sends the offer and flushes buffered candidates in one critical section so
// candidates gathered concurrently are forwarded after the flush, never interleaved with it.
func (m *Manager) openSignal(signal SignalConnection, offer webrtc.SessionDescription) error {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		_ = signal.Close()
		return ErrSessionClosed
	}
	m.signal = signal

	if err := signal.WriteMessage(signalling.Offer{SDP: offer.SDP}); err != nil {
		m.lock.Unlock()
		return m.fail(&HandshakeError{Op: "send offer", Err: err})
	}
	prometheus.RecordMessage(string(signalling.MessageTypeOffer), "out")

	pending := m.pendingCandidates
	m.pendingCandidates = nil
	for _, c := range pending {
		if err := signal.WriteMessage(signalling.Candidate{Candidate: c}); err != nil {
			m.params.Logger.Warnw("could not send candidate", err)
			continue
		}
		prometheus.RecordMessage(string(signalling.MessageTypeCandidate), "out")
	}
	m.lock.Unlock()

	m.params.Logger.Debugw("control channel open", "flushedCandidates", len(pending))
	m.params.Loop.Enqueue(func() {
		m.signalReady.Notify(struct{}{})
	})
	return nil
}

func (m *Manager) waitForOpen(ctx context.Context) error {
	var timeout <-chan time.Time
	if m.params.Config.ConnectTimeout > 0 {
		timer := time.NewTimer(m.params.Config.ConnectTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-m.opened.Watch():
		return nil
	case <-m.failed.Watch():
		return m.Err()
	case <-m.shutdown.Watch():
		if m.opened.IsBroken() {
			return nil
		}
		return ErrSessionClosed
	case <-ctx.Done():
		return m.fail(&HandshakeError{Op: "connect", Err: ctx.Err()})
	case <-timeout:
		return m.fail(&HandshakeError{Op: "connect", Err: ErrConnectTimeout})
	}
}

// SendMetricsReport relays a report to the peer if the control channel is open. Reports are
// never buffered.
func (m *Manager) SendMetricsReport(report metrics.Report) {
	m.lock.Lock()
	signal := m.signal
	closed := m.closed
	m.lock.Unlock()

	if closed || signal == nil {
		m.params.Logger.Debugw("control channel not open, dropping report", "sequence", report.Sequence)
		return
	}

	err := signal.WriteMessage(signalling.MetricsReport{
		LossRate:         report.LossRate,
		Jitter:           report.Jitter,
		Sequence:         report.Sequence,
		ActualThroughput: report.Throughput,
	})
	if err != nil {
		m.params.Logger.Debugw("could not send report", "error", err)
		return
	}
	prometheus.RecordMessage(string(signalling.MessageTypeMetricsReport), "out")
}

// Disconnect closes the data channel, peer connection and control channel in that order and
// moves to Disconnected. Calls after the first are no-ops.
func (m *Manager) Disconnect() {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return
	}
	m.closed = true
	m.used = true
	dc, pc, signal := m.dc, m.pc, m.signal
	m.dc, m.pc, m.signal = nil, nil, nil
	m.pendingCandidates = nil
	m.pendingRemote = nil
	changed := m.transitionLocked(StateDisconnected)
	m.lock.Unlock()

	m.shutdown.Break()
	if changed {
		m.notifyState(StateDisconnected)
	}
	// after the final state change nothing else is delivered
	m.params.Loop.Enqueue(m.clearSubscriptions)

	if dc != nil {
		if err := dc.Close(); err != nil {
			m.params.Logger.Debugw("could not close data channel", "error", err)
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			m.params.Logger.Debugw("could not close peer connection", "error", err)
		}
	}
	if signal != nil {
		if err := signal.Close(); err != nil {
			m.params.Logger.Debugw("could not close control channel", "error", err)
		}
	}

	if m.ownsLoop {
		m.params.Loop.Stop()
	}
	m.params.Logger.Infow("disconnected")
}

func (m *Manager) clearSubscriptions() {
	m.stateChanges.Clear()
	m.packets.Clear()
	m.sendRateUpdates.Clear()
	m.completions.Clear()
	m.signalReady.Clear()
}

func (m *Manager) isClosed() bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.closed
}

func (m *Manager) fail(err error) error {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return err
	}
	if m.err == nil {
		m.err = err
	}
	changed := m.transitionLocked(StateFailed)
	m.lock.Unlock()

	if changed {
		m.params.Logger.Errorw("session failed", err)
		m.notifyState(StateFailed)
	}
	m.failed.Break()
	return err
}

// transitionLocked applies a state change if the state machine allows it.
func (m *Manager) transitionLocked(to State) bool {
	from := m.state
	allowed := false
	switch to {
	case StateConnecting:
		allowed = from == StateDisconnected
	case StateConnected:
		allowed = from == StateConnecting
	case StateFailed:
		allowed = from == StateConnecting || from == StateConnected
	case StateDisconnected:
		allowed = from != StateDisconnected
	}
	if !allowed {
		return false
	}

	m.state = to
	prometheus.RecordSessionState(to.String())
	return true
}

func (m *Manager) notifyState(state State) {
	m.params.Loop.Enqueue(func() {
		m.stateChanges.Notify(state)
	})
}

func (m *Manager) onLocalCandidate(c *webrtc.ICECandidateInit) {
	if c == nil {
		return
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed {
		return
	}
	if m.signal == nil {
		m.pendingCandidates = append(m.pendingCandidates, *c)
		return
	}
	if err := m.signal.WriteMessage(signalling.Candidate{Candidate: *c}); err != nil {
		m.params.Logger.Warnw("could not send candidate", err)
		return
	}
	prometheus.RecordMessage(string(signalling.MessageTypeCandidate), "out")
}

func (m *Manager) onPeerConnectionState(state webrtc.PeerConnectionState) {
	m.params.Logger.Debugw("peer connection state changed", "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateFailed:
		if m.opened.IsBroken() {
			m.fail(&TransportError{Err: ErrPeerConnectionFailed})
		} else {
			m.fail(&HandshakeError{Op: "ice", Err: ErrPeerConnectionFailed})
		}
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		m.Disconnect()
	}
}

func (m *Manager) onChannelOpen() {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return
	}
	changed := m.transitionLocked(StateConnected)
	m.lock.Unlock()

	if changed {
		m.params.Logger.Infow("data channel open", "label", m.params.Config.DataChannelLabel)
		m.notifyState(StateConnected)
		m.opened.Break()
	}
}

func (m *Manager) onChannelClose() {
	m.Disconnect()
}

func (m *Manager) onChannelError(err error) {
	m.fail(&TransportError{Err: err})
}

func (m *Manager) onChannelMessage(msg webrtc.DataChannelMessage) {
	if m.isClosed() {
		return
	}

	p := metrics.Packet{
		Payload:    msg.Data,
		ReceivedAt: time.Now(),
	}
	m.params.Loop.Enqueue(func() {
		m.packets.Notify(p)
	})
}

func (m *Manager) readSignal(signal SignalConnection) {
	for {
		msg, err := signal.ReadMessage()
		if err != nil {
			if m.isClosed() {
				return
			}
			if signalling.IsNormalClosure(err) {
				m.params.Logger.Infow("control channel closed by peer")
				m.Disconnect()
				return
			}
			m.fail(&ControlChannelError{Err: err})
			return
		}
		prometheus.RecordMessage(string(msg.Type()), "in")

		switch msg := msg.(type) {
		case signalling.Answer:
			if err := m.applyAnswer(msg); err != nil {
				m.fail(&HandshakeError{Op: "set remote description", Err: err})
				return
			}
		case signalling.Candidate:
			if err := m.addRemoteCandidate(msg.Candidate); err != nil {
				m.fail(&HandshakeError{Op: "add ice candidate", Err: err})
				return
			}
		case signalling.BitrateUpdate:
			m.params.Loop.Enqueue(func() {
				m.sendRateUpdates.Notify(msg)
			})
		case signalling.TestComplete:
			m.params.Logger.Infow("test complete", "profile", msg.Profile, "bitrate", msg.Bitrate)
			m.params.Loop.Enqueue(func() {
				m.completions.Notify(msg)
			})
			m.Disconnect()
			return
		default:
			m.params.Logger.Warnw("ignoring unknown control message", nil, "type", msg.Type())
		}
	}
}

// applyAnswer sets the remote description, then applies remote candidates that arrived before it.
func (m *Manager) applyAnswer(answer signalling.Answer) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed || m.pc == nil {
		return nil
	}
	if err := m.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return err
	}
	m.remoteDescSet = true

	pending := m.pendingRemote
	m.pendingRemote = nil
	for _, c := range pending {
		if err := m.pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) addRemoteCandidate(c webrtc.ICECandidateInit) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed || m.pc == nil {
		return nil
	}
	if !m.remoteDescSet {
		m.pendingRemote = append(m.pendingRemote, c)
		return nil
	}
	return m.pc.AddICECandidate(c)
}
