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
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/litmus/pkg/config"
	"github.com/livekit/litmus/pkg/rtc"
	"github.com/livekit/litmus/pkg/rtc/signalling"
	"github.com/livekit/litmus/pkg/telemetry/prometheus"
	"github.com/livekit/litmus/pkg/tuner"
)

type signalConnection interface {
	signalling.MessageSource
	signalling.MessageSink
	Close() error
}

type litmusSessionParams struct {
	ConnID       string
	Signal       signalConnection
	API          *webrtc.API
	WebRTC       *rtc.WebRTCConfig
	StreamConfig *config.StreamConfig
	Tuner        tuner.Tuner
	Logger       logger.Logger
}

// litmusSession is the server side of one test: it answers the client's offer, streams test
// packets once the datagram channel opens and feeds quality reports into the tuner.
type litmusSession struct {
	params    litmusSessionParams
	pc        *webrtc.PeerConnection
	startedAt time.Time

	lock              sync.Mutex
	answered          bool
	pendingCandidates []webrtc.ICECandidateInit
	streamer          *streamer

	completeOnce sync.Once
	closeOnce    sync.Once
	closed       core.Fuse
}

func newLitmusSession(params litmusSessionParams) (*litmusSession, error) {
	pc, err := params.API.NewPeerConnection(params.WebRTC.Configuration)
	if err != nil {
		return nil, errors.Wrap(err, "could not create peer connection")
	}

	s := &litmusSession{
		params:    params,
		pc:        pc,
		startedAt: time.Now(),
	}
	pc.OnICECandidate(s.onICECandidate)
	pc.OnConnectionStateChange(s.onConnectionStateChange)
	pc.OnDataChannel(s.onDataChannel)
	return s, nil
}

func (s *litmusSession) info(now time.Time) sessionInfo {
	directive := s.params.Tuner.Directive()
	return sessionInfo{
		ConnID:      s.params.ConnID,
		Tuner:       s.params.Tuner.Kind(),
		Age:         now.Sub(s.startedAt),
		PeerState:   s.pc.ConnectionState().String(),
		BitrateKbps: directive.BitrateKbps,
		Profile:     directive.Profile,
		SendRate:    s.params.Tuner.ServerEffectiveRate(),
		Complete:    s.params.Tuner.IsComplete(),
	}
}

// Run reads control messages until the client goes away or the session is closed.
func (s *litmusSession) Run() error {
	defer s.Close()

	for {
		msg, err := s.params.Signal.ReadMessage()
		if err != nil {
			if s.closed.IsBroken() || signalling.IsWebSocketCloseError(err) {
				return nil
			}
			return err
		}
		prometheus.RecordMessage(string(msg.Type()), "in")

		if err := s.handleMessage(msg); err != nil {
			return err
		}
	}
}

func (s *litmusSession) handleMessage(msg signalling.Message) error {
	switch m := msg.(type) {
	case signalling.Offer:
		return s.handleOffer(m)

	case signalling.Candidate:
		if err := s.pc.AddICECandidate(m.Candidate); err != nil {
			s.params.Logger.Warnw("could not add remote candidate", err, "candidate", m.Candidate.Candidate)
		}

	case signalling.MetricsReport:
		s.handleMetricsReport(m)

	case signalling.Unknown:
		s.params.Logger.Warnw("unknown message type", nil, "type", m.RawType)

	default:
		s.params.Logger.Debugw("ignoring message", "type", msg.Type())
	}
	return nil
}

func (s *litmusSession) handleOffer(offer signalling.Offer) error {
	s.lock.Lock()
	answered := s.answered
	s.lock.Unlock()
	if answered {
		return ErrUnexpectedOffer
	}

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return errors.Wrap(err, "could not set remote description")
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return errors.Wrap(err, "could not create answer")
	}
	if err = s.pc.SetLocalDescription(answer); err != nil {
		return errors.Wrap(err, "could not set local description")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if err = s.writeLocked(signalling.Answer{SDP: answer.SDP}); err != nil {
		return err
	}
	s.answered = true

	// candidates gathered before the answer went out follow it in order
	for _, c := range s.pendingCandidates {
		if err = s.writeLocked(signalling.Candidate{Candidate: c}); err != nil {
			return err
		}
	}
	s.pendingCandidates = nil
	return nil
}

func (s *litmusSession) handleMetricsReport(report signalling.MetricsReport) {
	t := s.params.Tuner
	t.Observe(report)

	directive := t.Directive()
	complete := t.IsComplete()
	if err := s.write(signalling.BitrateUpdate{
		Bitrate:  directive.BitrateKbps,
		SendRate: tuner.PacketRate(directive.BitrateKbps, s.params.StreamConfig.PacketSize),
		Profile:  directive.Profile,
		Final:    complete,
	}); err != nil {
		s.params.Logger.Debugw("could not send bitrate update", "error", err)
	}

	if complete {
		s.complete()
	}
}

// complete stops streaming and announces the tuner's result. It runs at most once.
func (s *litmusSession) complete() {
	s.completeOnce.Do(func() {
		s.lock.Lock()
		st := s.streamer
		s.lock.Unlock()
		if st != nil {
			st.Stop()
		}

		if s.closed.IsBroken() {
			return
		}

		res := s.params.Tuner.Result()
		s.params.Logger.Infow("test complete",
			"profile", res.Profile,
			"bitrate", res.BitrateKbps,
			"lossRate", res.LossRate,
			"jitter", res.Jitter,
		)
		if err := s.write(signalling.TestComplete{
			Profile: res.Profile,
			Bitrate: res.BitrateKbps,
		}); err != nil {
			s.params.Logger.Debugw("could not send test complete", "error", err)
		}
	})
}

func (s *litmusSession) onICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()

	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.answered {
		s.pendingCandidates = append(s.pendingCandidates, init)
		return
	}
	if err := s.writeLocked(signalling.Candidate{Candidate: init}); err != nil {
		s.params.Logger.Debugw("could not send candidate", "error", err)
	}
}

func (s *litmusSession) onConnectionStateChange(state webrtc.PeerConnectionState) {
	s.params.Logger.Debugw("peer connection state changed", "state", state.String())
	prometheus.RecordSessionState(state.String())

	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		s.Close()
	}
}

func (s *litmusSession) onDataChannel(dc *webrtc.DataChannel) {
	if dc.Label() != s.params.WebRTC.Label {
		s.params.Logger.Debugw("unexpected data channel label", "label", dc.Label())
	}

	dc.OnOpen(func() {
		s.lock.Lock()
		if s.streamer != nil || s.closed.IsBroken() {
			s.lock.Unlock()
			return
		}
		st := newStreamer(streamerParams{
			Config:  s.params.StreamConfig,
			Tuner:   s.params.Tuner,
			Channel: dc,
			Logger:  s.params.Logger,
			OnDone: func(err error) {
				if err != nil && !s.closed.IsBroken() {
					s.params.Logger.Warnw("streaming stopped", err)
				}
				s.complete()
			},
		})
		s.streamer = st
		s.lock.Unlock()

		s.params.Logger.Infow("data channel open, streaming", "label", dc.Label())
		st.Start()
	})
}

func (s *litmusSession) write(msg signalling.Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.writeLocked(msg)
}

func (s *litmusSession) writeLocked(msg signalling.Message) error {
	if err := s.params.Signal.WriteMessage(msg); err != nil {
		return err
	}
	prometheus.RecordMessage(string(msg.Type()), "out")
	return nil
}

func (s *litmusSession) Close() {
	s.closeOnce.Do(func() {
		s.closed.Break()

		s.lock.Lock()
		st := s.streamer
		s.lock.Unlock()
		if st != nil {
			st.Stop()
		}

		if err := s.pc.Close(); err != nil {
			s.params.Logger.Debugw("error closing peer connection", "error", err)
		}
		_ = s.params.Signal.Close()
	})
}
