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
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/litmus/pkg/config"
	"github.com/livekit/litmus/pkg/rtc"
	"github.com/livekit/litmus/pkg/rtc/signalling"
	"github.com/livekit/litmus/pkg/telemetry/prometheus"
	"github.com/livekit/litmus/pkg/tuner"
	"github.com/livekit/litmus/pkg/utils"
)

const healthResponse = "Litmus OK"

// LitmusService accepts test clients on the signal path and runs one litmusSession per connection.
type LitmusService struct {
	conf     *config.Config
	webrtc   *rtc.WebRTCConfig
	api      *webrtc.API
	upgrader websocket.Upgrader
	profiles []tuner.VideoProfile
	logger   logger.Logger

	sessions    sync.Map
	numSessions atomic.Int32
	stopped     atomic.Bool
}

func NewLitmusService(conf *config.Config, l logger.Logger) (*LitmusService, error) {
	if l == nil {
		l = logger.GetLogger()
	}
	wc, err := rtc.NewWebRTCConfig(&conf.RTC, rtc.NewLoggerFactory(l, conf.Logging.PionLevel))
	if err != nil {
		return nil, err
	}

	s := &LitmusService{
		conf:     conf,
		webrtc:   wc,
		api:      wc.NewAPI(),
		profiles: tuner.DefaultProfiles(),
		logger:   l,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
		},
	}

	// allow connections from any origin, the test page may be hosted anywhere
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	return s, nil
}

// SignalPath is where clients connect, HealthPath answers liveness checks.
func (s *LitmusService) SignalPath() string {
	return "/" + strings.Trim(s.conf.Signal.Path, "/")
}

func (s *LitmusService) HealthPath() string {
	return s.SignalPath() + "/health"
}

func (s *LitmusService) SessionsPath() string {
	return s.SignalPath() + "/sessions"
}

func (s *LitmusService) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle(s.SignalPath(), s)
	mux.HandleFunc(s.HealthPath(), s.handleHealth)
	if s.conf.Development {
		mux.HandleFunc(s.SessionsPath(), s.handleSessions)
	}
}

func (s *LitmusService) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte(healthResponse))
}

func (s *LitmusService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.stopped.Load() {
		handleError(w, r, http.StatusServiceUnavailable, ErrSessionClosed)
		return
	}

	connID := utils.NewGuid(utils.ConnectionPrefix)
	l := s.logger.WithValues("connID", connID, "remote", GetClientIP(r))

	t, err := tuner.New(tuner.Params{
		Config:   &s.conf.Tuner,
		Profiles: s.profiles,
		Logger:   l,
	})
	if err != nil {
		handleError(w, r, http.StatusInternalServerError, err)
		return
	}

	// upgrade only once the basics are good to go
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warnw("could not upgrade to WS", err)
		return
	}
	sigConn := signalling.NewWSSignalConnection(conn, signalling.WSSignalConnectionParams{
		PingInterval: s.conf.Signal.PingInterval,
		PingTimeout:  s.conf.Signal.PingTimeout,
		Logger:       l,
	})

	sess, err := newLitmusSession(litmusSessionParams{
		ConnID:       connID,
		Signal:       sigConn,
		API:          s.api,
		WebRTC:       s.webrtc,
		StreamConfig: &s.conf.Stream,
		Tuner:        t,
		Logger:       l,
	})
	if err != nil {
		l.Errorw("could not start litmus session", err)
		_ = sigConn.Close()
		return
	}

	s.sessions.Store(connID, sess)
	s.numSessions.Inc()
	prometheus.AddActiveSession(1)
	l.Infow("litmus client connected", "tuner", t.Kind())

	defer func() {
		s.sessions.Delete(connID)
		s.numSessions.Dec()
		prometheus.AddActiveSession(-1)
		l.Infow("litmus client disconnected")
	}()

	if err = sess.Run(); err != nil {
		l.Warnw("litmus session ended with error", err)
	}
}

func (s *LitmusService) ActiveSessions() int {
	return int(s.numSessions.Load())
}

// Stop refuses new clients and closes every running session.
func (s *LitmusService) Stop() {
	s.stopped.Store(true)
	s.sessions.Range(func(_, value any) bool {
		value.(*litmusSession).Close()
		return true
	})
}
