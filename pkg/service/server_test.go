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
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/litmus/pkg/config"
	"github.com/livekit/litmus/pkg/rtc"
	"github.com/livekit/litmus/pkg/session"
	"github.com/livekit/litmus/pkg/tester"
	"github.com/livekit/litmus/pkg/testutils"
	"github.com/livekit/litmus/pkg/utils"
)

func newTestConfig() *config.Config {
	conf := config.DefaultConfig
	conf.Port = 0
	conf.RTC = testRTCConfig()
	conf.RTC.ConnectTimeout = 10 * time.Second
	conf.Stream.MaxTestDuration = 20 * time.Second
	conf.Tuner.Kind = config.TunerKindBitrate
	conf.Tuner.Bitrate = config.BitrateTunerConfig{
		AdaptInterval:      100 * time.Millisecond,
		StableIntervals:    2,
		FailureIntervals:   100,
		DeviationIntervals: 100,
		InitialBitrate:     500,
		MaxBitrate:         500,
		MinBitrate:         100,
		StepSize:           100,
		MaxLossRate:        0.5,
		MaxJitter:          1000,
		MaxDeviation:       10,
		MinImprovement:     0.05,
	}
	return &conf
}

func newTestServer(t *testing.T, conf *config.Config) (*LitmusServer, *LitmusService) {
	svc, err := NewLitmusService(conf, logger.GetLogger())
	require.NoError(t, err)
	return NewLitmusServer(conf, svc), svc
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t, newTestConfig())

	w := get(t, server.Handler(), "/litmus/health")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Litmus OK", w.Body.String())

	w = get(t, server.Handler(), "//litmus/health")
	require.Equal(t, "Litmus OK", w.Body.String())

	// plain requests to the signal path are not websocket upgrades
	w = get(t, server.Handler(), "/litmus")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPathBase(t *testing.T) {
	conf := newTestConfig()
	conf.Signal.Path = "/base/litmus/"
	server, svc := newTestServer(t, conf)
	require.Equal(t, "/base/litmus", svc.SignalPath())

	w := get(t, server.Handler(), "/base/litmus/health")
	require.Equal(t, "Litmus OK", w.Body.String())

	w = get(t, server.Handler(), "/litmus/health")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORS(t *testing.T) {
	server, _ := newTestServer(t, newTestConfig())

	r := httptest.NewRequest(http.MethodGet, "/litmus/health", nil)
	r.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, r)
	require.Equal(t, "https://example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServerStartStop(t *testing.T) {
	conf := newTestConfig()
	conf.BindAddresses = []string{"127.0.0.1"}
	server, svc := newTestServer(t, conf)

	done := make(chan error, 1)
	go func() {
		done <- server.Start()
	}()
	testutils.WithTimeout(t, func() string {
		if !server.IsRunning() {
			return "server not running"
		}
		return ""
	})
	require.ErrorIs(t, server.Start(), ErrAlreadyRunning)

	server.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testutils.ConditionTimeout):
		t.Fatal("server did not stop")
	}
	require.False(t, server.IsRunning())

	// stopped services turn clients away
	w := get(t, svc, "/litmus")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type recordingSink struct {
	tester.NoopSink
	states []session.State
}

func (s *recordingSink) DisplayState(state session.State) {
	s.states = append(s.states, state)
}

func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end to end session in short mode")
	}
	conf := newTestConfig()
	server, svc := newTestServer(t, conf)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	defer svc.Stop()

	res, err := http.Get(ts.URL + "/litmus/health")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	_ = res.Body.Close()
	require.NoError(t, err)
	require.Equal(t, "Litmus OK", string(body))

	wc, err := rtc.NewWebRTCConfig(&conf.RTC, rtc.NewLoggerFactory(logger.GetLogger(), "error"))
	require.NoError(t, err)
	peers := session.NewPionPeerFactory(wc)
	dialer := session.NewWSDialer(&conf.Signal, logger.GetLogger())

	// sink callbacks run on the tester's queue
	sink := &recordingSink{}
	tst := tester.New(tester.Params{
		MetricsConfig: &conf.Metrics,
		NewSession: func(loop *utils.OpsQueue) tester.TransportSession {
			return session.NewManager(session.ManagerParams{
				Config:       &conf.RTC,
				SignalConfig: &conf.Signal,
				Peers:        peers,
				Dialer:       dialer,
				Loop:         loop,
			})
		},
		Sink: sink,
	})
	defer tst.Close()

	outcomes := make(chan tester.Outcome, 1)
	tst.Finished().Subscribe(func(o tester.Outcome) {
		outcomes <- o
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, tst.StartTest(ctx, strings.TrimPrefix(ts.URL, "http://"), false))

	select {
	case o := <-outcomes:
		require.NoError(t, o.Err)
		require.NotNil(t, o.Result)
		require.Equal(t, uint32(500), o.Result.BitrateKbps)
		require.Greater(t, o.Result.Metrics.Packets, uint64(0))
		require.Equal(t, session.StateDisconnected, o.State)
		require.Contains(t, sink.states, session.StateConnected)
	case <-time.After(15 * time.Second):
		t.Fatal("test did not complete")
	}

	testutils.WithTimeout(t, func() string {
		if svc.ActiveSessions() != 0 {
			return "server session still active"
		}
		return ""
	})
}
