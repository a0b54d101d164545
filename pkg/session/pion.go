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
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/litmus/pkg/config"
	"github.com/livekit/litmus/pkg/rtc"
	"github.com/livekit/litmus/pkg/rtc/signalling"
)

type pionPeer struct {
	*webrtc.PeerConnection
}

func (p pionPeer) CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error) {
	dc, err := p.PeerConnection.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (p pionPeer) OnICECandidate(f func(candidate *webrtc.ICECandidateInit)) {
	p.PeerConnection.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		init := c.ToJSON()
		f(&init)
	})
}

type PionPeerFactory struct {
	conf *rtc.WebRTCConfig
	api  *webrtc.API
}

func NewPionPeerFactory(conf *rtc.WebRTCConfig) *PionPeerFactory {
	return &PionPeerFactory{
		conf: conf,
		api:  conf.NewAPI(),
	}
}

func (f *PionPeerFactory) NewPeer() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.conf.Configuration)
	if err != nil {
		return nil, err
	}
	return pionPeer{PeerConnection: pc}, nil
}

type WSDialer struct {
	conf   *config.SignalConfig
	logger logger.Logger
	dialer *websocket.Dialer
}

func NewWSDialer(conf *config.SignalConfig, l logger.Logger) *WSDialer {
	return &WSDialer{
		conf:   conf,
		logger: l,
		dialer: websocket.DefaultDialer,
	}
}

func (d *WSDialer) Dial(ctx context.Context, url string) (SignalConnection, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "could not dial %s: %s", url, http.StatusText(resp.StatusCode))
		}
		return nil, errors.Wrapf(err, "could not dial %s", url)
	}

	return signalling.NewWSSignalConnection(conn, signalling.WSSignalConnectionParams{
		PingInterval: d.conf.PingInterval,
		PingTimeout:  d.conf.PingTimeout,
		Logger:       d.logger,
	}), nil
}
