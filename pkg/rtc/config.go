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

package rtc

import (
	"github.com/pion/ice/v2"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/litmus/pkg/config"
)

type WebRTCConfig struct {
	Configuration webrtc.Configuration
	SettingEngine webrtc.SettingEngine
	DataChannel   webrtc.DataChannelInit
	Label         string
}

func NewWebRTCConfig(conf *config.RTCConfig, lf logging.LoggerFactory) (*WebRTCConfig, error) {
	c := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	s := webrtc.SettingEngine{
		LoggerFactory: lf,
	}

	if conf.ICEPortRangeStart != 0 && conf.ICEPortRangeEnd != 0 {
		if err := s.SetEphemeralUDPPortRange(conf.ICEPortRangeStart, conf.ICEPortRangeEnd); err != nil {
			return nil, err
		}
	}

	if len(conf.ICEServers) > 0 {
		c.ICEServers = []webrtc.ICEServer{
			{
				URLs: conf.ICEServers,
			},
		}
	}
	if conf.NodeIP != "" {
		s.SetNAT1To1IPs([]string{conf.NodeIP}, webrtc.ICECandidateTypeHost)
	}
	if conf.IncludeLoopbackCandidate {
		s.SetIncludeLoopbackCandidate(true)
	}
	if conf.DisableMDNS {
		s.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}

	ordered := conf.Ordered
	maxRetransmits := conf.MaxRetransmits
	return &WebRTCConfig{
		Configuration: c,
		SettingEngine: s,
		Label:         conf.DataChannelLabel,
		DataChannel: webrtc.DataChannelInit{
			Ordered:        &ordered,
			MaxRetransmits: &maxRetransmits,
		},
	}, nil
}

// NewAPI builds a pion API bound to this config's setting engine.
func (c *WebRTCConfig) NewAPI() *webrtc.API {
	return webrtc.NewAPI(webrtc.WithSettingEngine(c.SettingEngine))
}

func (c *WebRTCConfig) NewPeerConnection() (*webrtc.PeerConnection, error) {
	return c.NewAPI().NewPeerConnection(c.Configuration)
}
