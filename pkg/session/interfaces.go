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

	"github.com/pion/webrtc/v3"

	"github.com/livekit/litmus/pkg/rtc/signalling"
)

type DataChannel interface {
	Label() string
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	OnError(f func(err error))
	Close() error
}

// PeerConnection is the subset of a pion peer connection the session drives.
// OnICECandidate receives nil once gathering completes.
type PeerConnection interface {
	CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(candidate *webrtc.ICECandidateInit))
	OnConnectionStateChange(f func(state webrtc.PeerConnectionState))
	Close() error
}

type PeerFactory interface {
	NewPeer() (PeerConnection, error)
}

type SignalConnection interface {
	signalling.MessageSource
	signalling.MessageSink
	Close() error
}

type SignalDialer interface {
	Dial(ctx context.Context, url string) (SignalConnection, error)
}
