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
	"errors"
	"io"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/livekit/litmus/pkg/rtc/signalling"
)

type fakeDataChannel struct {
	lock      sync.Mutex
	label     string
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
	onError   func(error)
	closes    int
}

func (d *fakeDataChannel) Label() string { return d.label }

func (d *fakeDataChannel) OnOpen(f func()) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.onOpen = f
}

func (d *fakeDataChannel) OnClose(f func()) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.onClose = f
}

func (d *fakeDataChannel) OnMessage(f func(webrtc.DataChannelMessage)) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.onMessage = f
}

func (d *fakeDataChannel) OnError(f func(error)) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.onError = f
}

func (d *fakeDataChannel) Close() error {
	d.lock.Lock()
	d.closes++
	onClose := d.onClose
	d.lock.Unlock()

	// pion reports the close back through the handler
	if onClose != nil {
		onClose()
	}
	return nil
}

func (d *fakeDataChannel) open() {
	d.lock.Lock()
	f := d.onOpen
	d.lock.Unlock()
	f()
}

func (d *fakeDataChannel) receive(data []byte) {
	d.lock.Lock()
	f := d.onMessage
	d.lock.Unlock()
	f(webrtc.DataChannelMessage{Data: data})
}

func (d *fakeDataChannel) closeCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.closes
}

type fakePeer struct {
	lock sync.Mutex

	dc               *fakeDataChannel
	dcInit           *webrtc.DataChannelInit
	gatherOnLocal    []webrtc.ICECandidateInit
	createOfferErr   error
	setRemoteErr     error
	addCandidateErr  error
	onCandidate      func(*webrtc.ICECandidateInit)
	onState          func(webrtc.PeerConnectionState)
	remote           *webrtc.SessionDescription
	remoteCandidates []webrtc.ICECandidateInit
	closes           int
}

func newFakePeer() *fakePeer {
	return &fakePeer{dc: &fakeDataChannel{}}
}

func (p *fakePeer) CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.dc.label = label
	p.dcInit = init
	return p.dc, nil
}

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	if p.createOfferErr != nil {
		return webrtc.SessionDescription{}, p.createOfferErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (p *fakePeer) SetLocalDescription(webrtc.SessionDescription) error {
	p.lock.Lock()
	gather := p.gatherOnLocal
	f := p.onCandidate
	p.lock.Unlock()

	for i := range gather {
		f(&gather[i])
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.setRemoteErr != nil {
		return p.setRemoteErr
	}
	p.remote = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.addCandidateErr != nil {
		return p.addCandidateErr
	}
	p.remoteCandidates = append(p.remoteCandidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.onCandidate = f
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.onState = f
}

func (p *fakePeer) Close() error {
	p.lock.Lock()
	p.closes++
	f := p.onState
	p.lock.Unlock()

	if f != nil {
		f(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (p *fakePeer) emitCandidate(c webrtc.ICECandidateInit) {
	p.lock.Lock()
	f := p.onCandidate
	p.lock.Unlock()
	f(&c)
}

func (p *fakePeer) emitState(s webrtc.PeerConnectionState) {
	p.lock.Lock()
	f := p.onState
	p.lock.Unlock()
	f(s)
}

func (p *fakePeer) snapshot() (*webrtc.SessionDescription, []webrtc.ICECandidateInit, int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.remote, append([]webrtc.ICECandidateInit(nil), p.remoteCandidates...), p.closes
}

type fakePeerFactory struct {
	peer *fakePeer
	err  error
}

func (f *fakePeerFactory) NewPeer() (PeerConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.peer, nil
}

type fakeSignal struct {
	lock     sync.Mutex
	written  []signalling.Message
	writeErr error
	closes   int

	incoming chan signalling.Message
	readErr  chan error
	done     chan struct{}
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{
		incoming: make(chan signalling.Message, 16),
		readErr:  make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (s *fakeSignal) ReadMessage() (signalling.Message, error) {
	select {
	case msg := <-s.incoming:
		return msg, nil
	case err := <-s.readErr:
		return nil, err
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *fakeSignal) WriteMessage(msg signalling.Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.written = append(s.written, msg)
	return nil
}

func (s *fakeSignal) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closes++
	if s.closes == 1 {
		close(s.done)
	}
	return nil
}

func (s *fakeSignal) messages() []signalling.Message {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]signalling.Message(nil), s.written...)
}

func (s *fakeSignal) closeCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closes
}

type fakeDialer struct {
	lock   sync.Mutex
	signal *fakeSignal
	err    error
	urls   []string
	// blocks Dial until closed when set
	gate chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (SignalConnection, error) {
	d.lock.Lock()
	d.urls = append(d.urls, url)
	gate := d.gate
	d.lock.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.signal, nil
}

var errInjected = errors.New("injected")
