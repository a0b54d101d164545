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
	"errors"
	"fmt"
)

var (
	ErrSessionClosed        = errors.New("session closed")
	ErrSessionUsed          = errors.New("session already connected once")
	ErrConnectTimeout       = errors.New("timed out waiting for data channel")
	ErrPeerConnectionFailed = errors.New("peer connection failed")
)

// HandshakeError is a failure while negotiating the datagram transport.
type HandshakeError struct {
	Op  string
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed during %s: %v", e.Op, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// ControlChannelError is a socket level failure of the signalling connection.
type ControlChannelError struct {
	Err error
}

func (e *ControlChannelError) Error() string {
	return fmt.Sprintf("control channel failed: %v", e.Err)
}

func (e *ControlChannelError) Unwrap() error {
	return e.Err
}

// TransportError is a failure of the datagram channel after it was negotiated.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("datagram transport failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
