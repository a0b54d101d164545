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

package signalling

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"

	"github.com/livekit/protocol/logger"
)

const (
	defaultPingInterval = 10 * time.Second
	defaultPingTimeout  = 2 * time.Second
	closeTimeout        = time.Second
)

type WSSignalConnectionParams struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	Logger       logger.Logger
}

// WSSignalConnection carries JSON control messages over a websocket. Writes are serialised;
// a single goroutine is expected to read.
type WSSignalConnection struct {
	params WSSignalConnectionParams
	conn   WebsocketClient
	mu     sync.Mutex
	closed core.Fuse
}

func NewWSSignalConnection(conn WebsocketClient, params WSSignalConnectionParams) *WSSignalConnection {
	if params.PingInterval <= 0 {
		params.PingInterval = defaultPingInterval
	}
	if params.PingTimeout <= 0 {
		params.PingTimeout = defaultPingTimeout
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	c := &WSSignalConnection{
		params: params,
		conn:   conn,
	}
	go c.pingWorker()
	return c
}

func (c *WSSignalConnection) ReadMessage() (Message, error) {
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			msg, err := Decode(payload)
			if err != nil {
				c.params.Logger.Warnw("dropping malformed control message", err, "size", len(payload))
				continue
			}
			return msg, nil
		default:
			c.params.Logger.Debugw("unsupported message", "message", messageType)
		}
	}
}

func (c *WSSignalConnection) WriteMessage(msg Message) error {
	if c.closed.IsBroken() {
		return ErrSignalClosed
	}

	payload, err := Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a normal closure frame and closes the socket. Safe to call more than once.
func (c *WSSignalConnection) Close() error {
	if c.closed.IsBroken() {
		return nil
	}
	c.closed.Break()

	c.mu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeTimeout),
	)
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *WSSignalConnection) IsClosed() bool {
	return c.closed.IsBroken()
}

func (c *WSSignalConnection) pingWorker() {
	ticker := time.NewTicker(c.params.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed.Watch():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte(""), time.Now().Add(c.params.PingTimeout))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// IsWebSocketCloseError checks that error is normal/expected closure
func IsWebSocketCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		strings.HasSuffix(err.Error(), "use of closed network connection") ||
		strings.HasSuffix(err.Error(), "connection reset by peer") ||
		websocket.IsCloseError(
			err,
			websocket.CloseAbnormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNormalClosure,
			websocket.CloseNoStatusReceived,
		)
}

// IsNormalClosure reports whether the peer ended the control channel deliberately.
func IsNormalClosure(err error) bool {
	return websocket.IsCloseError(
		err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
