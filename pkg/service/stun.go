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
	"net"
	"strconv"

	"github.com/pion/turn/v2"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/litmus/pkg/rtc"
)

// stunServer answers binding requests so clients can probe their mapped address against the
// same host they test against. Allocations are never granted.
type stunServer struct {
	server *turn.Server
	conn   net.PacketConn
}

func newStunServer(address string, pionLevel string, l logger.Logger) (*stunServer, error) {
	conn, err := net.ListenPacket("udp4", address)
	if err != nil {
		return nil, errors.Wrap(err, "could not listen on STUN UDP port")
	}

	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	// allocations are refused without an AuthHandler
	server, err := turn.NewServer(turn.ServerConfig{
		LoggerFactory: rtc.NewLoggerFactory(l, pionLevel),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn:            conn,
				RelayAddressGenerator: &turn.RelayAddressGeneratorNone{Address: host},
			},
		},
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	l.Infow("starting STUN server", "address", conn.LocalAddr().String())
	return &stunServer{
		server: server,
		conn:   conn,
	}, nil
}

func stunAddress(bind string, port uint32) string {
	return net.JoinHostPort(bind, strconv.Itoa(int(port)))
}

func (s *stunServer) Addr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *stunServer) Close() error {
	return s.server.Close()
}
