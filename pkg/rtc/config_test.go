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
	"testing"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/litmus/pkg/config"
)

func TestNewWebRTCConfig(t *testing.T) {
	lf := NewLoggerFactory(logger.GetLogger(), "error")

	t.Run("defaults", func(t *testing.T) {
		conf := config.DefaultConfig.RTC
		c, err := NewWebRTCConfig(&conf, lf)
		require.NoError(t, err)
		require.Equal(t, "networkTest", c.Label)
		require.False(t, *c.DataChannel.Ordered)
		require.Equal(t, uint16(0), *c.DataChannel.MaxRetransmits)
		require.Len(t, c.Configuration.ICEServers, 1)
		require.Equal(t, []string{"stun:stun.l.google.com:19302"}, c.Configuration.ICEServers[0].URLs)
	})

	t.Run("no ice servers", func(t *testing.T) {
		conf := config.DefaultConfig.RTC
		conf.ICEServers = nil
		c, err := NewWebRTCConfig(&conf, lf)
		require.NoError(t, err)
		require.Empty(t, c.Configuration.ICEServers)
	})

	t.Run("data channel init is a copy", func(t *testing.T) {
		conf := config.DefaultConfig.RTC
		c, err := NewWebRTCConfig(&conf, lf)
		require.NoError(t, err)
		conf.Ordered = true
		require.False(t, *c.DataChannel.Ordered)
	})

	t.Run("peer connection", func(t *testing.T) {
		conf := config.DefaultConfig.RTC
		conf.ICEServers = nil
		conf.ICEPortRangeStart = 40000
		conf.ICEPortRangeEnd = 40100
		c, err := NewWebRTCConfig(&conf, lf)
		require.NoError(t, err)

		pc, err := c.NewPeerConnection()
		require.NoError(t, err)
		defer pc.Close()
		require.Equal(t, webrtc.PeerConnectionStateNew, pc.ConnectionState())
	})
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, logging.LogLevelDebug, parseLevel("DEBUG"))
	require.Equal(t, logging.LogLevelWarn, parseLevel("warn"))
	require.Equal(t, logging.LogLevelDisabled, parseLevel("disabled"))
	require.Equal(t, logging.LogLevelError, parseLevel(""))
}
