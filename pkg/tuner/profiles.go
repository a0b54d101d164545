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

package tuner

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// payload bits carried by one packet when a frame is split, typical MTU
	maxPacketPayloadBits = 1200 * 8

	maxFrameRate = 31
)

var (
	ErrInvalidDimensions = errors.New("profile width and height must be positive")
	ErrInvalidBitrate    = errors.New("profile bitrate must be positive")
	ErrInvalidFrameRate  = errors.New("profile frame rate must be in (0, 31]")
	ErrNoProfiles        = errors.New("no profiles to tune over")
)

type VideoProfile struct {
	Name      string
	Width     int
	Height    int
	FrameRate int
	Codec     string
	// kbps
	Bitrate int
	// ratio, 0.01 is 1%
	AcceptableLoss float64
	// milliseconds
	AcceptableJitter float64

	PacketSize       int
	PacketsPerSecond int
}

func (p VideoProfile) Resolution() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

func (p VideoProfile) String() string {
	return fmt.Sprintf("%s (%s@%d, %d kbps)", p.Name, p.Resolution(), p.FrameRate, p.Bitrate)
}

// CalculatePacketSize splits each frame of a stream into MTU sized packets and returns the
// resulting packet size in bytes and packets per second.
func CalculatePacketSize(bitrateKbps int, frameRate int) (packetSize int, packetsPerSecond int) {
	if bitrateKbps <= 0 || frameRate <= 0 {
		return 0, 0
	}

	bitsPerFrame := bitrateKbps * 1000 / frameRate
	packetsPerFrame := bitsPerFrame / maxPacketPayloadBits
	if packetsPerFrame == 0 {
		packetsPerFrame = 1
	}
	packetSize = bitsPerFrame / packetsPerFrame / 8
	packetsPerSecond = packetsPerFrame * frameRate
	return
}

func ValidateProfile(p VideoProfile) error {
	if p.Width <= 0 || p.Height <= 0 {
		return errors.Wrap(ErrInvalidDimensions, p.Name)
	}
	if p.Bitrate <= 0 {
		return errors.Wrap(ErrInvalidBitrate, p.Name)
	}
	if p.FrameRate <= 0 || p.FrameRate > maxFrameRate {
		return errors.Wrap(ErrInvalidFrameRate, p.Name)
	}
	return nil
}

var builtinProfiles = []VideoProfile{
	{Name: "1152p30fps", Width: 2048, Height: 1152, FrameRate: 30, Codec: "H.264", Bitrate: 9000, AcceptableLoss: 0.004, AcceptableJitter: 18},
	{Name: "1152p24fps", Width: 2048, Height: 1152, FrameRate: 24, Codec: "H.264", Bitrate: 7500, AcceptableLoss: 0.005, AcceptableJitter: 22},
	{Name: "1080p30fps", Width: 1920, Height: 1080, FrameRate: 30, Codec: "H.264", Bitrate: 8000, AcceptableLoss: 0.005, AcceptableJitter: 20},
	{Name: "1080p24fps", Width: 1920, Height: 1080, FrameRate: 24, Codec: "H.264", Bitrate: 6000, AcceptableLoss: 0.007, AcceptableJitter: 25},
	{Name: "960p30fps", Width: 1440, Height: 960, FrameRate: 30, Codec: "H.264", Bitrate: 5000, AcceptableLoss: 0.008, AcceptableJitter: 30},
	{Name: "960p24fps", Width: 1440, Height: 960, FrameRate: 24, Codec: "H.264", Bitrate: 4000, AcceptableLoss: 0.01, AcceptableJitter: 35},
	{Name: "720p30fps", Width: 1280, Height: 720, FrameRate: 30, Codec: "H.264", Bitrate: 3000, AcceptableLoss: 0.015, AcceptableJitter: 40},
	{Name: "540p30fps", Width: 960, Height: 540, FrameRate: 30, Codec: "H.264", Bitrate: 2000, AcceptableLoss: 0.02, AcceptableJitter: 50},
	{Name: "540p24fps", Width: 960, Height: 540, FrameRate: 24, Codec: "H.264", Bitrate: 1800, AcceptableLoss: 0.022, AcceptableJitter: 55},
}

// DefaultProfiles returns the built-in profiles, highest quality first, with packet sizing filled in.
// The returned slice is a copy.
func DefaultProfiles() []VideoProfile {
	profiles := make([]VideoProfile, len(builtinProfiles))
	copy(profiles, builtinProfiles)
	for i := range profiles {
		profiles[i].PacketSize, profiles[i].PacketsPerSecond = CalculatePacketSize(profiles[i].Bitrate, profiles[i].FrameRate)
	}
	return profiles
}

// ProfileForBitrate returns the highest quality profile whose bitrate fits within bitrateKbps.
func ProfileForBitrate(profiles []VideoProfile, bitrateKbps uint32) (VideoProfile, bool) {
	var best VideoProfile
	found := false
	for _, p := range profiles {
		if p.Bitrate <= 0 || uint32(p.Bitrate) > bitrateKbps {
			continue
		}
		if !found || p.Bitrate > best.Bitrate {
			best = p
			found = true
		}
	}
	return best, found
}

// PacketRate is the number of packetSize byte packets per second needed to carry bitrateKbps.
func PacketRate(bitrateKbps uint32, packetSize int) uint32 {
	if packetSize <= 0 {
		return 0
	}
	return uint32(uint64(bitrateKbps) * 1000 / uint64(packetSize*8))
}
