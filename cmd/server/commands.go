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

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/livekit/litmus/pkg/config"
	"github.com/livekit/litmus/pkg/tuner"
)

func printProfiles(_ *cli.Context) error {
	renderProfiles(os.Stdout, tuner.DefaultProfiles())
	return nil
}

func renderProfiles(w io.Writer, profiles []tuner.VideoProfile) {
	table := tablewriter.NewWriter(w)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"Name", "Resolution", "FPS", "Codec",
		"Bitrate", "Max Loss", "Max Jitter",
		"Packet Size", "Packets/s",
	})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_CENTER, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
	})

	for _, p := range profiles {
		table.Append([]string{
			p.Name, p.Resolution(), strconv.Itoa(p.FrameRate), p.Codec,
			strings.TrimSpace(humanize.SIWithDigits(float64(p.Bitrate)*1000, 1, "bps")),
			fmt.Sprintf("%.1f %%", p.AcceptableLoss*100),
			fmt.Sprintf("%.0f ms", p.AcceptableJitter),
			humanize.Bytes(uint64(p.PacketSize)),
			humanize.Comma(int64(p.PacketsPerSecond)),
		})
	}
	table.Render()
}

func printPorts(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	renderPorts(os.Stdout, conf)
	return nil
}

func renderPorts(w io.Writer, conf *config.Config) {
	tcpPorts := []string{fmt.Sprintf("%d - HTTP service", conf.Port)}
	if conf.PrometheusPort != 0 {
		tcpPorts = append(tcpPorts, fmt.Sprintf("%d - Prometheus", conf.PrometheusPort))
	}

	var udpPorts []string
	if conf.RTC.ICEPortRangeStart != 0 && conf.RTC.ICEPortRangeEnd != 0 {
		udpPorts = append(udpPorts, fmt.Sprintf("%d-%d - ICE/UDP range", conf.RTC.ICEPortRangeStart, conf.RTC.ICEPortRangeEnd))
	} else {
		udpPorts = append(udpPorts, "ephemeral - ICE/UDP")
	}
	if conf.STUN.UDPPort > 0 {
		udpPorts = append(udpPorts, fmt.Sprintf("%d - STUN", conf.STUN.UDPPort))
	}

	fmt.Fprintln(w, "TCP Ports")
	for _, p := range tcpPorts {
		fmt.Fprintln(w, p)
	}

	fmt.Fprintln(w, "UDP Ports")
	for _, p := range udpPorts {
		fmt.Fprintln(w, p)
	}
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
