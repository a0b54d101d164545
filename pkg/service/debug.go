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
	"cmp"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

type sessionInfo struct {
	ConnID      string
	Tuner       string
	Age         time.Duration
	PeerState   string
	BitrateKbps uint32
	Profile     string
	SendRate    float64
	Complete    bool
}

// Sessions snapshots every running session, oldest first.
func (s *LitmusService) Sessions() []sessionInfo {
	now := time.Now()
	var infos []sessionInfo
	s.sessions.Range(func(_, value any) bool {
		infos = append(infos, value.(*litmusSession).info(now))
		return true
	})
	slices.SortFunc(infos, func(a, b sessionInfo) int {
		return cmp.Compare(b.Age, a.Age)
	})
	return infos
}

func (s *LitmusService) handleSessions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	renderSessions(w, s.Sessions())
}

func renderSessions(w io.Writer, infos []sessionInfo) {
	table := tablewriter.NewWriter(w)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"ID", "Tuner", "Age", "Peer", "Bitrate", "Profile", "Send Rate", "Complete"})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_CENTER, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_CENTER, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_CENTER,
	})

	for _, info := range infos {
		table.Append([]string{
			info.ConnID,
			info.Tuner,
			info.Age.Truncate(time.Second).String(),
			info.PeerState,
			humanizeBitrate(float64(info.BitrateKbps) * 1000),
			info.Profile,
			humanizeBitrate(info.SendRate),
			fmt.Sprintf("%t", info.Complete),
		})
	}
	table.SetFooter([]string{"", "", "", "", "", "", "Sessions", humanize.Comma(int64(len(infos)))})
	table.Render()
}

func humanizeBitrate(bps float64) string {
	return strings.TrimSpace(humanize.SIWithDigits(bps, 1, "bps"))
}
