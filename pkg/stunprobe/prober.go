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

package stunprobe

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/pion/stun"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"

	defaultTimeout     = 3 * time.Second
	defaultConcurrency = 4
	maxMessageSize     = 1500
)

var (
	ErrNoServers  = errors.New("no STUN servers provided")
	ErrNoResponse = errors.New("no STUN server responded")
)

type ProberParams struct {
	Servers     []string
	Timeout     time.Duration
	Concurrency int
	Logger      logger.Logger
}

type Result struct {
	Server        string
	MappedAddress string
	RTT           time.Duration
	Err           error
}

type Report struct {
	Results       []Result
	MappedAddress string
	NATType       string
}

// Prober sends binding requests to several STUN servers from one local socket, so the
// mapped addresses they report can be compared to classify the NAT.
type Prober struct {
	params ProberParams
}

func NewProber(params ProberParams) *Prober {
	if params.Timeout <= 0 {
		params.Timeout = defaultTimeout
	}
	if params.Concurrency <= 0 {
		params.Concurrency = defaultConcurrency
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Prober{params: params}
}

type pendingRequest struct {
	index  int
	sentAt time.Time
}

func (p *Prober) Probe(ctx context.Context) (*Report, error) {
	if len(p.params.Servers) == 0 {
		return nil, ErrNoServers
	}

	ctx, cancel := context.WithTimeout(ctx, p.params.Timeout)
	defer cancel()

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	// cancellation unblocks the read loop before the deadline
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	results := make([]Result, len(p.params.Servers))
	var lock sync.Mutex
	pending := make(map[[stun.TransactionIDSize]byte]pendingRequest)
	outstanding := 0

	wp := workerpool.New(p.params.Concurrency)
	for i, server := range p.params.Servers {
		i, server := i, server
		results[i].Server = server
		wp.Submit(func() {
			raddr, err := resolve(server)
			if err == nil {
				msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
				lock.Lock()
				pending[msg.TransactionID] = pendingRequest{index: i, sentAt: time.Now()}
				outstanding++
				lock.Unlock()
				if _, err = conn.WriteTo(msg.Raw, raddr); err != nil {
					lock.Lock()
					delete(pending, msg.TransactionID)
					outstanding--
					lock.Unlock()
				}
			}
			if err != nil {
				lock.Lock()
				results[i].Err = err
				lock.Unlock()
			}
		})
	}
	wp.StopWait()

	buf := make([]byte, maxMessageSize)
	for {
		lock.Lock()
		remaining := outstanding
		lock.Unlock()
		if remaining == 0 {
			break
		}

		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			break
		}

		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			p.params.Logger.Debugw("ignoring non-STUN datagram", "error", err)
			continue
		}

		lock.Lock()
		req, ok := pending[res.TransactionID]
		if ok {
			delete(pending, res.TransactionID)
			outstanding--
		}
		lock.Unlock()
		if !ok {
			continue
		}

		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res); err != nil {
			results[req.index].Err = err
			continue
		}
		results[req.index].MappedAddress = xorAddr.String()
		results[req.index].RTT = time.Since(req.sentAt)
	}

	report := &Report{Results: results}
	var mapped []string
	for i := range results {
		if results[i].MappedAddress == "" && results[i].Err == nil {
			results[i].Err = ctx.Err()
			if results[i].Err == nil {
				results[i].Err = ErrNoResponse
			}
		}
		if results[i].MappedAddress != "" {
			mapped = append(mapped, results[i].MappedAddress)
		}
	}

	report.NATType = Classify(mapped)
	if len(mapped) == 0 {
		report.NATType = NATTypeUnknown
		return report, ErrNoResponse
	}
	report.MappedAddress = mapped[0]

	p.params.Logger.Debugw("stun probe complete",
		"mappedAddress", report.MappedAddress,
		"natType", report.NATType,
		"responses", len(mapped),
	)
	return report, nil
}

func resolve(server string) (*net.UDPAddr, error) {
	host := strings.TrimSpace(server)
	host = strings.TrimPrefix(host, "stun:")
	if host == "" {
		return nil, errors.New("empty STUN server")
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "3478")
	}
	return net.ResolveUDPAddr("udp4", host)
}

// Classify infers NAT type by comparing mapped addresses from multiple servers.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	first := addrs[0]
	for _, addr := range addrs[1:] {
		if addr != first {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}
