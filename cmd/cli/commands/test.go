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

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/litmus/pkg/config"
	"github.com/livekit/litmus/pkg/rtc"
	"github.com/livekit/litmus/pkg/session"
	"github.com/livekit/litmus/pkg/stunprobe"
	"github.com/livekit/litmus/pkg/tester"
	"github.com/livekit/litmus/pkg/utils"
)

const consoleInterval = 250 * time.Millisecond

var ErrIncomplete = errors.New("test stopped before the server completed it")

var (
	TestCommands = []*cli.Command{
		{
			Name:   "test",
			Usage:  "run one network quality test against a litmus server",
			Action: runTest,
			Flags: []cli.Flag{
				hostFlag,
				secureFlag,
			},
		},
	}
)

func runTest(c *cli.Context) error {
	conf, err := config.LoadConfig(c, BaseFlags)
	if err != nil {
		return err
	}
	config.InitLoggerFromConfig(&conf.Logging)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, err := runTestWith(ctx, conf, c.String("host"), c.Bool("secure"), os.Stdout)
	if err != nil {
		return err
	}
	if outcome.Err != nil {
		return outcome.Err
	}
	if outcome.Result == nil {
		return ErrIncomplete
	}
	return nil
}

// runTestWith runs a single test and waits for it to end or for ctx to be cancelled.
func runTestWith(ctx context.Context, conf *config.Config, host string, secure bool, out io.Writer) (tester.Outcome, error) {
	l := logger.GetLogger()

	wc, err := rtc.NewWebRTCConfig(&conf.RTC, rtc.NewLoggerFactory(l, conf.Logging.PionLevel))
	if err != nil {
		return tester.Outcome{}, err
	}
	peers := session.NewPionPeerFactory(wc)
	dialer := session.NewWSDialer(&conf.Signal, l)

	var prober tester.CapabilityProber
	if conf.Probe.Enabled {
		prober = stunprobe.NewProber(stunprobe.ProberParams{
			Servers:     conf.Probe.Servers,
			Timeout:     conf.Probe.Timeout,
			Concurrency: conf.Probe.Concurrency,
			Logger:      l,
		})
	}

	t := tester.New(tester.Params{
		MetricsConfig: &conf.Metrics,
		NewSession: func(loop *utils.OpsQueue) tester.TransportSession {
			return session.NewManager(session.ManagerParams{
				Config:       &conf.RTC,
				SignalConfig: &conf.Signal,
				Peers:        peers,
				Dialer:       dialer,
				Loop:         loop,
				Logger:       l,
			})
		},
		Sink:   newConsoleSink(out, consoleInterval),
		Prober: prober,
		Logger: l,
	})
	defer t.Close()

	outcomes := make(chan tester.Outcome, 1)
	t.Finished().Subscribe(func(o tester.Outcome) {
		outcomes <- o
	})

	fmt.Fprintf(out, "testing %s\n", session.SignalURL(host, secure, conf.Signal.Path))
	if err = t.StartTest(ctx, host, secure); err != nil {
		return tester.Outcome{}, err
	}

	select {
	case o := <-outcomes:
		return o, nil
	case <-ctx.Done():
		t.StopTest()
		return <-outcomes, nil
	}
}
