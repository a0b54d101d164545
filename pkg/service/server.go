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
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/litmus/pkg/config"
)

const shutdownTimeout = 5 * time.Second

type LitmusServer struct {
	config     *config.Config
	service    *LitmusService
	httpServer *http.Server
	promServer *http.Server
	stun       *stunServer
	running    atomic.Bool
	doneChan   chan struct{}
	closedChan chan struct{}
}

func NewLitmusServer(conf *config.Config, service *LitmusService) *LitmusServer {
	s := &LitmusServer{
		config:     conf,
		service:    service,
		doneChan:   make(chan struct{}),
		closedChan: make(chan struct{}),
	}

	middlewares := []negroni.Handler{
		// always the first
		negroni.NewRecovery(),
		cors.New(cors.Options{
			AllowOriginFunc: func(origin string) bool {
				return true
			},
			AllowedHeaders: []string{"*"},
		}),
		negroni.HandlerFunc(RemoveDoubleSlashes),
	}

	mux := http.NewServeMux()
	service.RegisterHandlers(mux)

	s.httpServer = &http.Server{
		Handler: configureMiddlewares(mux, middlewares...),
	}

	if conf.PrometheusPort > 0 {
		s.promServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: promhttp.Handler(),
		}
	}

	return s
}

func (s *LitmusServer) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *LitmusServer) IsRunning() bool {
	return s.running.Load()
}

// Start listens on every bind address and blocks until Stop is called.
func (s *LitmusServer) Start() error {
	if s.running.Swap(true) {
		return ErrAlreadyRunning
	}
	defer close(s.closedChan)

	addresses := s.config.BindAddresses
	if len(addresses) == 0 {
		addresses = []string{""}
	}

	// ensure we could listen
	listeners := make([]net.Listener, 0)
	for _, addr := range addresses {
		ln, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(int(s.config.Port))))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			s.running.Store(false)
			return errors.Wrap(err, "could not listen")
		}
		listeners = append(listeners, ln)
	}

	if s.config.STUN.UDPPort > 0 {
		stun, err := newStunServer(stunAddress(addresses[0], s.config.STUN.UDPPort), s.config.Logging.PionLevel, logger.GetLogger())
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			s.running.Store(false)
			return err
		}
		s.stun = stun
	}

	var eg errgroup.Group
	for _, ln := range listeners {
		logger.Infow("starting litmus server",
			"address", ln.Addr().String(),
			"signalPath", s.service.SignalPath(),
		)
		eg.Go(func() error {
			return ignoreServerClosed(s.httpServer.Serve(ln))
		})
	}
	if s.promServer != nil {
		logger.Infow("starting prometheus server", "address", s.promServer.Addr)
		eg.Go(func() error {
			return ignoreServerClosed(s.promServer.ListenAndServe())
		})
	}

	<-s.doneChan

	s.service.Stop()

	// wait for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
	if s.promServer != nil {
		_ = s.promServer.Shutdown(ctx)
	}
	if s.stun != nil {
		_ = s.stun.Close()
	}

	return eg.Wait()
}

func (s *LitmusServer) Stop() {
	if !s.running.Swap(false) {
		return
	}
	close(s.doneChan)
	<-s.closedChan
}

func ignoreServerClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}
