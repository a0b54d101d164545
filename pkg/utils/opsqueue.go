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

package utils

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/livekit/protocol/logger"
)

// OpsQueue runs enqueued operations one at a time, in order, on a single goroutine.
// Operations never interleave, so state touched only from queued operations needs no locking.
type OpsQueue struct {
	logger logger.Logger
	name   string

	lock      sync.Mutex
	cond      *sync.Cond
	ops       *deque.Deque[func()]
	isStarted bool
	isStopped bool
	done      chan struct{}
}

func NewOpsQueue(logger logger.Logger, name string) *OpsQueue {
	oq := &OpsQueue{
		logger: logger,
		name:   name,
		ops:    deque.New[func()](),
		done:   make(chan struct{}),
	}
	oq.cond = sync.NewCond(&oq.lock)
	return oq
}

func (oq *OpsQueue) Start() {
	oq.lock.Lock()
	if oq.isStarted {
		oq.lock.Unlock()
		return
	}
	oq.isStarted = true
	oq.lock.Unlock()

	go oq.process()
}

// Stop refuses further operations. Operations already queued still run.
func (oq *OpsQueue) Stop() {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return
	}

	oq.isStopped = true
	started := oq.isStarted
	oq.cond.Broadcast()
	oq.lock.Unlock()

	if !started {
		close(oq.done)
	}
}

// Done is closed once the queue has been stopped and drained.
func (oq *OpsQueue) Done() <-chan struct{} {
	return oq.done
}

// Enqueue returns false if the queue has been stopped and the operation was dropped.
func (oq *OpsQueue) Enqueue(op func()) bool {
	oq.lock.Lock()
	defer oq.lock.Unlock()

	if oq.isStopped {
		oq.logger.Debugw("ops queue stopped, dropping op", "name", oq.name)
		return false
	}

	oq.ops.PushBack(op)
	oq.cond.Signal()
	return true
}

func (oq *OpsQueue) process() {
	defer close(oq.done)

	for {
		oq.lock.Lock()
		for oq.ops.Len() == 0 && !oq.isStopped {
			oq.cond.Wait()
		}
		if oq.ops.Len() == 0 {
			oq.lock.Unlock()
			return
		}
		op := oq.ops.PopFront()
		oq.lock.Unlock()

		op()
	}
}
