// Copyright 2018-2022 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package pool runs background tasks on a fixed set of workers with a
// bounded queue. Each pre-download enqueues exactly one task; tasks share
// no mutable state.
package pool

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/vre-charite/downloadsvc/pkg/errtypes"
)

// Pool is a bounded background task pool.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup
	log   zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// New returns a started pool with the given number of workers and queue
// capacity.
func New(workers, queue int, log zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = workers
	}

	p := &Pool{
		tasks: make(chan func(), queue),
		log:   log,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error().Interface("panic", r).Msg("background task panicked")
				}
			}()
			task()
		}()
	}
}

// Submit enqueues a task. It fails when the queue is saturated or the pool
// already stopped instead of blocking the caller's request.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errtypes.InternalError("pool: already stopped")
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return errtypes.InternalError("pool: task queue is full")
	}
}

// Stop drains the queue and waits for running tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
