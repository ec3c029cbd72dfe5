// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package diskqueue runs disk I/O jobs (piece writes, reads for
// un-skipping, and block reads for seeding) through a bounded-concurrency
// FIFO queue, one per torrent, so a single slow disk cannot block the
// event loop that drives peer connections.
package diskqueue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/uber-go/tally"

	"github.com/btengine/core/utils/log"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("diskqueue closed")

// Job is a unit of disk work submitted to the queue.
type Job struct {
	// Name identifies the job for snapshots and logging, e.g.
	// "write piece 42".
	Name string

	// Execute performs the work. Its error, if any, is delivered through
	// the Future returned by Enqueue.
	Execute func() error
}

// Future resolves once the job it was returned for has run.
type Future struct {
	done chan struct{}
	err  error
}

// Done returns a channel closed once the job completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err blocks until the job completes and returns its result.
func (f *Future) Err() error {
	<-f.done
	return f.err
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

type entry struct {
	job    Job
	future *Future
}

// Snapshot is an immutable copy of queue state for diagnostics.
type Snapshot struct {
	Pending []string
	Running []string
}

// Config configures a Queue.
type Config struct {
	MaxWorkers int `yaml:"max_workers"`
}

func (c Config) applyDefaults() Config {
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 4
	}
	return c
}

// Queue is a bounded-concurrency FIFO job queue supporting drain/resume
// for operations (most notably materialization) that need a quiescent
// storage state.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	stats tally.Scope

	maxWorkers int
	pending    []entry
	running    map[int64]entry
	nextID     int64

	draining bool
	closed   bool
}

// NewQueue creates a Queue.
func NewQueue(config Config, stats tally.Scope) *Queue {
	config = config.applyDefaults()
	stats = stats.Tagged(map[string]string{"module": "diskqueue"})
	q := &Queue{
		stats:      stats,
		maxWorkers: config.MaxWorkers,
		running:    make(map[int64]entry),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends job to the back of the queue and returns a Future
// resolved once it runs to completion (success or failure). Jobs are
// never dropped: Enqueue blocks the caller only as long as it takes to
// append under the lock, not for execution.
func (q *Queue) Enqueue(job Job) (*Future, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	future := newFuture()
	q.pending = append(q.pending, entry{job: job, future: future})
	q.stats.Gauge("pending").Update(float64(len(q.pending)))
	q.dispatchLocked()
	return future, nil
}

// dispatchLocked starts pending jobs up to maxWorkers while not
// draining. Caller must hold q.mu.
func (q *Queue) dispatchLocked() {
	if q.draining || q.closed {
		return
	}
	for len(q.pending) > 0 && len(q.running) < q.maxWorkers {
		e := q.pending[0]
		q.pending = q.pending[1:]
		id := q.nextID
		q.nextID++
		q.running[id] = e
		go q.run(id, e)
	}
	q.stats.Gauge("pending").Update(float64(len(q.pending)))
	q.stats.Gauge("running").Update(float64(len(q.running)))
}

func (q *Queue) run(id int64, e entry) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return e.job.Execute()
	}()
	if err != nil {
		log.Errorf("Disk job %q failed: %s", e.job.Name, err)
	}
	e.future.resolve(err)

	q.mu.Lock()
	delete(q.running, id)
	q.stats.Gauge("running").Update(float64(len(q.running)))
	if q.draining && len(q.running) == 0 {
		q.cond.Broadcast()
	}
	q.dispatchLocked()
	q.mu.Unlock()
}

// Drain marks the queue draining -- no new jobs start -- and blocks
// until every currently running job completes. Jobs already enqueued
// remain pending, untouched, for a subsequent Resume.
func (q *Queue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.draining = true
	for len(q.running) > 0 {
		q.cond.Wait()
	}
}

// Resume clears the draining flag and schedules pending jobs up to
// maxWorkers.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.draining = false
	q.dispatchLocked()
}

// GetSnapshot returns an immutable copy of the pending and running job
// names, for diagnostics. Pending names are in FIFO order; running names
// are in no particular order.
func (q *Queue) GetSnapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := Snapshot{}
	for _, e := range q.pending {
		snap.Pending = append(snap.Pending, e.job.Name)
	}
	for _, e := range q.running {
		snap.Running = append(snap.Running, e.job.Name)
	}
	return snap
}

// Close drains all running jobs, fails any still-pending jobs with
// ErrQueueClosed, and prevents further enqueues. Used on torrent stop.
func (q *Queue) Close() {
	q.Drain()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for _, e := range q.pending {
		e.future.resolve(ErrQueueClosed)
	}
	q.pending = nil
}
