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

// Package engine implements the process-wide operation queue that rate
// limits and fairly distributes every action which opens a new daemon
// resource (outgoing TCP connects, tracker announces) across every
// running torrent.
package engine

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/btengine/core/core"
)

// Op identifies a kind of daemon-opening operation.
type Op string

// Daemon operation kinds. OpUTPConnect is reserved: uTP transport is not
// implemented, so it is never returned as a consumed op.
const (
	OpNone         Op = ""
	OpTCPConnect   Op = "tcp_connect"
	OpUTPConnect   Op = "utp_connect"
	OpUDPAnnounce  Op = "udp_announce"
	OpHTTPAnnounce Op = "http_announce"
)

// Torrent is the subset of torrent behavior the engine drives. A torrent
// registered with the engine is offered at most one daemon slot per
// drain tick, and must execute exactly one action per UseDaemonSlot call.
type Torrent interface {
	InfoHash() core.InfoHash

	// Active reports whether the torrent should still be offered slots.
	// A torrent that has been stopped but not yet removed should return
	// false rather than block the round-robin on dead work.
	Active() bool

	// UseDaemonSlot is called with the current pending op counts for
	// this torrent. It must choose one op in priority order
	// (tcp_connect, then udp/http announce, then utp_connect), execute
	// exactly one action for it, and return the op it consumed, or
	// OpNone if nothing could be executed despite pending counts (for
	// example, tcp_connect is pending but no candidate peer is known).
	UseDaemonSlot(pending map[Op]int) Op
}

// Config configures an Engine.
type Config struct {
	// OpsPerSec is the steady-state token replenishment rate.
	OpsPerSec float64 `yaml:"ops_per_sec"`

	// Burst is the maximum number of tokens that can accumulate.
	Burst int `yaml:"burst"`

	// TickInterval is how often the drain loop attempts to consume a
	// token and grant a slot.
	TickInterval time.Duration `yaml:"tick_interval"`
}

func (c Config) applyDefaults() Config {
	if c.OpsPerSec == 0 {
		c.OpsPerSec = 20
	}
	if c.Burst == 0 {
		c.Burst = 40
	}
	if c.TickInterval == 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	return c
}

type registration struct {
	torrent Torrent
	pending map[Op]int
}

// Engine is the single process-wide owner of the daemon operation queue.
type Engine struct {
	config  Config
	limiter *rate.Limiter
	clk     clock.Clock
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	regs    map[core.InfoHash]*registration
	order   []core.InfoHash
	rrIndex int

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Engine. Start must be called to begin draining.
func New(config Config, clk clock.Clock, logger *zap.SugaredLogger) *Engine {
	config = config.applyDefaults()
	return &Engine{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.OpsPerSec), config.Burst),
		clk:     clk,
		logger:  logger,
		regs:    make(map[core.InfoHash]*registration),
		done:    make(chan struct{}),
	}
}

// Start begins the drain loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.drainLoop()
}

// Stop halts the drain loop. Safe to call multiple times.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
	})
}

// AddTorrent registers t with the engine, making it eligible for daemon
// slots once ops are requested for it.
func (e *Engine) AddTorrent(t Torrent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := t.InfoHash()
	if _, ok := e.regs[h]; ok {
		return
	}
	e.regs[h] = &registration{torrent: t, pending: make(map[Op]int)}
	e.order = append(e.order, h)
}

// RemoveTorrent unregisters h, discarding any pending ops.
func (e *Engine) RemoveTorrent(h core.InfoHash) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.regs[h]; !ok {
		return
	}
	delete(e.regs, h)
	for i, oh := range e.order {
		if oh == h {
			e.order = append(e.order[:i], e.order[i+1:]...)
			if e.rrIndex > i {
				e.rrIndex--
			}
			break
		}
	}
}

// RequestDaemonOps increments the pending count of op for h by n.
func (e *Engine) RequestDaemonOps(h core.InfoHash, op Op, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reg, ok := e.regs[h]
	if !ok {
		return
	}
	reg.pending[op] += n
}

// CancelDaemonOps clears all pending ops for h, called when a torrent
// stops.
func (e *Engine) CancelDaemonOps(h core.InfoHash) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reg, ok := e.regs[h]
	if !ok {
		return
	}
	reg.pending = make(map[Op]int)
}

// PendingOps returns a snapshot of h's pending op counts, for tests and
// diagnostics.
func (e *Engine) PendingOps(h core.InfoHash) map[Op]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	reg, ok := e.regs[h]
	if !ok {
		return nil
	}
	snapshot := make(map[Op]int, len(reg.pending))
	for op, n := range reg.pending {
		snapshot[op] = n
	}
	return snapshot
}

func (e *Engine) drainLoop() {
	defer e.wg.Done()

	ticker := e.clk.Tick(e.config.TickInterval)
	for {
		select {
		case <-ticker:
			e.tick()
		case <-e.done:
			return
		}
	}
}

// tick attempts to consume a single token and grant exactly one daemon
// slot to the next eligible torrent in round-robin order.
func (e *Engine) tick() {
	if !e.limiter.Allow() {
		return
	}

	e.mu.Lock()
	n := len(e.order)
	if n == 0 {
		e.mu.Unlock()
		return
	}

	for i := 0; i < n; i++ {
		idx := (e.rrIndex + i) % n
		h := e.order[idx]
		reg, ok := e.regs[h]
		if !ok || !reg.torrent.Active() || !hasPending(reg.pending) {
			continue
		}

		pending := make(map[Op]int, len(reg.pending))
		for op, c := range reg.pending {
			pending[op] = c
		}
		e.mu.Unlock()

		consumed := reg.torrent.UseDaemonSlot(pending)

		e.mu.Lock()
		// Re-fetch: the registration may have been removed while the
		// slot was in use.
		if reg, ok := e.regs[h]; ok && consumed != OpNone {
			if reg.pending[consumed] > 0 {
				reg.pending[consumed]--
			}
		}
		e.rrIndex = (idx + 1) % n
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
}

func hasPending(pending map[Op]int) bool {
	for _, n := range pending {
		if n > 0 {
			return true
		}
	}
	return false
}
