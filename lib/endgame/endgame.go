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

// Package endgame decides when a torrent should enter or exit endgame
// mode: the final-phase behavior of issuing duplicate block requests
// across peers so that one slow or stalled peer cannot hold up the last
// few pieces of a download.
package endgame

import (
	"sync"

	"github.com/btengine/core/core"
)

// Transition is the result of an evaluate() call.
type Transition int

const (
	// NoTransition means the endgame state did not change.
	NoTransition Transition = iota
	// EnterEndgame means endgame mode was just turned on.
	EnterEndgame
	// ExitEndgame means endgame mode was just turned off.
	ExitEndgame
)

// DefaultMaxDuplicateRequests bounds how many peers may simultaneously
// hold a live request for the same block during endgame.
const DefaultMaxDuplicateRequests = 3

// Cancel describes one CANCEL message the caller should send.
type Cancel struct {
	PeerID     core.PeerID
	Piece      int
	BlockIndex int
}

// Manager is a pure decision component: it holds only the current
// endgame flag and the duplicate-request budget, and never reaches into
// peer connections or disk state itself.
type Manager struct {
	mu sync.Mutex

	maxDuplicateRequests int
	active               bool
}

// Config configures a Manager.
type Config struct {
	MaxDuplicateRequests int `yaml:"max_duplicate_requests"`
}

func (c Config) applyDefaults() Config {
	if c.MaxDuplicateRequests == 0 {
		c.MaxDuplicateRequests = DefaultMaxDuplicateRequests
	}
	return c
}

// NewManager creates a Manager, starting outside endgame.
func NewManager(config Config) *Manager {
	config = config.applyDefaults()
	return &Manager{maxDuplicateRequests: config.MaxDuplicateRequests}
}

// Evaluate recomputes the endgame flag from a fresh snapshot of torrent
// state and returns which transition, if any, just occurred.
//
// Entry requires all three: missingCount>0, missingCount==activeCount (an
// ActivePiece exists for every missing piece), and hasUnrequestedBlocks
// is false (every block of every active piece has at least one live
// outstanding request). Any of these failing while active exits endgame.
func (m *Manager) Evaluate(missingCount, activeCount int, hasUnrequestedBlocks bool) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	shouldBeActive := missingCount > 0 && missingCount == activeCount && !hasUnrequestedBlocks

	if shouldBeActive && !m.active {
		m.active = true
		return EnterEndgame
	}
	if !shouldBeActive && m.active {
		m.active = false
		return ExitEndgame
	}
	return NoTransition
}

// Active reports the current endgame state.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ShouldSendDuplicateRequest reports whether another peer may be asked
// for a block that already has currentRequestCount outstanding requests,
// bounded by maxDuplicateRequests.
func (m *Manager) ShouldSendDuplicateRequest(currentRequestCount int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return false
	}
	return currentRequestCount < m.maxDuplicateRequests
}

// Reset clears the endgame flag, used on network suspend, torrent stop,
// or completion.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
}

// otherRequester is the minimal shape GetCancels needs from an
// ActivePiece manager without importing lib/activepiece (which would
// create an import cycle if activepiece ever needed endgame decisions
// directly).
type otherRequester interface {
	GetOtherRequesters(pieceIndex, blockIndex int, excludePeerID core.PeerID) []core.PeerID
}

// GetCancels returns one Cancel per peer, other than receivedFromPeerID,
// that still has a live outstanding request for (piece, blockIndex). The
// caller sends a CANCEL message to each and drops the duplicate request.
func GetCancels(piece, blockIndex int, receivedFromPeerID core.PeerID, ap otherRequester) []Cancel {
	others := ap.GetOtherRequesters(piece, blockIndex, receivedFromPeerID)
	cancels := make([]Cancel, len(others))
	for i, peerID := range others {
		cancels[i] = Cancel{PeerID: peerID, Piece: piece, BlockIndex: blockIndex}
	}
	return cancels
}
