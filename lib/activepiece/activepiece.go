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

// Package activepiece buffers in-flight piece data in memory until a piece
// is complete and verified, tracking per-block request state so the
// engine never asks the same peer for the same block twice outside of
// endgame mode.
package activepiece

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/btengine/core/core"
)

// BlockSize is the fixed request unit size, per BEP 3 convention.
const BlockSize = 16 * 1024

// blockRequest tracks one outstanding request for a block.
type blockRequest struct {
	peerID   core.PeerID
	deadline time.Time
}

// ActivePiece buffers all blocks of one piece until it is complete. It is
// not safe for concurrent use by itself; callers synchronize through
// ActivePieceManager.
type ActivePiece struct {
	PieceIndex int
	Length     int64

	blockSize   int64
	numBlocks   int
	data        map[int][]byte
	requests    map[int][]blockRequest
	lastActivity time.Time
}

// NewActivePiece creates an ActivePiece for a piece of the given length.
func NewActivePiece(pieceIndex int, length int64, clk clock.Clock) *ActivePiece {
	numBlocks := int((length + BlockSize - 1) / BlockSize)
	return &ActivePiece{
		PieceIndex:   pieceIndex,
		Length:       length,
		blockSize:    BlockSize,
		numBlocks:    numBlocks,
		data:         make(map[int][]byte),
		requests:     make(map[int][]blockRequest),
		lastActivity: clk.Now(),
	}
}

// NumBlocks returns the number of blocks composing the piece.
func (p *ActivePiece) NumBlocks() int { return p.numBlocks }

// blockLength returns the length of block i, accounting for a short final
// block.
func (p *ActivePiece) blockLength(i int) int64 {
	if i == p.numBlocks-1 {
		return p.Length - p.blockSize*int64(i)
	}
	return p.blockSize
}

// getNeededBlocks returns up to max block indices that have neither data
// nor any live (non-expired) request.
func (p *ActivePiece) getNeededBlocks(now time.Time, max int) []int {
	var out []int
	for i := 0; i < p.numBlocks && len(out) < max; i++ {
		if _, have := p.data[i]; have {
			continue
		}
		if p.hasLiveRequest(i, now) {
			continue
		}
		out = append(out, i)
	}
	return out
}

// getNeededBlocksEndgame returns up to max blocks that peerID itself has
// not yet been asked for, regardless of other peers' outstanding requests
// -- endgame mode deliberately duplicates requests across peers.
func (p *ActivePiece) getNeededBlocksEndgame(peerID core.PeerID, max int) []int {
	var out []int
	for i := 0; i < p.numBlocks && len(out) < max; i++ {
		if _, have := p.data[i]; have {
			continue
		}
		askedThisPeer := false
		for _, r := range p.requests[i] {
			if r.peerID == peerID {
				askedThisPeer = true
				break
			}
		}
		if !askedThisPeer {
			out = append(out, i)
		}
	}
	return out
}

func (p *ActivePiece) hasLiveRequest(i int, now time.Time) bool {
	for _, r := range p.requests[i] {
		if now.Before(r.deadline) {
			return true
		}
	}
	return false
}

// addRequest records an outstanding request for block i by peerID.
func (p *ActivePiece) addRequest(i int, peerID core.PeerID, deadline time.Time) {
	p.requests[i] = append(p.requests[i], blockRequest{peerID: peerID, deadline: deadline})
}

// addBlock deposits data for block i, attributed to peerID. Returns true if
// this is the first data received for the block (false if a duplicate,
// which callers should log and drop).
func (p *ActivePiece) addBlock(now time.Time, i int, data []byte, peerID core.PeerID) bool {
	p.lastActivity = now
	if _, have := p.data[i]; have {
		return false
	}
	p.data[i] = data
	return true
}

// isComplete reports whether every block has been received.
func (p *ActivePiece) isComplete() bool {
	return len(p.data) == p.numBlocks
}

// assemble concatenates all blocks in order. Must only be called when
// isComplete() is true.
func (p *ActivePiece) assemble() []byte {
	buf := make([]byte, 0, p.Length)
	for i := 0; i < p.numBlocks; i++ {
		buf = append(buf, p.data[i]...)
	}
	return buf
}

// getContributingPeers returns the peers holding a recorded request for a
// block of this piece that has data. Used to penalize contributors on hash
// failure. The sender of a block is not recorded, so in endgame mode the
// result can include requesters that did not send the data, and a block
// whose request was already reaped by checkTimeouts contributes no peer.
func (p *ActivePiece) getContributingPeers() []core.PeerID {
	seen := make(map[core.PeerID]bool)
	var out []core.PeerID
	for i := range p.data {
		for _, r := range p.requests[i] {
			if !seen[r.peerID] {
				// A request does not guarantee this peer sent the data (it
				// may have been another peer in endgame mode); approximate
				// contributors as "requested and we now have the block."
				seen[r.peerID] = true
				out = append(out, r.peerID)
			}
		}
	}
	return out
}

// getOtherRequesters returns peers, excluding excludePeerID, with a live
// outstanding request for block i -- used to compute endgame CANCELs.
func (p *ActivePiece) getOtherRequesters(now time.Time, i int, excludePeerID core.PeerID) []core.PeerID {
	var out []core.PeerID
	for _, r := range p.requests[i] {
		if r.peerID != excludePeerID && now.Before(r.deadline) {
			out = append(out, r.peerID)
		}
	}
	return out
}

// checkTimeouts removes requests whose deadline has passed, returning the
// indices of blocks that had at least one request reaped so callers can
// reissue.
func (p *ActivePiece) checkTimeouts(now time.Time) []int {
	var reaped []int
	for i, reqs := range p.requests {
		var kept []blockRequest
		removed := false
		for _, r := range reqs {
			if now.Before(r.deadline) {
				kept = append(kept, r)
			} else {
				removed = true
			}
		}
		if removed {
			reaped = append(reaped, i)
		}
		if len(kept) == 0 {
			delete(p.requests, i)
		} else {
			p.requests[i] = kept
		}
	}
	return reaped
}

// hasUnrequestedBlocks reports whether any block lacks a live outstanding
// request -- the signal the EndgameManager uses to decide whether to
// enter endgame mode.
func (p *ActivePiece) hasUnrequestedBlocks(now time.Time) bool {
	for i := 0; i < p.numBlocks; i++ {
		if _, have := p.data[i]; have {
			continue
		}
		if !p.hasLiveRequest(i, now) {
			return true
		}
	}
	return false
}

// bufferedBytes returns the number of bytes currently held in memory for
// this piece.
func (p *ActivePiece) bufferedBytes() int64 {
	var n int64
	for _, b := range p.data {
		n += int64(len(b))
	}
	return n
}

// Manager owns the active-piece table keyed by piece index, enforcing a
// buffered-bytes memory cap and periodic stale-piece cleanup.
type Manager struct {
	mu sync.Mutex

	clock clock.Clock

	pieces map[int]*ActivePiece

	maxBufferedBytes int64
	maxActivePieces  int
	requestTimeout   time.Duration
	staleTimeout     time.Duration

	totalBufferedBytes int64
}

// Config configures a Manager.
type Config struct {
	MaxBufferedBytes int64         `yaml:"max_buffered_bytes"`
	MaxActivePieces  int           `yaml:"max_active_pieces"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	StaleTimeout     time.Duration `yaml:"stale_timeout"`
}

func (c Config) applyDefaults() Config {
	if c.MaxBufferedBytes == 0 {
		c.MaxBufferedBytes = 128 * 1024 * 1024
	}
	if c.MaxActivePieces == 0 {
		c.MaxActivePieces = 10000
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = 120 * time.Second
	}
	return c
}

// NewManager creates a Manager.
func NewManager(clk clock.Clock, config Config) *Manager {
	config = config.applyDefaults()
	return &Manager{
		clock:            clk,
		pieces:           make(map[int]*ActivePiece),
		maxBufferedBytes: config.MaxBufferedBytes,
		maxActivePieces:  config.MaxActivePieces,
		requestTimeout:   config.RequestTimeout,
		staleTimeout:      config.StaleTimeout,
	}
}

// GetOrCreate returns the ActivePiece for pieceIndex, creating it (with
// length) if absent. Returns (nil, false) for an absent piece when the
// buffered bytes are already at or above maxBufferedBytes (callers should
// not request further pieces until buffer pressure eases).
func (m *Manager) GetOrCreate(pieceIndex int, length int64) (*ActivePiece, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pieces[pieceIndex]; ok {
		return p, true
	}
	if m.totalBufferedBytes >= m.maxBufferedBytes {
		return nil, false
	}
	p := NewActivePiece(pieceIndex, length, m.clock)
	m.pieces[pieceIndex] = p
	return p, true
}

// Get returns the ActivePiece for pieceIndex, if any.
func (m *Manager) Get(pieceIndex int) (*ActivePiece, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pieces[pieceIndex]
	return p, ok
}

// AddBlock deposits data for (pieceIndex, blockIndex) from peerID.
func (m *Manager) AddBlock(pieceIndex, blockIndex int, data []byte, peerID core.PeerID) (isNew bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.pieces[pieceIndex]
	if !exists {
		return false, false
	}
	before := p.bufferedBytes()
	isNew = p.addBlock(m.clock.Now(), blockIndex, data, peerID)
	if isNew {
		m.totalBufferedBytes += p.bufferedBytes() - before
	}
	return isNew, true
}

// GetNeededBlocks returns up to max block indices of pieceIndex that have
// neither data nor a live outstanding request. Returns false if
// pieceIndex has no ActivePiece.
func (m *Manager) GetNeededBlocks(pieceIndex int, max int) ([]int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pieces[pieceIndex]
	if !ok {
		return nil, false
	}
	return p.getNeededBlocks(m.clock.Now(), max), true
}

// GetNeededBlocksEndgame returns up to max block indices of pieceIndex
// that peerID has not itself been asked for, regardless of other peers'
// outstanding requests. Returns false if pieceIndex has no ActivePiece.
func (m *Manager) GetNeededBlocksEndgame(pieceIndex int, peerID core.PeerID, max int) ([]int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pieces[pieceIndex]
	if !ok {
		return nil, false
	}
	return p.getNeededBlocksEndgame(peerID, max), true
}

// BlockLength returns the length of block i of pieceIndex, accounting for
// a short final block. Returns false if pieceIndex has no ActivePiece.
func (m *Manager) BlockLength(pieceIndex, blockIndex int) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pieces[pieceIndex]
	if !ok {
		return 0, false
	}
	return p.blockLength(blockIndex), true
}

// IsComplete reports whether every block of pieceIndex has been received.
func (m *Manager) IsComplete(pieceIndex int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pieces[pieceIndex]
	return ok && p.isComplete()
}

// Assemble concatenates all blocks of pieceIndex in order. Must only be
// called when IsComplete(pieceIndex) is true.
func (m *Manager) Assemble(pieceIndex int) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pieces[pieceIndex]
	if !ok {
		return nil, false
	}
	return p.assemble(), true
}

// GetContributingPeers returns the peers holding a recorded request for a
// received block of pieceIndex, used to penalize contributors on hash
// failure. See getContributingPeers for what this does not capture.
func (m *Manager) GetContributingPeers(pieceIndex int) []core.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pieces[pieceIndex]
	if !ok {
		return nil
	}
	return p.getContributingPeers()
}

// AddRequest records an outstanding request for (pieceIndex, blockIndex).
func (m *Manager) AddRequest(pieceIndex, blockIndex int, peerID core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pieces[pieceIndex]; ok {
		p.addRequest(blockIndex, peerID, m.clock.Now().Add(m.requestTimeout))
	}
}

// GetOtherRequesters returns peers, excluding excludePeerID, with a live
// outstanding request for (pieceIndex, blockIndex) -- used by the
// endgame manager to compute CANCEL decisions when a block arrives.
func (m *Manager) GetOtherRequesters(pieceIndex, blockIndex int, excludePeerID core.PeerID) []core.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pieces[pieceIndex]
	if !ok {
		return nil
	}
	return p.getOtherRequesters(m.clock.Now(), blockIndex, excludePeerID)
}

// Remove discards the ActivePiece for pieceIndex, releasing its buffered
// memory -- called on finalize (success or hash failure) or torrent stop.
func (m *Manager) Remove(pieceIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pieces[pieceIndex]; ok {
		m.totalBufferedBytes -= p.bufferedBytes()
		delete(m.pieces, pieceIndex)
	}
}

// RemoveAll discards all active pieces, used by torrent stop.
func (m *Manager) RemoveAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pieces = make(map[int]*ActivePiece)
	m.totalBufferedBytes = 0
}

// TotalBufferedBytes returns the sum of buffered bytes across all active
// pieces. GetOrCreate refuses new pieces once it reaches the configured
// memory cap; blocks added to existing pieces can still take it past the
// cap.
func (m *Manager) TotalBufferedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalBufferedBytes
}

// ActivePieceIndices returns the set of piece indices with an ActivePiece,
// used by PiecePicker's "started" bias and EndgameManager's entry check.
func (m *Manager) ActivePieceIndices() map[int]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int]bool, len(m.pieces))
	for i := range m.pieces {
		out[i] = true
	}
	return out
}

// HasUnrequestedBlocks reports whether any active piece has a block with
// no live outstanding request.
func (m *Manager) HasUnrequestedBlocks() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, p := range m.pieces {
		if p.hasUnrequestedBlocks(now) {
			return true
		}
	}
	return false
}

// CheckTimeouts reaps expired requests across all active pieces.
func (m *Manager) CheckTimeouts() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, p := range m.pieces {
		p.checkTimeouts(now)
	}
}

// EvictStale removes active pieces that have seen no activity for
// staleTimeout, returning their indices.
func (m *Manager) EvictStale() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var evicted []int
	for i, p := range m.pieces {
		if now.Sub(p.lastActivity) > m.staleTimeout {
			m.totalBufferedBytes -= p.bufferedBytes()
			delete(m.pieces, i)
			evicted = append(evicted, i)
		}
	}
	return evicted
}
