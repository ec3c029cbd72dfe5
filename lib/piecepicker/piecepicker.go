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

// Package piecepicker selects the next pieces to request from a peer.
// SelectPieces is a pure function of its snapshot inputs: it mutates
// nothing and is safe to call concurrently, which keeps rarity-heuristic
// changes low-risk and makes the heuristic trivially unit-testable.
package piecepicker

import (
	"math/rand"
	"sort"

	"github.com/willf/bitset"
)

// Input is the snapshot of state SelectPieces reasons over.
type Input struct {
	// PeerBitfield is the remote peer's bitfield of held pieces.
	PeerBitfield *bitset.BitSet

	// OwnBitfield is the pieces we already have.
	OwnBitfield *bitset.BitSet

	// Priority is 0 (blacklisted), 1 (normal), or 2 (high) per piece, as
	// derived from the max priority of files the piece touches.
	Priority []int

	// Availability is the number of connected peers known to have each
	// piece.
	Availability []int

	// Started is the set of piece indices with an in-flight ActivePiece.
	Started map[int]bool

	// MaxPieces bounds how many piece indices SelectPieces returns.
	MaxPieces int

	// Jitter, when non-nil, breaks exact ties with a per-torrent seeded
	// random source instead of piece index, avoiding every peer settling
	// on the same piece when rarity is identical across the board.
	// With Jitter nil, ties break on descending piece index.
	Jitter *rand.Rand
}

type candidate struct {
	piece     int
	priority  int
	started   bool
	available int
	jitter    float64
}

// SelectPieces returns, in order, the piece indices a peer should next be
// asked for: higher priority first, started (in-flight) pieces first
// within a priority tier, then rarest (lowest availability) first. Two
// calls with identical inputs (and, if Jitter is set, the same *rand.Rand
// state) produce identical output.
func SelectPieces(in Input) []int {
	if in.MaxPieces <= 0 || in.PeerBitfield == nil || in.OwnBitfield == nil {
		return nil
	}

	var candidates []candidate
	for i, ok := in.PeerBitfield.NextSet(0); ok; i, ok = in.PeerBitfield.NextSet(i + 1) {
		idx := int(i)
		if in.OwnBitfield.Test(i) {
			continue
		}
		if idx >= len(in.Priority) || in.Priority[idx] <= 0 {
			continue
		}
		avail := 0
		if idx < len(in.Availability) {
			avail = in.Availability[idx]
		}
		c := candidate{
			piece:     idx,
			priority:  in.Priority[idx],
			started:   in.Started[idx],
			available: avail,
		}
		if in.Jitter != nil {
			c.jitter = in.Jitter.Float64()
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.started != b.started {
			return a.started
		}
		if a.available != b.available {
			return a.available < b.available
		}
		if in.Jitter != nil {
			return a.jitter < b.jitter
		}
		return a.piece > b.piece
	})

	n := in.MaxPieces
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = candidates[i].piece
	}
	return out
}
