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

// Package torrent owns per-info-hash state and orchestrates piece
// selection, active piece buffering, disk commit, and the peer
// choke/unchoke algorithm across every connected peer.
package torrent

import (
	"time"

	"github.com/btengine/core/lib/activepiece"
	"github.com/btengine/core/lib/diskqueue"
	"github.com/btengine/core/lib/endgame"
)

// Config configures a Torrent.
type Config struct {
	// ChokeInterval is how often the regular (non-optimistic) unchoke
	// slots are recomputed.
	ChokeInterval time.Duration `yaml:"choke_interval"`

	// OptimisticUnchokeInterval is how often a fresh random choked,
	// interested peer is given an optimistic unchoke slot.
	OptimisticUnchokeInterval time.Duration `yaml:"optimistic_unchoke_interval"`

	// UnchokedPeers is the number of regular unchoke slots.
	UnchokedPeers int `yaml:"unchoked_peers"`

	// OptimisticUnchokedPeers is the number of optimistic unchoke slots.
	OptimisticUnchokedPeers int `yaml:"optimistic_unchoked_peers"`

	// AntiSnubInterval is how long an unchoked peer may go without
	// sending us a block before we choke them for snubbing us.
	AntiSnubInterval time.Duration `yaml:"anti_snub_interval"`

	// RefillInterval drives the slow-drift request refill loop that
	// catches peers an event-driven refill missed -- e.g. a peer that
	// unchoked us while we had nothing yet to ask for.
	RefillInterval time.Duration `yaml:"refill_interval"`

	// MaxPiecesPerSelection bounds how many pieces PiecePicker considers
	// per requestPieces call.
	MaxPiecesPerSelection int `yaml:"max_pieces_per_selection"`

	ActivePiece activepiece.Config `yaml:"active_piece"`
	Endgame     endgame.Config     `yaml:"endgame"`
	DiskQueue   diskqueue.Config   `yaml:"disk_queue"`
}

func (c Config) applyDefaults() Config {
	if c.ChokeInterval == 0 {
		c.ChokeInterval = 10 * time.Second
	}
	if c.OptimisticUnchokeInterval == 0 {
		c.OptimisticUnchokeInterval = 30 * time.Second
	}
	if c.UnchokedPeers == 0 {
		c.UnchokedPeers = 4
	}
	if c.OptimisticUnchokedPeers == 0 {
		c.OptimisticUnchokedPeers = 1
	}
	if c.AntiSnubInterval == 0 {
		c.AntiSnubInterval = 60 * time.Second
	}
	if c.RefillInterval == 0 {
		c.RefillInterval = time.Second
	}
	if c.MaxPiecesPerSelection == 0 {
		c.MaxPiecesPerSelection = 8
	}
	return c
}
