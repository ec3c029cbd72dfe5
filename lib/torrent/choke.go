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
package torrent

import (
	"math/rand"
	"sort"
)

// tickUnchoke recomputes the regular unchoke slots: the top
// UnchokedPeers interested, non-optimistically-unchoked peers by recent
// rate (upload rate while seeding, download rate while leeching) keep or
// gain an unchoke; the remaining candidates are choked, and peers that
// are not interested or hold an optimistic slot are left as they are.
// Byte counters reset every tick regardless of outcome.
func (t *Torrent) tickUnchoke() {
	t.mu.Lock()
	seeding := t.storage.Complete()
	var candidates []*peer
	for _, p := range t.peers {
		if p.conn.PeerInterested() && !p.optimisticallyUnchoked {
			candidates = append(candidates, p)
		}
	}
	if seeding {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].uploadedInPeriod > candidates[j].uploadedInPeriod
		})
	} else {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].downloadedInPeriod > candidates[j].downloadedInPeriod
		})
	}
	for _, p := range t.peers {
		p.uploadedInPeriod = 0
		p.downloadedInPeriod = 0
	}

	var toUnchoke, toChoke []*peer
	for i, p := range candidates {
		if i < t.config.UnchokedPeers {
			toUnchoke = append(toUnchoke, p)
		} else {
			toChoke = append(toChoke, p)
		}
	}
	t.mu.Unlock()

	for _, p := range toUnchoke {
		if err := p.conn.SendUnchoke(); err != nil {
			t.logger.Infof("Error unchoking %s: %s", p.conn.PeerID(), err)
		}
	}
	for _, p := range toChoke {
		if err := p.conn.SendChoke(); err != nil {
			t.logger.Infof("Error choking %s: %s", p.conn.PeerID(), err)
		}
	}
}

// tickOptimisticUnchoke chokes the previous optimistic picks, then
// unchokes OptimisticUnchokedPeers fresh random interested peers we are
// currently choking, giving new or poorly-ranked peers a chance to prove
// their upload rate before the next regular unchoke tick.
func (t *Torrent) tickOptimisticUnchoke() {
	t.mu.Lock()
	var previous []*peer
	for _, id := range t.optimisticPeerIDs {
		if p, ok := t.peers[id]; ok {
			previous = append(previous, p)
			p.optimisticallyUnchoked = false
		}
	}

	var candidates []*peer
	for _, p := range t.peers {
		if p.conn.PeerInterested() && !p.optimisticallyUnchoked && p.conn.AmChoking() {
			candidates = append(candidates, p)
		}
	}

	var picked []*peer
	for i := 0; i < t.config.OptimisticUnchokedPeers && len(candidates) > 0; i++ {
		idx := rand.Intn(len(candidates))
		p := candidates[idx]
		candidates = append(candidates[:idx], candidates[idx+1:]...)
		p.optimisticallyUnchoked = true
		picked = append(picked, p)
	}

	t.optimisticPeerIDs = t.optimisticPeerIDs[:0]
	for _, p := range picked {
		t.optimisticPeerIDs = append(t.optimisticPeerIDs, p.conn.PeerID())
	}
	t.mu.Unlock()

	for _, p := range previous {
		if err := p.conn.SendChoke(); err != nil {
			t.logger.Infof("Error choking %s: %s", p.conn.PeerID(), err)
		}
	}
	for _, p := range picked {
		if err := p.conn.SendUnchoke(); err != nil {
			t.logger.Infof("Error optimistically unchoking %s: %s", p.conn.PeerID(), err)
		}
	}
}

// tickAntiSnub chokes any peer we have unchoked that has not sent us a
// single block within AntiSnubInterval -- they are either stalled or
// deliberately withholding despite our unchoke.
func (t *Torrent) tickAntiSnub() {
	now := t.clk.Now()
	cutoff := t.config.AntiSnubInterval

	t.mu.Lock()
	var snubbed []*peer
	for _, p := range t.peers {
		if !p.conn.AmChoking() && now.Sub(p.lastBlockAt) > cutoff {
			snubbed = append(snubbed, p)
		}
	}
	t.mu.Unlock()

	for _, p := range snubbed {
		t.logger.Infof("Snubbing unresponsive peer %s", p.conn.PeerID())
		if err := p.conn.SendChoke(); err != nil {
			t.logger.Infof("Error snub-choking %s: %s", p.conn.PeerID(), err)
		}
	}
}

// tickRefill is the slow-drift fallback that catches peers an
// event-driven refill missed, e.g. a peer unchoked us while we had
// nothing yet selectable to request.
func (t *Torrent) tickRefill() {
	t.mu.Lock()
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.activePieces.CheckTimeouts()
	evicted := t.activePieces.EvictStale()
	t.mu.Unlock()

	if len(evicted) > 0 {
		t.logger.Infof("Evicted %d stale active pieces", len(evicted))
	}

	for _, p := range peers {
		t.requestPieces(p)
	}
}
