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
	"time"

	"github.com/willf/bitset"

	"github.com/btengine/core/lib/peerconn"
)

// peer bundles a live connection with the torrent-level bookkeeping the
// choke algorithm and piece selection need, none of which belongs inside
// peerconn.Conn itself since it is specific to how a single torrent
// schedules requests across many peers.
type peer struct {
	conn *peerconn.Conn

	// bitfield is our view of the pieces this peer holds, maintained
	// from OnBitfield (replace) and OnHave (set) -- peerconn.Conn does
	// not retain it once delivered.
	bitfield *bitset.BitSet

	// uploadedInPeriod / downloadedInPeriod accumulate bytes since the
	// last choke tick, used to rank peers for regular unchoke slots.
	uploadedInPeriod   int64
	downloadedInPeriod int64

	// optimisticallyUnchoked marks a peer holding the current optimistic
	// unchoke slot, so the regular unchoke tick does not immediately
	// choke them for ranking poorly.
	optimisticallyUnchoked bool

	// lastBlockAt is the last time this peer sent us a block while
	// unchoked by them; used for anti-snub detection.
	lastBlockAt time.Time

	// bitfieldReceived guards against a peer sending BITFIELD twice,
	// which violates the protocol (it is only valid immediately after
	// the handshake).
	bitfieldReceived bool
}

func newPeer(conn *peerconn.Conn, numPieces int, now time.Time) *peer {
	return &peer{
		conn:        conn,
		bitfield:    bitset.New(uint(numPieces)),
		lastBlockAt: now,
	}
}
