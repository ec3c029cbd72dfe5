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
package engine

import (
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/btengine/core/core"
	"github.com/btengine/core/lib/peerconn"
	"github.com/btengine/core/lib/torrent"
	"github.com/btengine/core/lib/tracker"
)

// PeerSource supplies candidate peers to dial for a torrent's
// tcp_connect slots. Trackers, DHT, PEX and LPD are all peer sources;
// only the interface is defined here, since their wire codecs are an
// external collaborator.
type PeerSource interface {
	// NextPeer returns the next candidate peer to dial for h, or false
	// if none are currently known.
	NextPeer(h core.InfoHash) (*core.PeerInfo, bool)
}

// TorrentOps adapts a *torrent.Torrent, its tracker manager, and a peer
// source into the engine.Torrent interface, so that a single rate
// limited, round-robin op queue governs when it may open an outgoing
// connection or fire a tracker announce.
type TorrentOps struct {
	t          *torrent.Torrent
	trackers   *tracker.Manager
	peers      PeerSource
	handshaker *peerconn.Handshaker
	infoHash   core.InfoHash
	numPieces  int

	active *atomic.Bool
	logger *zap.SugaredLogger
}

// NewTorrentOps creates a TorrentOps for t.
func NewTorrentOps(
	t *torrent.Torrent,
	trackers *tracker.Manager,
	peers PeerSource,
	handshaker *peerconn.Handshaker,
	logger *zap.SugaredLogger) *TorrentOps {

	return &TorrentOps{
		t:          t,
		trackers:   trackers,
		peers:      peers,
		handshaker: handshaker,
		infoHash:   t.InfoHash(),
		numPieces:  t.NumPieces(),
		active:     atomic.NewBool(true),
		logger:     logger,
	}
}

// InfoHash returns the wrapped torrent's info hash.
func (a *TorrentOps) InfoHash() core.InfoHash { return a.infoHash }

// Active reports whether a has not yet been deactivated via Deactivate.
func (a *TorrentOps) Active() bool { return a.active.Load() }

// Deactivate marks a inactive so the engine stops offering it slots.
// Called when the wrapped torrent is stopped, before it is removed from
// the engine.
func (a *TorrentOps) Deactivate() { a.active.Store(false) }

// UseDaemonSlot chooses and executes exactly one action in priority
// order: dial a candidate peer, then fire a pending tracker announce.
// utp_connect is reserved and never consumed.
func (a *TorrentOps) UseDaemonSlot(pending map[Op]int) Op {
	if pending[OpTCPConnect] > 0 {
		if peer, ok := a.peers.NextPeer(a.infoHash); ok {
			go a.connectOnePeer(peer)
			return OpTCPConnect
		}
	}
	if pending[OpUDPAnnounce] > 0 || pending[OpHTTPAnnounce] > 0 {
		if kind, ok := a.trackers.AnnounceOne(a.infoHash); ok {
			return Op(kind)
		}
	}
	return OpNone
}

func (a *TorrentOps) connectOnePeer(peer *core.PeerInfo) {
	addr := fmt.Sprintf("%s:%d", peer.IP, peer.Port)

	conn, err := a.handshaker.Initialize(addr, peer.PeerID, a.infoHash, a.numPieces, false)
	if err != nil {
		a.logger.Infof("Error connecting to peer %s at %s: %s", peer.PeerID, addr, err)
		return
	}
	if err := a.t.AddPeer(conn); err != nil {
		a.logger.Infof("Error adding peer %s: %s", peer.PeerID, err)
		conn.Close(err)
		return
	}
	conn.Start()
}
