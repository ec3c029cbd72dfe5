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
package main

import (
	"sync"

	"go.uber.org/zap"

	"github.com/btengine/core/core"
	"github.com/btengine/core/lib/engine"
	"github.com/btengine/core/lib/tracker"
)

// peerQueue buffers peers discovered via tracker announces, per torrent,
// and hands them out one at a time as engine.PeerSource.NextPeer. Every
// peer an announce turns up is also requested as a tcp_connect slot, so
// the engine's op queue drains the backlog at its own rate rather than
// this queue dialing anything itself.
type peerQueue struct {
	eng    *engine.Engine
	logger *zap.SugaredLogger

	mu    sync.Mutex
	peers map[core.InfoHash][]*core.PeerInfo
}

func newPeerQueue(eng *engine.Engine, logger *zap.SugaredLogger) *peerQueue {
	return &peerQueue{eng: eng, logger: logger, peers: make(map[core.InfoHash][]*core.PeerInfo)}
}

// AnnounceSucceeded implements tracker.Events.
func (q *peerQueue) AnnounceSucceeded(h core.InfoHash, resp tracker.Response) {
	if len(resp.Peers) == 0 {
		return
	}
	q.mu.Lock()
	q.peers[h] = append(q.peers[h], resp.Peers...)
	q.mu.Unlock()
	q.eng.RequestDaemonOps(h, engine.OpTCPConnect, len(resp.Peers))
}

// AnnounceFailed implements tracker.Events.
func (q *peerQueue) AnnounceFailed(h core.InfoHash, t tracker.Tracker, err error) {
	q.logger.Infof("Announce to %s failed for %s: %s", t.URL, h.Hex(), err)
}

// NextPeer implements engine.PeerSource.
func (q *peerQueue) NextPeer(h core.InfoHash) (*core.PeerInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ps := q.peers[h]
	if len(ps) == 0 {
		return nil, false
	}
	p := ps[0]
	q.peers[h] = ps[1:]
	return p, true
}
