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

	"github.com/willf/bitset"

	"github.com/btengine/core/core"
	"github.com/btengine/core/lib/peerconn"
	"github.com/btengine/core/lib/torrent"
)

// torrentRegistry routes peerconn.Events callbacks to the torrent a Conn
// belongs to. A single Handshaker serves every torrent the process has
// open, so this is the fan-out point between the wire layer and each
// torrent's own state machine.
type torrentRegistry struct {
	mu       sync.Mutex
	torrents map[core.InfoHash]*torrent.Torrent
}

func newTorrentRegistry() *torrentRegistry {
	return &torrentRegistry{torrents: make(map[core.InfoHash]*torrent.Torrent)}
}

func (r *torrentRegistry) register(t *torrent.Torrent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.torrents[t.InfoHash()] = t
}

func (r *torrentRegistry) unregister(h core.InfoHash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.torrents, h)
}

func (r *torrentRegistry) lookup(h core.InfoHash) *torrent.Torrent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.torrents[h]
}

func (r *torrentRegistry) OnBitfield(c *peerconn.Conn, bf *bitset.BitSet) {
	if t := r.lookup(c.InfoHash()); t != nil {
		t.OnBitfield(c, bf)
	}
}

func (r *torrentRegistry) OnHave(c *peerconn.Conn, i int) {
	if t := r.lookup(c.InfoHash()); t != nil {
		t.OnHave(c, i)
	}
}

func (r *torrentRegistry) OnBlock(c *peerconn.Conn, index int, begin int, data []byte) {
	if t := r.lookup(c.InfoHash()); t != nil {
		t.OnBlock(c, index, begin, data)
	}
}

func (r *torrentRegistry) OnChoke(c *peerconn.Conn) {
	if t := r.lookup(c.InfoHash()); t != nil {
		t.OnChoke(c)
	}
}

func (r *torrentRegistry) OnUnchoke(c *peerconn.Conn) {
	if t := r.lookup(c.InfoHash()); t != nil {
		t.OnUnchoke(c)
	}
}

func (r *torrentRegistry) OnInterested(c *peerconn.Conn) {
	if t := r.lookup(c.InfoHash()); t != nil {
		t.OnInterested(c)
	}
}

func (r *torrentRegistry) OnNotInterested(c *peerconn.Conn) {
	if t := r.lookup(c.InfoHash()); t != nil {
		t.OnNotInterested(c)
	}
}

func (r *torrentRegistry) OnRequest(c *peerconn.Conn, index, begin, length int) {
	if t := r.lookup(c.InfoHash()); t != nil {
		t.OnRequest(c, index, begin, length)
	}
}

func (r *torrentRegistry) OnCancel(c *peerconn.Conn, index, begin, length int) {
	if t := r.lookup(c.InfoHash()); t != nil {
		t.OnCancel(c, index, begin, length)
	}
}

func (r *torrentRegistry) OnBytesDownloaded(c *peerconn.Conn, n int64) {
	if t := r.lookup(c.InfoHash()); t != nil {
		t.OnBytesDownloaded(c, n)
	}
}

func (r *torrentRegistry) OnBytesUploaded(c *peerconn.Conn, n int64) {
	if t := r.lookup(c.InfoHash()); t != nil {
		t.OnBytesUploaded(c, n)
	}
}

func (r *torrentRegistry) OnClose(c *peerconn.Conn, reason error) {
	if t := r.lookup(c.InfoHash()); t != nil {
		t.OnClose(c, reason)
	}
}
