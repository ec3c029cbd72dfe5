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
	"bytes"
	"crypto/sha1"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/btengine/core/core"
	"github.com/btengine/core/lib/activepiece"
	"github.com/btengine/core/lib/peerconn"
	"github.com/btengine/core/lib/storage"
)

// buildSingleFileTorrent constructs a MetaInfo for a single file of
// exactly numPieces*activepiece.BlockSize bytes, so each piece is a
// single block and the download flow does not need multi-block
// reassembly to exercise.
func buildSingleFileTorrent(t *testing.T, numPieces int) (*core.MetaInfo, []byte) {
	t.Helper()

	pieceLength := int64(activepiece.BlockSize)
	data := make([]byte, int(pieceLength)*numPieces)
	for i := range data {
		data[i] = byte(i % 251)
	}

	var pieces bytes.Buffer
	for off := 0; off < len(data); off += int(pieceLength) {
		h := sha1.Sum(data[off : off+int(pieceLength)])
		pieces.Write(h[:])
	}

	raw := map[string]interface{}{
		"info": map[string]interface{}{
			"piece length": pieceLength,
			"pieces":       pieces.String(),
			"name":         "single",
			"length":       int64(len(data)),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, raw))

	mi, err := core.NewMetaInfoFromTorrentFile(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	return mi, data
}

func newTorrentTestStorage(t *testing.T, mi *core.MetaInfo) *storage.ContentStorage {
	t.Helper()
	cs, err := storage.New(t.TempDir(), mi)
	require.NoError(t, err)
	return cs
}

// newHandshakedPair establishes a real, unstarted connection pair over a
// loopback TCP socket, mirroring TestHandshakerFullHandshakeBetweenTwoInstances.
// Callers must register each Conn with its owning Torrent before calling
// Start, so no message can be dispatched before the peer is known.
func newHandshakedPair(t *testing.T, infoHash core.InfoHash, numPieces int, aEvents, bEvents peerconn.Events) (a, b *peerconn.Conn, aID, bID core.PeerID) {
	t.Helper()

	aID, err := core.RandomPeerID()
	require.NoError(t, err)
	bID, err = core.RandomPeerID()
	require.NoError(t, err)

	ah, err := peerconn.NewHandshaker(peerconn.Config{}, tally.NoopScope, clock.New(), aID, aEvents, zap.NewNop().Sugar())
	require.NoError(t, err)
	bh, err := peerconn.NewHandshaker(peerconn.Config{}, tally.NoopScope, clock.New(), bID, bEvents, zap.NewNop().Sugar())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		c   *peerconn.Conn
		err error
	}
	acceptCh := make(chan result, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			acceptCh <- result{nil, err}
			return
		}
		pc, err := bh.Accept(nc)
		if err != nil {
			acceptCh <- result{nil, err}
			return
		}
		c, err := bh.Establish(pc, infoHash, numPieces, false)
		acceptCh <- result{c, err}
	}()

	c, err := ah.Initialize(ln.Addr().String(), bID, infoHash, numPieces, false)
	require.NoError(t, err)

	r := <-acceptCh
	require.NoError(t, r.err)

	return c, r.c, aID, bID
}

// fakeSeeder is a minimal peerconn.Events implementation that serves
// REQUESTs directly from an in-memory ContentStorage, standing in for a
// remote peer that already has everything we want.
type fakeSeeder struct {
	storage *storage.ContentStorage
}

func (f *fakeSeeder) OnBitfield(c *peerconn.Conn, bf *bitset.BitSet) {}
func (f *fakeSeeder) OnHave(c *peerconn.Conn, i int)                 {}
func (f *fakeSeeder) OnBlock(c *peerconn.Conn, index, begin int, data []byte) {}
func (f *fakeSeeder) OnChoke(c *peerconn.Conn)                       {}
func (f *fakeSeeder) OnUnchoke(c *peerconn.Conn)                     {}
func (f *fakeSeeder) OnInterested(c *peerconn.Conn)                  {}
func (f *fakeSeeder) OnNotInterested(c *peerconn.Conn)               {}
func (f *fakeSeeder) OnCancel(c *peerconn.Conn, index, begin, length int) {}
func (f *fakeSeeder) OnBytesDownloaded(c *peerconn.Conn, n int64)    {}
func (f *fakeSeeder) OnBytesUploaded(c *peerconn.Conn, n int64)      {}
func (f *fakeSeeder) OnClose(c *peerconn.Conn, reason error)         {}

func (f *fakeSeeder) OnRequest(c *peerconn.Conn, index, begin, length int) {
	data, err := f.storage.ReadBlock(index, int64(begin), int64(length))
	if err != nil {
		return
	}
	c.SendPiece(index, begin, data)
}

// recordingEvents records Torrent-level lifecycle callbacks.
type recordingEvents struct {
	mu        sync.Mutex
	completed []core.InfoHash
	removed   []core.PeerID
}

func (r *recordingEvents) TorrentComplete(t *Torrent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, t.InfoHash())
}

func (r *recordingEvents) PeerRemoved(peerID core.PeerID, infoHash core.InfoHash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, peerID)
}

func (r *recordingEvents) completeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

func newTestTorrent(t *testing.T, mi *core.MetaInfo, cs *storage.ContentStorage, events Events) *Torrent {
	t.Helper()
	peerID, err := core.RandomPeerID()
	require.NoError(t, err)
	return New(Config{}, tally.NoopScope, clock.New(), peerID, mi, cs, events, zap.NewNop().Sugar())
}

func TestTorrentDownloadsFromSeederAndCompletes(t *testing.T) {
	require := require.New(t)

	const numPieces = 2
	mi, data := buildSingleFileTorrent(t, numPieces)

	seederStorage := newTorrentTestStorage(t, mi)
	for i := 0; i < numPieces; i++ {
		off := i * activepiece.BlockSize
		require.NoError(seederStorage.WritePiece(i, data[off:off+activepiece.BlockSize]))
	}
	require.True(seederStorage.Complete())

	leechStorage := newTorrentTestStorage(t, mi)
	events := &recordingEvents{}
	tr := newTestTorrent(t, mi, leechStorage, events)

	seeder := &fakeSeeder{storage: seederStorage}

	connA, connB, _, _ := newHandshakedPair(t, mi.InfoHash(), numPieces, tr, seeder)

	require.NoError(tr.AddPeer(connA))

	connA.Start()
	connB.Start()

	require.NoError(connB.SendBitfield(seederStorage.AdvertisedBitfield()))
	require.NoError(connB.SendUnchoke())

	require.Eventually(func() bool {
		return leechStorage.Complete()
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(func() bool {
		return events.completeCount() == 1
	}, time.Second, 10*time.Millisecond)

	got, err := leechStorage.ReadBlock(0, 0, activepiece.BlockSize)
	require.NoError(err)
	require.Equal(data[:activepiece.BlockSize], got)

	connA.Close(nil)
	connB.Close(nil)
}

func TestTorrentServesUploadToInterestedUnchokedPeer(t *testing.T) {
	require := require.New(t)

	const numPieces = 1
	mi, data := buildSingleFileTorrent(t, numPieces)

	seedingStorage := newTorrentTestStorage(t, mi)
	require.NoError(seedingStorage.WritePiece(0, data[:activepiece.BlockSize]))

	events := &recordingEvents{}
	tr := newTestTorrent(t, mi, seedingStorage, events)

	remote := &recordingBlockReceiver{}

	connA, connB, _, _ := newHandshakedPair(t, mi.InfoHash(), numPieces, tr, remote)

	require.NoError(tr.AddPeer(connA))
	connA.Start()
	connB.Start()

	require.NoError(connB.SendInterested())
	require.NoError(connA.SendUnchoke())
	require.NoError(connB.SendRequest(0, 0, activepiece.BlockSize))

	require.Eventually(func() bool {
		return remote.blockCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(data[:activepiece.BlockSize], remote.lastBlock())

	connA.Close(nil)
	connB.Close(nil)
}

// recordingBlockReceiver records PIECE payloads delivered to it, standing
// in for a remote peer downloading from the Torrent under test.
type recordingBlockReceiver struct {
	mu     sync.Mutex
	blocks [][]byte
}

func (r *recordingBlockReceiver) OnBitfield(c *peerconn.Conn, bf *bitset.BitSet) {}
func (r *recordingBlockReceiver) OnHave(c *peerconn.Conn, i int)                 {}
func (r *recordingBlockReceiver) OnBlock(c *peerconn.Conn, index, begin int, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := append([]byte{}, data...)
	r.blocks = append(r.blocks, cp)
}
func (r *recordingBlockReceiver) OnChoke(c *peerconn.Conn)                       {}
func (r *recordingBlockReceiver) OnUnchoke(c *peerconn.Conn)                     {}
func (r *recordingBlockReceiver) OnInterested(c *peerconn.Conn)                  {}
func (r *recordingBlockReceiver) OnNotInterested(c *peerconn.Conn)               {}
func (r *recordingBlockReceiver) OnRequest(c *peerconn.Conn, index, begin, length int) {}
func (r *recordingBlockReceiver) OnCancel(c *peerconn.Conn, index, begin, length int)  {}
func (r *recordingBlockReceiver) OnBytesDownloaded(c *peerconn.Conn, n int64)    {}
func (r *recordingBlockReceiver) OnBytesUploaded(c *peerconn.Conn, n int64)      {}
func (r *recordingBlockReceiver) OnClose(c *peerconn.Conn, reason error)         {}

func (r *recordingBlockReceiver) blockCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks)
}

func (r *recordingBlockReceiver) lastBlock() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocks[len(r.blocks)-1]
}

func TestTickUnchokeRanksBySeedingUploadRate(t *testing.T) {
	require := require.New(t)

	const numPieces = 1
	mi, _ := buildSingleFileTorrent(t, numPieces)
	cs := newTorrentTestStorage(t, mi)
	data := make([]byte, activepiece.BlockSize)
	require.NoError(cs.WritePiece(0, data))
	require.True(cs.Complete())

	events := &recordingEvents{}
	tr := newTestTorrent(t, mi, cs, events)
	tr.config.UnchokedPeers = 1

	type rigged struct {
		conn *peerconn.Conn
		rate int64
	}
	var conns []*peerconn.Conn
	var rigs []rigged

	for i := 0; i < 3; i++ {
		connA, connB, _, _ := newHandshakedPair(t, mi.InfoHash(), numPieces, tr, &fakeSeeder{storage: cs})
		require.NoError(tr.AddPeer(connA))
		connA.Start()
		connB.Start()
		require.NoError(connB.SendInterested())
		require.Eventually(func() bool {
			_, ok := tr.peers[connA.PeerID()]
			return ok
		}, time.Second, 5*time.Millisecond)
		require.Eventually(func() bool {
			return connA.PeerInterested()
		}, time.Second, 5*time.Millisecond)
		conns = append(conns, connA, connB)
		rigs = append(rigs, rigged{conn: connA, rate: int64((i + 1) * 100)})
	}

	tr.mu.Lock()
	for _, r := range rigs {
		tr.peers[r.conn.PeerID()].uploadedInPeriod = r.rate
	}
	tr.mu.Unlock()

	tr.tickUnchoke()

	require.Eventually(func() bool {
		return !rigs[2].conn.AmChoking()
	}, time.Second, 5*time.Millisecond)
	require.True(rigs[1].conn.AmChoking())
	require.True(rigs[0].conn.AmChoking())

	for _, c := range conns {
		c.Close(nil)
	}
}
