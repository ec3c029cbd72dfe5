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
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/btengine/core/core"
	"github.com/btengine/core/lib/activepiece"
	"github.com/btengine/core/lib/bandwidth"
	"github.com/btengine/core/lib/diskqueue"
	"github.com/btengine/core/lib/endgame"
	"github.com/btengine/core/lib/peerconn"
	"github.com/btengine/core/lib/piecepicker"
	"github.com/btengine/core/lib/storage"
)

var errPeerAlreadyAdded = errors.New("peer is already added to this torrent")

type uploadKey struct {
	peerID core.PeerID
	index  int
	begin  int
}

// Torrent owns every piece of per-info-hash state: the peers currently
// connected, piece availability and priority, the active piece buffer,
// endgame state, and the disk queue that commits verified pieces. It is
// the Events sink for every peerconn.Conn belonging to this torrent.
type Torrent struct {
	config      Config
	stats       tally.Scope
	clk         clock.Clock
	logger      *zap.SugaredLogger
	createdAt   time.Time
	infoHash    core.InfoHash
	metaInfo    *core.MetaInfo
	localPeerID core.PeerID

	storage      *storage.ContentStorage
	diskQueue    *diskqueue.Queue
	activePieces *activepiece.Manager
	endgameMgr   *endgame.Manager
	bandwidth    *bandwidth.BandwidthTracker

	events Events

	mu             sync.Mutex
	peers          map[core.PeerID]*peer
	availability   []int
	priority       []int
	pendingUploads map[uploadKey]*atomic.Bool
	jitter         *rand.Rand

	optimisticPeerIDs []core.PeerID

	paused *atomic.Bool

	completeOnce sync.Once
	stopOnce     sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
}

// New creates a Torrent for mi/infoHash, seeded from cs's current disk
// state. Start must be called before the choke algorithm and refill loop
// run; AddPeer may be called beforehand.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	localPeerID core.PeerID,
	mi *core.MetaInfo,
	cs *storage.ContentStorage,
	events Events,
	logger *zap.SugaredLogger) *Torrent {

	config = config.applyDefaults()

	numPieces := mi.NumPieces()
	priority := make([]int, numPieces)
	for i := range priority {
		priority[i] = cs.PiecePriority(i)
	}

	t := &Torrent{
		config:         config,
		stats:          stats.Tagged(map[string]string{"module": "torrent"}),
		clk:            clk,
		logger:         logger,
		createdAt:      clk.Now(),
		infoHash:       mi.InfoHash(),
		metaInfo:       mi,
		localPeerID:    localPeerID,
		storage:        cs,
		diskQueue:      diskqueue.NewQueue(config.DiskQueue, stats),
		activePieces:   activepiece.NewManager(clk, config.ActivePiece),
		endgameMgr:     endgame.NewManager(config.Endgame),
		bandwidth:      bandwidth.NewBandwidthTracker(clk),
		events:         events,
		peers:          make(map[core.PeerID]*peer),
		availability:   make([]int, numPieces),
		priority:       priority,
		pendingUploads: make(map[uploadKey]*atomic.Bool),
		jitter:         rand.New(rand.NewSource(clk.Now().UnixNano())),
		paused:         atomic.NewBool(false),
		done:           make(chan struct{}),
	}
	return t
}

// InfoHash returns the torrent's info hash.
func (t *Torrent) InfoHash() core.InfoHash { return t.infoHash }

// NumPieces returns the piece count.
func (t *Torrent) NumPieces() int { return t.metaInfo.NumPieces() }

// Complete reports whether every wanted piece is on disk.
func (t *Torrent) Complete() bool { return t.storage.Complete() }

// SetFilePriority changes the priority of the file at fileIndex and, if
// that un-blacklists any piece already held in the .parts sidecar (a
// previously-skipped file being un-skipped), materializes it: piece
// requesting is paused and the disk queue drained so no write races the
// materialize pass, the recovered pieces are written out to their real
// files and reclassified, and a HAVE is sent for each to every
// connected peer before requesting resumes.
func (t *Torrent) SetFilePriority(fileIndex int, p core.FilePriority) error {
	if err := t.storage.SetFilePriority(fileIndex, p); err != nil {
		return err
	}

	t.paused.Store(true)
	defer t.paused.Store(false)

	t.diskQueue.Drain()
	defer t.diskQueue.Resume()

	materialized, err := t.storage.Materialize()
	if err != nil {
		return fmt.Errorf("materialize: %s", err)
	}

	t.mu.Lock()
	for i := range t.priority {
		t.priority[i] = t.storage.PiecePriority(i)
	}
	peers := make([]*peer, 0, len(t.peers))
	for _, pr := range t.peers {
		peers = append(peers, pr)
	}
	t.mu.Unlock()

	for _, pi := range materialized {
		for _, pr := range peers {
			if err := pr.conn.SendHave(pi); err != nil {
				t.logger.Infof("Error sending have for materialized piece %d to %s: %s", pi, pr.conn.PeerID(), err)
			}
		}
	}
	return nil
}

// Start spawns the choke, optimistic unchoke, anti-snub, and refill
// loops on a single goroutine driven by one select over four tickers.
func (t *Torrent) Start() {
	t.wg.Add(1)
	go t.tickerLoop()
}

// Stop halts the choke/refill loops, clears active pieces (releasing
// buffered memory), and closes every peer connection. Closing the disk
// queue waits for running disk jobs and fails pending ones with
// diskqueue.ErrQueueClosed.
func (t *Torrent) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.diskQueue.Close()

		t.mu.Lock()
		peers := make([]*peer, 0, len(t.peers))
		for _, p := range t.peers {
			peers = append(peers, p)
		}
		t.activePieces.RemoveAll()
		t.endgameMgr.Reset()
		t.mu.Unlock()

		for _, p := range peers {
			p.conn.Close(errors.New("torrent stopped"))
		}
		t.wg.Wait()
	})
}

func (t *Torrent) tickerLoop() {
	defer t.wg.Done()

	chokeTick := t.clk.Tick(t.config.ChokeInterval)
	optimisticTick := t.clk.Tick(t.config.OptimisticUnchokeInterval)
	antiSnubTick := t.clk.Tick(t.config.AntiSnubInterval)
	refillTick := t.clk.Tick(t.config.RefillInterval)

	for {
		select {
		case <-chokeTick:
			t.tickUnchoke()
		case <-optimisticTick:
			t.tickOptimisticUnchoke()
		case <-antiSnubTick:
			t.tickAntiSnub()
		case <-refillTick:
			t.tickRefill()
		case <-t.done:
			return
		}
	}
}

// AddPeer registers a freshly established connection with the torrent:
// our bitfield is sent immediately, interest is evaluated against
// whatever the peer has already advertised, and an initial request batch
// is attempted.
func (t *Torrent) AddPeer(conn *peerconn.Conn) error {
	p, err := t.addPeer(conn)
	if err != nil {
		return err
	}
	go func() {
		if err := p.conn.SendBitfield(t.storage.AdvertisedBitfield()); err != nil {
			t.logger.Infof("Error sending bitfield to %s: %s", p.conn.PeerID(), err)
		}
		t.updateInterest(p)
		t.requestPieces(p)
	}()
	return nil
}

func (t *Torrent) addPeer(conn *peerconn.Conn) (*peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.peers[conn.PeerID()]; ok {
		return nil, errPeerAlreadyAdded
	}
	p := newPeer(conn, t.metaInfo.NumPieces(), t.clk.Now())
	t.peers[conn.PeerID()] = p
	return p, nil
}

// wantsFromLocked reports whether we are missing any piece the peer
// holds that is not blacklisted.
func (t *Torrent) wantsFromLocked(p *peer) bool {
	own := t.storage.Bitfield()
	for i := 0; i < len(t.priority); i++ {
		if t.priority[i] <= 0 {
			continue
		}
		if own.Test(uint(i)) {
			continue
		}
		if p.bitfield.Test(uint(i)) {
			return true
		}
	}
	return false
}

func (t *Torrent) updateInterest(p *peer) {
	t.mu.Lock()
	wanted := t.wantsFromLocked(p)
	t.mu.Unlock()

	if wanted && !p.conn.AmInterested() {
		if err := p.conn.SendInterested(); err != nil {
			t.logger.Infof("Error sending interested to %s: %s", p.conn.PeerID(), err)
		}
	} else if !wanted && p.conn.AmInterested() {
		if err := p.conn.SendNotInterested(); err != nil {
			t.logger.Infof("Error sending not-interested to %s: %s", p.conn.PeerID(), err)
		}
	}
}

// requestPieces refills p's request pipeline up to its configured depth.
// No-op if the peer is choking us, the pipeline is already full, or
// requesting is paused for file-priority materialization.
func (t *Torrent) requestPieces(p *peer) {
	if t.paused.Load() || p.conn.PeerChoking() || !p.conn.CanRequestMore() {
		return
	}

	for p.conn.CanRequestMore() {
		room := p.conn.PipelineDepth() - p.conn.PendingRequests()
		if room <= 0 {
			break
		}

		t.mu.Lock()
		own := t.storage.Bitfield()
		started := t.activePieces.ActivePieceIndices()
		pieces := piecepicker.SelectPieces(piecepicker.Input{
			PeerBitfield: p.bitfield,
			OwnBitfield:  own,
			Priority:     t.priority,
			Availability: t.availability,
			Started:      started,
			MaxPieces:    t.config.MaxPiecesPerSelection,
			Jitter:       t.jitter,
		})
		t.mu.Unlock()

		if len(pieces) == 0 {
			break
		}

		sent := 0
		for _, pi := range pieces {
			if room <= 0 {
				break
			}
			length := t.metaInfo.GetPieceLength(pi)

			t.mu.Lock()
			ap, ok := t.activePieces.GetOrCreate(pi, length)
			t.mu.Unlock()
			if !ok || ap == nil {
				continue
			}

			var blocks []int
			if t.endgameMgr.Active() {
				blocks, _ = t.activePieces.GetNeededBlocksEndgame(pi, p.conn.PeerID(), room)
			} else {
				blocks, _ = t.activePieces.GetNeededBlocks(pi, room)
			}

			for _, b := range blocks {
				if room <= 0 {
					break
				}
				blockLen, ok := t.activePieces.BlockLength(pi, b)
				if !ok {
					continue
				}
				begin := b * activepiece.BlockSize
				if err := p.conn.SendRequest(pi, begin, int(blockLen)); err != nil {
					t.logger.Infof("Error sending request to %s: %s", p.conn.PeerID(), err)
					continue
				}
				t.activePieces.AddRequest(pi, b, p.conn.PeerID())
				room--
				sent++
			}
		}
		if sent == 0 {
			break
		}
		t.evaluateEndgame()
	}
}

func (t *Torrent) evaluateEndgame() {
	own := t.storage.Bitfield()
	missing := 0
	for i := 0; i < len(t.priority); i++ {
		if t.priority[i] > 0 && !own.Test(uint(i)) {
			missing++
		}
	}
	active := len(t.activePieces.ActivePieceIndices())
	hasUnrequested := t.activePieces.HasUnrequestedBlocks()

	switch t.endgameMgr.Evaluate(missing, active, hasUnrequested) {
	case endgame.EnterEndgame:
		t.logger.Infof("Torrent %s entering endgame: %d missing, %d active", t.infoHash, missing, active)
	case endgame.ExitEndgame:
		t.logger.Infof("Torrent %s exiting endgame", t.infoHash)
	}
}

// ---- peerconn.Events ----

// OnBitfield updates our record of the remote peer's held pieces. Only
// valid once per connection; the synthetic zero-value bitfield delivered
// by peerconn at connection construction time arrives before AddPeer has
// run and is silently dropped here, which is harmless since it carries
// no bits.
func (t *Torrent) OnBitfield(c *peerconn.Conn, bf *bitset.BitSet) {
	t.mu.Lock()
	p, ok := t.peers[c.PeerID()]
	if !ok {
		t.mu.Unlock()
		return
	}
	if p.bitfieldReceived {
		t.mu.Unlock()
		t.logger.Infof("Peer %s sent a repeated bitfield message", c.PeerID())
		return
	}
	p.bitfieldReceived = true
	p.bitfield = bf
	for i, ok := bf.NextSet(0); ok; i, ok = bf.NextSet(i + 1) {
		if int(i) < len(t.availability) {
			t.availability[i]++
		}
	}
	t.mu.Unlock()

	t.updateInterest(p)
	if p.conn.AmInterested() && !p.conn.PeerChoking() {
		t.requestPieces(p)
	}
}

// OnHave updates availability and the peer's bitfield for a single piece.
func (t *Torrent) OnHave(c *peerconn.Conn, i int) {
	t.mu.Lock()
	p, ok := t.peers[c.PeerID()]
	if !ok || i < 0 || i >= len(t.availability) {
		t.mu.Unlock()
		return
	}
	if p.bitfield.Test(uint(i)) {
		t.mu.Unlock()
		return
	}
	p.bitfield.Set(uint(i))
	t.availability[i]++
	t.mu.Unlock()

	t.updateInterest(p)
	if p.conn.AmInterested() && !p.conn.PeerChoking() {
		t.requestPieces(p)
	}
}

// OnBlock deposits a received block, resolves endgame CANCELs, finalizes
// a completed piece, and refills the pipeline.
func (t *Torrent) OnBlock(c *peerconn.Conn, index int, begin int, data []byte) {
	blockIndex := begin / activepiece.BlockSize

	t.mu.Lock()
	p, ok := t.peers[c.PeerID()]
	if !ok {
		t.mu.Unlock()
		return
	}
	p.lastBlockAt = t.clk.Now()

	isNew, tracked := t.activePieces.AddBlock(index, blockIndex, data, c.PeerID())
	if !tracked {
		t.mu.Unlock()
		return
	}

	var cancels []endgame.Cancel
	if isNew && t.endgameMgr.Active() {
		cancels = endgame.GetCancels(index, blockIndex, c.PeerID(), t.activePieces)
	}
	complete := t.activePieces.IsComplete(index)
	t.mu.Unlock()

	for _, cn := range cancels {
		t.mu.Lock()
		other, ok := t.peers[cn.PeerID]
		length, lok := t.activePieces.BlockLength(cn.Piece, cn.BlockIndex)
		t.mu.Unlock()
		if ok && lok {
			other.conn.SendCancel(cn.Piece, cn.BlockIndex*activepiece.BlockSize, int(length))
		}
	}

	if complete {
		t.finalizePiece(index)
	}
	t.requestPieces(p)
}

func (t *Torrent) finalizePiece(index int) {
	t.mu.Lock()
	data, ok := t.activePieces.Assemble(index)
	contributing := t.activePieces.GetContributingPeers(index)
	t.mu.Unlock()
	if !ok {
		return
	}

	future, err := t.diskQueue.Enqueue(diskqueue.Job{
		Name:    fmt.Sprintf("write piece %d", index),
		Execute: func() error { return t.storage.WritePiece(index, data) },
	})
	if err != nil {
		t.logger.Infof("Error enqueueing write for piece %d: %s", index, err)
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.onPieceWritten(index, contributing, future.Err())
	}()
}

// onPieceWritten handles the disk queue's resolution of a piece write.
// Suspicion bookkeeping for contributing peers on a hash mismatch is an
// engine-level concern (Swarm outlives any single Torrent); this logs
// the contributors so an engine wired to the same logger can act on it.
func (t *Torrent) onPieceWritten(index int, contributing []core.PeerID, err error) {
	t.mu.Lock()
	t.activePieces.Remove(index)
	t.mu.Unlock()

	if err != nil {
		t.logger.Infof("Piece %d failed to write (contributors %v): %s", index, contributing, err)
		return
	}

	t.mu.Lock()
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		if err := p.conn.SendHave(index); err != nil {
			t.logger.Infof("Error sending have to %s: %s", p.conn.PeerID(), err)
		}
	}

	if t.storage.Complete() {
		t.completeOnce.Do(func() {
			t.logger.Infof("Torrent %s complete, transitioning to seeding", t.infoHash)
			t.events.TorrentComplete(t)
		})
	}
}

// OnChoke and OnInterested/OnNotInterested require no action beyond what
// peerconn.Conn already tracks; the choke algorithm and requestPieces
// read that state directly off the Conn.
func (t *Torrent) OnChoke(c *peerconn.Conn)          {}
func (t *Torrent) OnInterested(c *peerconn.Conn)     {}
func (t *Torrent) OnNotInterested(c *peerconn.Conn)  {}

// OnUnchoke attempts to refill the newly unchoked peer's pipeline.
func (t *Torrent) OnUnchoke(c *peerconn.Conn) {
	t.mu.Lock()
	p, ok := t.peers[c.PeerID()]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.requestPieces(p)
}

// OnRequest enqueues an async disk read to serve an upload, honoring a
// CANCEL that arrives before the read completes.
func (t *Torrent) OnRequest(c *peerconn.Conn, index, begin, length int) {
	if c.AmChoking() {
		return
	}
	if index < 0 || index >= t.metaInfo.NumPieces() {
		return
	}

	key := uploadKey{c.PeerID(), index, begin}
	canceled := atomic.NewBool(false)

	t.mu.Lock()
	t.pendingUploads[key] = canceled
	t.mu.Unlock()

	t.diskQueue.Enqueue(diskqueue.Job{
		Name: fmt.Sprintf("read piece %d block at %d", index, begin),
		Execute: func() error {
			defer func() {
				t.mu.Lock()
				delete(t.pendingUploads, key)
				t.mu.Unlock()
			}()
			if canceled.Load() {
				return nil
			}
			data, err := t.storage.ReadBlock(index, int64(begin), int64(length))
			if err != nil {
				return err
			}
			if canceled.Load() {
				return nil
			}
			return c.SendPiece(index, begin, data)
		},
	})
}

// OnCancel marks a pending upload read as canceled so it is a no-op once
// the disk queue gets to it.
func (t *Torrent) OnCancel(c *peerconn.Conn, index, begin, length int) {
	t.mu.Lock()
	canceled, ok := t.pendingUploads[uploadKey{c.PeerID(), index, begin}]
	t.mu.Unlock()
	if ok {
		canceled.Store(true)
	}
}

// OnBytesDownloaded and OnBytesUploaded feed both the per-peer choke
// period counters and the torrent-wide bandwidth tracker.
func (t *Torrent) OnBytesDownloaded(c *peerconn.Conn, n int64) {
	t.mu.Lock()
	if p, ok := t.peers[c.PeerID()]; ok {
		p.downloadedInPeriod += n
	}
	t.mu.Unlock()
	t.bandwidth.RecordDownload(n)
}

func (t *Torrent) OnBytesUploaded(c *peerconn.Conn, n int64) {
	t.mu.Lock()
	if p, ok := t.peers[c.PeerID()]; ok {
		p.uploadedInPeriod += n
	}
	t.mu.Unlock()
	t.bandwidth.RecordUpload(n)
}

// OnClose removes the peer, releases its availability contribution, and
// notifies the owning events sink.
func (t *Torrent) OnClose(c *peerconn.Conn, reason error) {
	t.mu.Lock()
	p, ok := t.peers[c.PeerID()]
	if ok {
		delete(t.peers, c.PeerID())
		for i, isSet := p.bitfield.NextSet(0); isSet; i, isSet = p.bitfield.NextSet(i + 1) {
			if int(i) < len(t.availability) && t.availability[i] > 0 {
				t.availability[i]--
			}
		}
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	t.events.PeerRemoved(c.PeerID(), t.infoHash)
}
