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

// Package peerconn manages a single live connection to a remote peer,
// speaking the BitTorrent peer wire protocol (BEP 3) framed by
// lib/peerwire. It owns the socket's read/write loops and reports
// everything it observes through the Events interface; it holds no
// opinion about piece selection, choke policy, or disk I/O.
package peerconn

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/btengine/core/core"
	"github.com/btengine/core/lib/peerwire"
	"github.com/btengine/core/utils/bandwidth"
)

var errConnClosed = errors.New("peerconn: connection closed")

var zeroTime time.Time

// Conn manages peer wire protocol communication with a single remote peer
// for a single torrent.
type Conn struct {
	peerID      core.PeerID
	infoHash    core.InfoHash
	localPeerID core.PeerID
	createdAt   time.Time

	openedByRemote bool
	supportsV2     bool
	remoteVersion  string

	nc        net.Conn
	config    Config
	clk       clock.Clock
	stats     tally.Scope
	bandwidth *bandwidth.Limiter
	events    Events
	logger    *zap.SugaredLogger

	mu           sync.Mutex
	amChoking    bool
	amInterested bool
	peerChoking  bool
	peerInterest bool
	pipeline     int
	pending      int
	sentHaves    *bitset.BitSet
	lastActivity time.Time

	startOnce sync.Once
	closeOnce sync.Once

	sender   chan peerwire.Message
	done     chan struct{}
	wg       sync.WaitGroup
	closed   *atomic.Bool
}

func newConn(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	bw *bandwidth.Limiter,
	events Events,
	nc net.Conn,
	localPeerID core.PeerID,
	remotePeerID core.PeerID,
	infoHash core.InfoHash,
	numPieces int,
	supportsV2 bool,
	openedByRemote bool,
	logger *zap.SugaredLogger) *Conn {

	config = config.applyDefaults()

	c := &Conn{
		peerID:         remotePeerID,
		infoHash:       infoHash,
		localPeerID:    localPeerID,
		createdAt:      clk.Now(),
		openedByRemote: openedByRemote,
		supportsV2:     supportsV2,
		nc:             nc,
		config:         config,
		clk:            clk,
		stats: stats.Tagged(map[string]string{
			"module": "peerconn",
		}),
		bandwidth:    bw,
		events:       events,
		logger:       logger,
		amChoking:    true,
		amInterested: false,
		peerChoking:  true,
		peerInterest: false,
		pipeline:     config.PipelineDepth,
		sentHaves:    bitset.New(uint(numPieces)),
		lastActivity: clk.Now(),
		sender:       make(chan peerwire.Message, config.SenderBufferSize),
		done:         make(chan struct{}),
		closed:       atomic.NewBool(false),
	}

	// The remote peer's bitfield is zero-initialized immediately, so a
	// HAVE that arrives before any BITFIELD message still lands on a
	// valid set rather than requiring special-case ordering.
	c.events.OnBitfield(c, bitset.New(uint(numPieces)))

	return c
}

// Start begins the read and write loops. Must be called at most once.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// PeerID returns the remote peer id.
func (c *Conn) PeerID() core.PeerID { return c.peerID }

// InfoHash returns the info hash of the torrent this connection serves.
func (c *Conn) InfoHash() core.InfoHash { return c.infoHash }

// CreatedAt returns when the Conn was established.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// SupportsV2 reports whether the remote peer advertised BEP 52 v2/hybrid
// support during the handshake.
func (c *Conn) SupportsV2() bool { return c.supportsV2 }

// OpenedByRemote reports whether the remote peer dialed us.
func (c *Conn) OpenedByRemote() bool { return c.openedByRemote }

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(peer=%s, hash=%s, opened_by_remote=%t)",
		c.peerID, c.infoHash, c.openedByRemote)
}

// IsClosed reports whether the connection has begun shutting down.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// AmChoking, AmInterested, PeerChoking, and PeerInterested report local
// choke/interest state.
func (c *Conn) AmChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amChoking
}

func (c *Conn) AmInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amInterested
}

func (c *Conn) PeerChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerChoking
}

func (c *Conn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterest
}

// PendingRequests returns the number of outstanding block requests we
// have sent to the remote peer and not yet received a PIECE or CANCELed.
func (c *Conn) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// PipelineDepth returns the current pipeline depth in effect for this
// connection.
func (c *Conn) PipelineDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline
}

// GrowPipeline raises the pipeline depth for a peer proving itself fast,
// bounded by MaxPipelineDepth.
func (c *Conn) GrowPipeline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipeline < c.config.MaxPipelineDepth {
		c.pipeline++
	}
}

// CanRequestMore reports whether another block request may be sent
// without exceeding the pipeline depth.
func (c *Conn) CanRequestMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending < c.pipeline
}

// LastActivity returns the time of the last message read from the
// connection.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Conn) send(m peerwire.Message) error {
	select {
	case <-c.done:
		return errConnClosed
	case c.sender <- m:
		return nil
	default:
		c.stats.Counter("dropped_messages").Inc(1)
		return errors.New("peerconn: send buffer full")
	}
}

// SendChoke sends a CHOKE message and updates local choking state.
func (c *Conn) SendChoke() error {
	c.mu.Lock()
	c.amChoking = true
	c.mu.Unlock()
	return c.send(peerwire.Message{Type: peerwire.Choke})
}

// SendUnchoke sends an UNCHOKE message and updates local choking state.
func (c *Conn) SendUnchoke() error {
	c.mu.Lock()
	c.amChoking = false
	c.mu.Unlock()
	return c.send(peerwire.Message{Type: peerwire.Unchoke})
}

// SendInterested sends an INTERESTED message.
func (c *Conn) SendInterested() error {
	c.mu.Lock()
	c.amInterested = true
	c.mu.Unlock()
	return c.send(peerwire.Message{Type: peerwire.Interested})
}

// SendNotInterested sends a NOT_INTERESTED message.
func (c *Conn) SendNotInterested() error {
	c.mu.Lock()
	c.amInterested = false
	c.mu.Unlock()
	return c.send(peerwire.Message{Type: peerwire.NotInterested})
}

// SendBitfield sends our bitfield to the remote peer. Should be sent at
// most once, immediately after the handshake.
func (c *Conn) SendBitfield(bf *bitset.BitSet) error {
	b, err := bf.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal bitfield: %s", err)
	}
	return c.send(peerwire.NewBitfield(b))
}

// SendHave announces that piece i is now complete. A given index is only
// ever sent once per connection; repeat calls are no-ops.
func (c *Conn) SendHave(i int) error {
	c.mu.Lock()
	if c.sentHaves.Test(uint(i)) {
		c.mu.Unlock()
		return nil
	}
	c.sentHaves.Set(uint(i))
	c.mu.Unlock()
	return c.send(peerwire.NewHave(uint32(i)))
}

// SendRequest requests a block. The caller is responsible for respecting
// CanRequestMore before calling.
func (c *Conn) SendRequest(index, begin, length int) error {
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()
	if err := c.send(peerwire.NewRequest(uint32(index), uint32(begin), uint32(length))); err != nil {
		c.mu.Lock()
		c.pending--
		c.mu.Unlock()
		return err
	}
	return nil
}

// SendCancel cancels a previously sent request.
func (c *Conn) SendCancel(index, begin, length int) error {
	c.mu.Lock()
	if c.pending > 0 {
		c.pending--
	}
	c.mu.Unlock()
	return c.send(peerwire.NewCancel(uint32(index), uint32(begin), uint32(length)))
}

// SendPiece sends a block of piece data to the remote peer.
func (c *Conn) SendPiece(index, begin int, block []byte) error {
	return c.send(peerwire.NewPiece(uint32(index), uint32(begin), block))
}

// Close begins the connection shutdown sequence. Idempotent.
func (c *Conn) Close(reason error) {
	if !c.closed.CAS(false, true) {
		return
	}
	c.closeOnce.Do(func() {
		go func() {
			close(c.done)
			c.nc.Close()
			c.wg.Wait()
			if reason == nil {
				reason = errConnClosed
			}
			c.events.OnClose(c, reason)
		}()
	})
}

func (c *Conn) readLoop() {
	defer func() {
		c.wg.Done()
		c.Close(nil)
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}
		m, err := peerwire.ReadMessage(c.nc, c.bandwidth)
		if err != nil {
			c.log().Infof("Error reading message, exiting read loop: %s", err)
			return
		}
		c.mu.Lock()
		c.lastActivity = c.clk.Now()
		c.mu.Unlock()
		c.dispatch(m)
	}
}

func (c *Conn) dispatch(m peerwire.Message) {
	switch m.Type {
	case peerwire.KeepAlive:
	case peerwire.Choke:
		c.mu.Lock()
		c.peerChoking = true
		c.mu.Unlock()
		c.events.OnChoke(c)
	case peerwire.Unchoke:
		c.mu.Lock()
		c.peerChoking = false
		c.mu.Unlock()
		c.events.OnUnchoke(c)
	case peerwire.Interested:
		c.mu.Lock()
		c.peerInterest = true
		c.mu.Unlock()
		c.events.OnInterested(c)
	case peerwire.NotInterested:
		c.mu.Lock()
		c.peerInterest = false
		c.mu.Unlock()
		c.events.OnNotInterested(c)
	case peerwire.Have:
		c.events.OnHave(c, int(m.Index))
	case peerwire.Bitfield:
		bf := bitset.New(0)
		if err := bf.UnmarshalBinary(m.BitfieldBytes); err != nil {
			c.log().Errorf("Error unmarshaling bitfield: %s", err)
			return
		}
		c.events.OnBitfield(c, bf)
	case peerwire.Request:
		c.events.OnRequest(c, int(m.Index), int(m.Begin), int(m.Length))
	case peerwire.Cancel:
		c.events.OnCancel(c, int(m.Index), int(m.Begin), int(m.Length))
	case peerwire.Piece:
		c.mu.Lock()
		if c.pending > 0 {
			c.pending--
		}
		c.mu.Unlock()
		c.events.OnBytesDownloaded(c, int64(len(m.Block)))
		c.events.OnBlock(c, int(m.Index), int(m.Begin), m.Block)
	case peerwire.Port:
		// DHT listen port advertisement; no DHT implementation to wire it
		// to.
	case peerwire.Extended:
		// Post-handshake extended messages (ut_metadata, ut_pex) are not
		// serviced beyond the initial extended handshake.
	default:
		c.log().Infof("Ignoring unknown message type %d", m.Type)
	}
}

func (c *Conn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close(nil)
	}()

	for {
		select {
		case <-c.done:
			return
		case m := <-c.sender:
			if m.Type == peerwire.Piece {
				c.events.OnBytesUploaded(c, int64(len(m.Block)))
			}
			if err := peerwire.WriteMessage(c.nc, m, c.bandwidth); err != nil {
				c.log().Infof("Error writing message, exiting write loop: %s", err)
				return
			}
		}
	}
}

func (c *Conn) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "remote_peer", c.peerID, "hash", c.infoHash)
	return c.logger.With(keysAndValues...)
}
