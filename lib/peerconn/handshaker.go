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
package peerconn

import (
	"fmt"
	"net"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/btengine/core/core"
	"github.com/btengine/core/lib/peerwire"
	"github.com/btengine/core/utils/bandwidth"
)

// PendingConn is a half-opened connection accepted from a remote peer:
// its handshake has been read, but no response has been sent yet.
type PendingConn struct {
	nc        net.Conn
	handshake peerwire.Handshake
}

// PeerID returns the remote peer id from the handshake.
func (pc *PendingConn) PeerID() core.PeerID { return pc.handshake.PeerID }

// InfoHash returns the info hash the remote peer wants to open.
func (pc *PendingConn) InfoHash() core.InfoHash { return pc.handshake.InfoHash }

// Close closes the underlying socket without completing the handshake.
func (pc *PendingConn) Close() { pc.nc.Close() }

// Handshaker establishes Conns with remote peers, performing the fixed
// BEP 3 handshake followed by a best-effort BEP 10 extended handshake.
type Handshaker struct {
	config    Config
	stats     tally.Scope
	clk       clock.Clock
	bandwidth *bandwidth.Limiter
	peerID    core.PeerID
	events    Events
	logger    *zap.SugaredLogger
}

// NewHandshaker creates a new Handshaker.
func NewHandshaker(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	peerID core.PeerID,
	events Events,
	logger *zap.SugaredLogger) (*Handshaker, error) {

	config = config.applyDefaults()

	bl, err := bandwidth.NewLimiter(config.Bandwidth)
	if err != nil {
		return nil, fmt.Errorf("bandwidth: %s", err)
	}

	return &Handshaker{
		config:    config,
		stats:     stats.Tagged(map[string]string{"module": "peerconn"}),
		clk:       clk,
		bandwidth: bl,
		peerID:    peerID,
		events:    events,
		logger:    logger,
	}, nil
}

// Accept reads a handshake off a connection opened by a remote peer,
// without committing to serving it.
func (h *Handshaker) Accept(nc net.Conn) (*PendingConn, error) {
	if err := nc.SetDeadline(h.clk.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	hs, err := peerwire.ReadHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	return &PendingConn{nc: nc, handshake: hs}, nil
}

// Establish completes a handshake accepted via Accept, upgrading it into
// a live Conn for the given torrent.
func (h *Handshaker) Establish(pc *PendingConn, infoHash core.InfoHash, numPieces int, supportsV2 bool) (*Conn, error) {
	reply := peerwire.NewHandshake(infoHash, h.peerID, supportsV2)
	if err := peerwire.WriteHandshake(pc.nc, reply); err != nil {
		return nil, fmt.Errorf("write handshake: %s", err)
	}

	remoteSupportsV2 := peerwire.HasV2Bit(pc.handshake.Reserved)

	if err := pc.nc.SetDeadline(zeroTime); err != nil {
		return nil, fmt.Errorf("clear deadline: %s", err)
	}

	c := newConn(
		h.config, h.stats, h.clk, h.bandwidth, h.events,
		pc.nc, h.peerID, pc.handshake.PeerID, infoHash, numPieces,
		remoteSupportsV2, true, h.logger)

	if peerwire.HasExtendedBit(pc.handshake.Reserved) {
		h.exchangeExtended(c, pc.nc)
	}

	return c, nil
}

// Initialize dials a remote peer and performs the full handshake,
// returning a live Conn for the given torrent.
func (h *Handshaker) Initialize(addr string, expectedPeerID core.PeerID, infoHash core.InfoHash, numPieces int, supportsV2 bool) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %s", err)
	}
	c, err := h.fullHandshake(nc, expectedPeerID, infoHash, numPieces, supportsV2)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (h *Handshaker) fullHandshake(nc net.Conn, expectedPeerID core.PeerID, infoHash core.InfoHash, numPieces int, supportsV2 bool) (*Conn, error) {
	if err := nc.SetDeadline(h.clk.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}

	out := peerwire.NewHandshake(infoHash, h.peerID, supportsV2)
	if err := peerwire.WriteHandshake(nc, out); err != nil {
		return nil, fmt.Errorf("write handshake: %s", err)
	}

	hs, err := peerwire.ReadHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if err := peerwire.VerifyInfoHash(hs, infoHash); err != nil {
		return nil, err
	}
	if hs.PeerID != expectedPeerID {
		return nil, fmt.Errorf("unexpected peer id: got %s, want %s", hs.PeerID, expectedPeerID)
	}

	if err := nc.SetDeadline(zeroTime); err != nil {
		return nil, fmt.Errorf("clear deadline: %s", err)
	}

	c := newConn(
		h.config, h.stats, h.clk, h.bandwidth, h.events,
		nc, h.peerID, hs.PeerID, infoHash, numPieces,
		peerwire.HasV2Bit(hs.Reserved), false, h.logger)

	if peerwire.HasExtendedBit(hs.Reserved) {
		h.exchangeExtended(c, nc)
	}

	return c, nil
}

// exchangeExtended performs a best-effort BEP 10 extended handshake over
// an already-established Conn. A v1-only peer that receives an
// info_hash2 in the remote's extended handshake cannot service a hybrid
// swarm; rather than fail the whole connection, we log and proceed as a
// v1-only peer, since the fixed handshake has already validated the v1
// info hash.
func (h *Handshaker) exchangeExtended(c *Conn, nc net.Conn) {
	out := peerwire.DefaultExtendedHandshake(h.config.ClientVersion, c.config.PipelineDepth)
	payload, err := peerwire.EncodeExtendedHandshake(out)
	if err != nil {
		h.logger.Infof("Error encoding extended handshake for %s: %s", c.peerID, err)
		return
	}
	if err := peerwire.WriteMessage(nc, peerwire.NewExtended(0, payload), nil); err != nil {
		h.logger.Infof("Error sending extended handshake to %s: %s", c.peerID, err)
		return
	}

	m, err := peerwire.ReadMessage(nc, nil)
	if err != nil {
		h.logger.Infof("Error reading extended handshake from %s: %s", c.peerID, err)
		return
	}
	if m.Type != peerwire.Extended || m.ExtendedID != 0 {
		h.logger.Infof("Expected extended handshake from %s, got message type %d", c.peerID, m.Type)
		return
	}
	in, err := peerwire.DecodeExtendedHandshake(m.ExtendedPayload)
	if err != nil {
		h.logger.Infof("Error decoding extended handshake from %s: %s", c.peerID, err)
		return
	}

	c.mu.Lock()
	c.remoteVersion = in.V
	c.mu.Unlock()

	if in.HasTruncatedV2Hash() {
		h.logger.Infof(
			"Peer %s advertised a v2/hybrid info hash this v1-only client cannot satisfy; continuing as v1",
			c.peerID)
	}
}
