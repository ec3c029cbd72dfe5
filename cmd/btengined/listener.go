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
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/btengine/core/lib/peerconn"
)

// startListener opens an incoming peer port and, for every accepted
// connection whose handshake names a torrent this process has open,
// completes the handshake and hands the Conn to that torrent. Anything
// else is dropped. Dials directly through net.Listen, like
// peerconn.Handshaker's own outgoing side, rather than through
// lib/external's embedder-swappable socket contract.
func startListener(
	port int,
	handshaker *peerconn.Handshaker,
	registry *torrentRegistry,
	logger *zap.SugaredLogger) (net.Listener, error) {

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}

	go acceptLoop(listener, handshaker, registry, logger)

	return listener, nil
}

func acceptLoop(listener net.Listener, handshaker *peerconn.Handshaker, registry *torrentRegistry, logger *zap.SugaredLogger) {
	for {
		nc, err := listener.Accept()
		if err != nil {
			logger.Infof("Peer listener stopped accepting: %s", err)
			return
		}
		go handleIncoming(nc, handshaker, registry, logger)
	}
}

func handleIncoming(nc net.Conn, handshaker *peerconn.Handshaker, registry *torrentRegistry, logger *zap.SugaredLogger) {
	remoteAddr := nc.RemoteAddr().String()

	pc, err := handshaker.Accept(nc)
	if err != nil {
		logger.Infof("Error reading handshake from %s: %s", remoteAddr, err)
		nc.Close()
		return
	}

	t := registry.lookup(pc.InfoHash())
	if t == nil {
		logger.Infof("Rejecting %s for unknown torrent %s", remoteAddr, pc.InfoHash().Hex())
		pc.Close()
		return
	}

	conn, err := handshaker.Establish(pc, pc.InfoHash(), t.NumPieces(), false)
	if err != nil {
		logger.Infof("Error completing handshake with %s: %s", remoteAddr, err)
		return
	}
	if err := t.AddPeer(conn); err != nil {
		logger.Infof("Error adding incoming peer %s: %s", remoteAddr, err)
		conn.Close(err)
		return
	}
	conn.Start()
}
