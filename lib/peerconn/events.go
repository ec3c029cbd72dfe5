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

import "github.com/willf/bitset"

// Events receives callbacks for everything a Conn observes on the wire.
// Implementations must not block; long-running work should be handed off
// to another goroutine.
type Events interface {
	// OnBitfield fires when the remote peer's bitfield is known, either
	// from an explicit BITFIELD message or synthesized as all-zero on
	// connection establishment.
	OnBitfield(c *Conn, bf *bitset.BitSet)

	// OnHave fires when the remote peer reports completing piece i.
	OnHave(c *Conn, i int)

	// OnBlock fires when a PIECE message delivers block bytes.
	OnBlock(c *Conn, index int, begin int, data []byte)

	// OnChoke and OnUnchoke fire when the remote peer changes our choke
	// state.
	OnChoke(c *Conn)
	OnUnchoke(c *Conn)

	// OnInterested and OnNotInterested fire when the remote peer changes
	// its interest in us.
	OnInterested(c *Conn)
	OnNotInterested(c *Conn)

	// OnRequest fires when the remote peer requests a block from us.
	OnRequest(c *Conn, index, begin, length int)

	// OnCancel fires when the remote peer cancels a pending request to
	// us.
	OnCancel(c *Conn, index, begin, length int)

	// OnBytesDownloaded and OnBytesUploaded report payload bytes that
	// crossed the wire, for rate accounting.
	OnBytesDownloaded(c *Conn, n int64)
	OnBytesUploaded(c *Conn, n int64)

	// OnClose fires once when the connection shuts down, successfully or
	// not.
	OnClose(c *Conn, reason error)
}
