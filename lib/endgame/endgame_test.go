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
package endgame

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btengine/core/core"
)

func peerID(b byte) core.PeerID {
	var id core.PeerID
	id[0] = b
	return id
}

func TestEvaluateEntersOnlyWhenAllThreeHold(t *testing.T) {
	require := require.New(t)

	m := NewManager(Config{})

	require.Equal(NoTransition, m.Evaluate(0, 0, false), "nothing missing")
	require.False(m.Active())

	require.Equal(NoTransition, m.Evaluate(3, 2, false), "fewer active pieces than missing")
	require.False(m.Active())

	require.Equal(NoTransition, m.Evaluate(2, 2, true), "a block still has no outstanding request")
	require.False(m.Active())

	require.Equal(EnterEndgame, m.Evaluate(2, 2, false))
	require.True(m.Active())
}

func TestEvaluateExitsWhenAnyConditionFails(t *testing.T) {
	require := require.New(t)

	m := NewManager(Config{})
	require.Equal(EnterEndgame, m.Evaluate(1, 1, false))

	require.Equal(ExitEndgame, m.Evaluate(1, 2, false), "an active piece closed short of missing count")
	require.False(m.Active())
}

func TestEvaluateIsIdempotentWithoutStateChange(t *testing.T) {
	require := require.New(t)

	m := NewManager(Config{})
	require.Equal(EnterEndgame, m.Evaluate(1, 1, false))
	require.Equal(NoTransition, m.Evaluate(1, 1, false))
}

func TestResetClearsEndgame(t *testing.T) {
	require := require.New(t)

	m := NewManager(Config{})
	m.Evaluate(1, 1, false)
	require.True(m.Active())

	m.Reset()
	require.False(m.Active())
}

func TestShouldSendDuplicateRequestRespectsBoundsAndActiveFlag(t *testing.T) {
	require := require.New(t)

	m := NewManager(Config{MaxDuplicateRequests: 2})
	require.False(m.ShouldSendDuplicateRequest(0), "not in endgame yet")

	m.Evaluate(1, 1, false)
	require.True(m.ShouldSendDuplicateRequest(0))
	require.True(m.ShouldSendDuplicateRequest(1))
	require.False(m.ShouldSendDuplicateRequest(2))
}

type fakeOtherRequester struct {
	peers map[[2]int][]core.PeerID
}

func (f fakeOtherRequester) GetOtherRequesters(pieceIndex, blockIndex int, excludePeerID core.PeerID) []core.PeerID {
	var out []core.PeerID
	for _, p := range f.peers[[2]int{pieceIndex, blockIndex}] {
		if p != excludePeerID {
			out = append(out, p)
		}
	}
	return out
}

// TestGetCancelsCancelsOtherRequesters covers two peers, A and B, both
// requested (piece=5, block=0). Peer A delivers the block first;
// GetCancels must return exactly one entry, for B.
func TestGetCancelsCancelsOtherRequesters(t *testing.T) {
	require := require.New(t)

	ap := fakeOtherRequester{peers: map[[2]int][]core.PeerID{
		{5, 0}: {peerID('A'), peerID('B')},
	}}

	cancels := GetCancels(5, 0, peerID('A'), ap)
	require.Equal([]Cancel{{PeerID: peerID('B'), Piece: 5, BlockIndex: 0}}, cancels)
}

func TestGetCancelsEmptyWhenNoOtherRequester(t *testing.T) {
	require := require.New(t)

	ap := fakeOtherRequester{peers: map[[2]int][]core.PeerID{
		{5, 0}: {peerID('A')},
	}}

	require.Empty(GetCancels(5, 0, peerID('A'), ap))
}
