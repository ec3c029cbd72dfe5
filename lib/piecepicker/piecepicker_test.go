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
package piecepicker

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
)

func bs(bits ...uint) *bitset.BitSet {
	b := &bitset.BitSet{}
	for _, i := range bits {
		b.Set(i)
	}
	return b
}

// TestRarestFirstCorrectness covers four pieces, three peers (A has
// {0,1}, B has {0,2}, C has {0,1,2,3}); availability [3,2,2,1]. From
// peer C, the picker must return [3,2,1,0], rarest first.
func TestRarestFirstCorrectness(t *testing.T) {
	require := require.New(t)

	out := SelectPieces(Input{
		PeerBitfield: bs(0, 1, 2, 3),
		OwnBitfield:  bs(),
		Priority:     []int{1, 1, 1, 1},
		Availability: []int{3, 2, 2, 1},
		MaxPieces:    4,
	})
	require.Equal([]int{3, 2, 1, 0}, out)
}

func TestExcludesOwnedAndBlacklistedPieces(t *testing.T) {
	require := require.New(t)

	out := SelectPieces(Input{
		PeerBitfield: bs(0, 1, 2),
		OwnBitfield:  bs(1),
		Priority:     []int{1, 1, 0},
		Availability: []int{1, 1, 1},
		MaxPieces:    10,
	})
	require.Equal([]int{0}, out)
}

func TestHigherPriorityFirst(t *testing.T) {
	require := require.New(t)

	out := SelectPieces(Input{
		PeerBitfield: bs(0, 1),
		OwnBitfield:  bs(),
		Priority:     []int{1, 2},
		Availability: []int{1, 5},
		MaxPieces:    2,
	})
	require.Equal([]int{1, 0}, out, "high priority piece 1 comes first despite being less rare")
}

func TestStartedPiecesBiasedFirstWithinPriorityTier(t *testing.T) {
	require := require.New(t)

	out := SelectPieces(Input{
		PeerBitfield: bs(0, 1),
		OwnBitfield:  bs(),
		Priority:     []int{1, 1},
		Availability: []int{1, 1},
		Started:      map[int]bool{1: true},
		MaxPieces:    2,
	})
	require.Equal([]int{1, 0}, out)
}

func TestDeterministicAcrossRepeatedCalls(t *testing.T) {
	require := require.New(t)

	in := Input{
		PeerBitfield: bs(0, 1, 2, 3, 4),
		OwnBitfield:  bs(),
		Priority:     []int{1, 1, 2, 1, 1},
		Availability: []int{4, 3, 1, 3, 2},
		MaxPieces:    5,
	}
	first := SelectPieces(in)
	second := SelectPieces(in)
	require.Equal(first, second)
}

func TestMaxPiecesLimitsOutput(t *testing.T) {
	require := require.New(t)

	out := SelectPieces(Input{
		PeerBitfield: bs(0, 1, 2, 3),
		OwnBitfield:  bs(),
		Priority:     []int{1, 1, 1, 1},
		Availability: []int{1, 1, 1, 1},
		MaxPieces:    2,
	})
	require.Len(out, 2)
}
