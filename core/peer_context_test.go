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
package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPeerContext(t *testing.T) {
	require := require.New(t)

	p, err := NewPeerContext(RandomPeerIDFactory, "10.0.0.1", 6881)
	require.NoError(err)

	_, err = NewPeerID(p.PeerID.String())
	require.NoError(err)
	require.Equal("10.0.0.1", p.IP)
	require.Equal(6881, p.Port)
}

func TestNewPeerContextErrors(t *testing.T) {
	t.Run("empty ip", func(t *testing.T) {
		require := require.New(t)

		_, err := NewPeerContext(RandomPeerIDFactory, "", 6881)
		require.Error(err)
	})

	t.Run("zero port", func(t *testing.T) {
		require := require.New(t)

		_, err := NewPeerContext(RandomPeerIDFactory, "10.0.0.1", 0)
		require.Error(err)
	})

	t.Run("invalid factory", func(t *testing.T) {
		require := require.New(t)

		_, err := NewPeerContext(PeerIDFactory("invalid"), "10.0.0.1", 6881)
		require.Error(err)
	})
}

func TestAddrHashPeerIDFactoryDeterministic(t *testing.T) {
	require := require.New(t)

	p1, err := NewPeerContext(AddrHashPeerIDFactory, "10.0.0.1", 6881)
	require.NoError(err)
	p2, err := NewPeerContext(AddrHashPeerIDFactory, "10.0.0.1", 6881)
	require.NoError(err)
	require.Equal(p1.PeerID, p2.PeerID)
}
