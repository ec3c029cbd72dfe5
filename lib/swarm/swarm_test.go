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
package swarm

import (
	"errors"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func newTestSwarm() *Swarm {
	return New(Config{}, clock.NewMock())
}

func TestAddressKeyFormats(t *testing.T) {
	require := require.New(t)

	require.Equal("192.168.1.1:6881", AddressKey("192.168.1.1", 6881))
	require.Equal("[::1]:6881", AddressKey("::1", 6881))
}

func TestAddPeerIdempotentFirstDiscoveryWins(t *testing.T) {
	require := require.New(t)

	s := newTestSwarm()
	key1, err := s.AddPeer("10.0.0.1", 6881, SourceDHT)
	require.NoError(err)

	key2, err := s.AddPeer("10.0.0.1", 6881, SourceTracker)
	require.NoError(err)
	require.Equal(key1, key2)

	p, ok := s.Get(key1)
	require.True(ok)
	require.Equal(SourceDHT, p.Source, "first discovery wins")
}

func TestAddPeerRejectsInvalidPorts(t *testing.T) {
	require := require.New(t)

	s := newTestSwarm()
	_, err := s.AddPeer("10.0.0.1", 0, SourceDHT)
	require.ErrorIs(err, ErrInvalidPort)

	_, err = s.AddPeer("10.0.0.1", -1, SourceDHT)
	require.ErrorIs(err, ErrInvalidPort)

	_, err = s.AddPeer("10.0.0.1", 65536, SourceDHT)
	require.ErrorIs(err, ErrInvalidPort)

	_, err = s.AddPeer("10.0.0.1", 65535, SourceDHT)
	require.NoError(err)
}

func TestAddPeerFlagsSuspiciousPorts(t *testing.T) {
	require := require.New(t)

	s := newTestSwarm()
	key, err := s.AddPeer("10.0.0.1", 22, SourceDHT)
	require.NoError(err)
	p, _ := s.Get(key)
	require.True(p.SuspiciousPort)

	key2, err := s.AddPeer("10.0.0.2", 6881, SourceDHT)
	require.NoError(err)
	p2, _ := s.Get(key2)
	require.False(p2.SuspiciousPort)
}

func TestConnectingAndConnectedCountsAreAuthoritative(t *testing.T) {
	require := require.New(t)

	s := newTestSwarm()
	key, _ := s.AddPeer("10.0.0.1", 6881, SourceDHT)

	require.NoError(s.MarkConnecting(key))
	require.Equal(1, s.ConnectingCount())
	require.Equal(0, s.ConnectedCount())

	require.NoError(s.MarkConnected(key))
	require.Equal(0, s.ConnectingCount())
	require.Equal(1, s.ConnectedCount())

	s.MarkDisconnected(key)
	require.Equal(0, s.ConnectingCount())
	require.Equal(0, s.ConnectedCount())
}

func TestGetConnectablePeersExcludesConnectingConnectedAndBanned(t *testing.T) {
	require := require.New(t)

	s := newTestSwarm()
	idleKey, _ := s.AddPeer("10.0.0.1", 6881, SourceDHT)
	connectingKey, _ := s.AddPeer("10.0.0.2", 6881, SourceDHT)
	connectedKey, _ := s.AddPeer("10.0.0.3", 6881, SourceDHT)
	bannedKey, _ := s.AddPeer("10.0.0.4", 6881, SourceDHT)

	require.NoError(s.MarkConnecting(connectingKey))
	require.NoError(s.MarkConnecting(connectedKey))
	require.NoError(s.MarkConnected(connectedKey))

	for i := 0; i < 3; i++ {
		s.Suspect(bannedKey, "hash failure")
	}

	candidates := s.GetConnectablePeers(10)
	var keys []string
	for _, c := range candidates {
		keys = append(keys, c.AddressKey)
	}
	require.Contains(keys, idleKey)
	require.NotContains(keys, connectingKey)
	require.NotContains(keys, connectedKey)
	require.NotContains(keys, bannedKey)
}

func TestGetConnectablePeersRoutesSuspiciousPortsLast(t *testing.T) {
	require := require.New(t)

	s := newTestSwarm()
	suspiciousKey, _ := s.AddPeer("10.0.0.1", 22, SourceTracker)
	normalKey, _ := s.AddPeer("10.0.0.2", 6881, SourceDHT)

	candidates := s.GetConnectablePeers(10)
	require.Len(candidates, 2)
	require.Equal(normalKey, candidates[0].AddressKey, "non-suspicious candidate must rank first")
	require.Equal(suspiciousKey, candidates[1].AddressKey)
}

func TestGetConnectablePeersRespectsBackoffAfterFailure(t *testing.T) {
	require := require.New(t)

	mockClock := clock.NewMock()
	s := New(Config{}, mockClock)
	key, _ := s.AddPeer("10.0.0.1", 6881, SourceDHT)
	require.NoError(s.MarkConnecting(key))
	require.NoError(s.MarkFailed(key, errors.New("connection refused")))

	candidates := s.GetConnectablePeers(10)
	require.Empty(candidates, "peer must be in backoff immediately after failure")

	mockClock.Add(time.Minute)
	candidates = s.GetConnectablePeers(10)
	require.Len(candidates, 1)
}

func TestSuspectBansAfterThreshold(t *testing.T) {
	require := require.New(t)

	s := New(Config{BanThreshold: 2}, clock.NewMock())
	key, _ := s.AddPeer("10.0.0.1", 6881, SourceDHT)

	s.Suspect(key, "hash failure")
	p, _ := s.Get(key)
	require.Equal(StateIdle, p.State)

	s.Suspect(key, "hash failure")
	p, _ = s.Get(key)
	require.Equal(StateBanned, p.State)
	require.Equal("hash failure", p.BanReason)
}

func TestMutualConnectionCount(t *testing.T) {
	require := require.New(t)

	s := newTestSwarm()
	key1, _ := s.AddPeer("10.0.0.1", 6881, SourceDHT)
	key2, _ := s.AddPeer("10.0.0.1", 6882, SourceDHT)

	require.NoError(s.MarkConnecting(key1))
	require.NoError(s.MarkConnecting(key2))

	require.Equal(2, s.MutualConnectionCount("10.0.0.1"))
	require.Equal(0, s.MutualConnectionCount("10.0.0.2"))
}

func TestParseAddr(t *testing.T) {
	require := require.New(t)

	ip, port, err := ParseAddr("10.0.0.1:6881")
	require.NoError(err)
	require.Equal("10.0.0.1", ip)
	require.Equal(6881, port)

	_, _, err = ParseAddr("not-an-address:x")
	require.Error(err)
}
