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

func TestParseMagnetHex(t *testing.T) {
	require := require.New(t)

	raw := "magnet:?xt=urn:btih:2b66980093c8d32e154bc1549f5e355c8d7b5f30" +
		"&dn=My+Torrent&tr=http%3A%2F%2Ftracker.example%2Fannounce&x.pe=1.2.3.4%3A6881"

	m, err := ParseMagnet(raw)
	require.NoError(err)
	require.Equal("2b66980093c8d32e154bc1549f5e355c8d7b5f30", m.InfoHash.Hex())
	require.Equal("My Torrent", m.DisplayName)
	require.Equal([]string{"http://tracker.example/announce"}, m.Trackers)
	require.Len(m.PeerHints, 1)
	require.Equal("1.2.3.4", m.PeerHints[0].Host)
	require.Equal(6881, m.PeerHints[0].Port)
}

func TestParseMagnetBase32(t *testing.T) {
	require := require.New(t)

	hex := "2b66980093c8d32e154bc1549f5e355c8d7b5f30"
	want, err := NewInfoHashFromHex(hex)
	require.NoError(err)

	b32 := toBase32(want)
	m, err := ParseMagnet("magnet:?xt=urn:btih:" + b32)
	require.NoError(err)
	require.Equal(want, m.InfoHash)
}

func TestParseMagnetMissingHash(t *testing.T) {
	require := require.New(t)

	_, err := ParseMagnet("magnet:?dn=no-hash")
	require.Error(err)
}

func TestParseMagnetRejectsNonMagnetScheme(t *testing.T) {
	require := require.New(t)

	_, err := ParseMagnet("http://example.com")
	require.Error(err)
}

func toBase32(h InfoHash) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	var sb []byte
	b := h.Bytes()
	var buf uint64
	var bits uint
	for _, by := range b {
		buf = buf<<8 | uint64(by)
		bits += 8
		for bits >= 5 {
			bits -= 5
			sb = append(sb, alphabet[(buf>>bits)&0x1f])
		}
	}
	if bits > 0 {
		sb = append(sb, alphabet[(buf<<(5-bits))&0x1f])
	}
	return string(sb)
}
