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
package session

import (
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btengine/core/core"
)

// memStore is an in-memory Store, used so these tests exercise
// Persistence's schema logic without requiring an actual boltdb file on
// disk.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) Keys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memStore) GetMulti(keys []string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			result[k] = v
		}
	}
	return result, nil
}

func (s *memStore) Close() error { return nil }

func testHash(b byte) core.InfoHash {
	var h core.InfoHash
	h[0] = b
	return h
}

func TestAddListAndRemoveTorrent(t *testing.T) {
	require := require.New(t)

	p := NewPersistence(newMemStore())
	h1 := testHash(1)
	h2 := testHash(2)

	require.NoError(p.AddTorrent(IndexEntry{InfoHash: h1, Source: SourceFile, AddedAt: time.Unix(1000, 0)}))
	require.NoError(p.AddTorrent(IndexEntry{InfoHash: h2, Source: SourceMagnet, MagnetURI: "magnet:?xt=urn:btih:abc", AddedAt: time.Unix(2000, 0)}))

	entries, err := p.ListTorrents()
	require.NoError(err)
	require.Len(entries, 2)
	require.Equal(h1, entries[0].InfoHash)
	require.Equal(SourceFile, entries[0].Source)
	require.Equal(h2, entries[1].InfoHash)
	require.Equal(SourceMagnet, entries[1].Source)

	require.NoError(p.RemoveTorrent(h1))
	entries, err = p.ListTorrents()
	require.NoError(err)
	require.Len(entries, 1)
	require.Equal(h2, entries[0].InfoHash)
}

func TestAddTorrentIsIdempotentForSameInfoHash(t *testing.T) {
	require := require.New(t)

	p := NewPersistence(newMemStore())
	h := testHash(1)

	require.NoError(p.AddTorrent(IndexEntry{InfoHash: h, Source: SourceFile}))
	require.NoError(p.AddTorrent(IndexEntry{InfoHash: h, Source: SourceFile}))

	entries, err := p.ListTorrents()
	require.NoError(err)
	require.Len(entries, 1)
}

func TestSaveAndLoadStateRoundTrips(t *testing.T) {
	require := require.New(t)

	p := NewPersistence(newMemStore())
	h := testHash(1)

	state := State{
		UserState:  "downloading",
		StorageKey: "/data/torrent1",
		Bitfield:   []byte{0xff, 0x00},
		Uploaded:   100,
		Downloaded: 5000,
	}
	require.NoError(p.SaveState(h, state, time.Unix(12345, 0)))

	loaded, ok, err := p.LoadState(h)
	require.NoError(err)
	require.True(ok)
	require.Equal("downloading", loaded.UserState)
	require.Equal("/data/torrent1", loaded.StorageKey)
	require.Equal([]byte{0xff, 0x00}, loaded.Bitfield)
	require.Equal(int64(100), loaded.Uploaded)
	require.Equal(int64(5000), loaded.Downloaded)
	require.Equal(time.Unix(12345, 0), loaded.UpdatedAt)
}

func TestLoadStateMissingReturnsFalse(t *testing.T) {
	require := require.New(t)

	p := NewPersistence(newMemStore())
	_, ok, err := p.LoadState(testHash(9))
	require.NoError(err)
	require.False(ok)
}

func TestSaveAndLoadTorrentFileRoundTrips(t *testing.T) {
	require := require.New(t)

	p := NewPersistence(newMemStore())
	h := testHash(1)
	raw := []byte("d8:announce...e")

	require.NoError(p.SaveTorrentFile(h, raw))
	loaded, ok, err := p.LoadTorrentFile(h)
	require.NoError(err)
	require.True(ok)
	require.Equal(raw, loaded)
}

func TestSaveAndLoadInfoDictRoundTrips(t *testing.T) {
	require := require.New(t)

	p := NewPersistence(newMemStore())
	h := testHash(1)
	raw := []byte("d4:name5:helloe")

	require.NoError(p.SaveInfoDict(h, raw))
	loaded, ok, err := p.LoadInfoDict(h)
	require.NoError(err)
	require.True(ok)
	require.Equal(raw, loaded)
}

func TestRemoveTorrentDeletesPerTorrentKeys(t *testing.T) {
	require := require.New(t)

	p := NewPersistence(newMemStore())
	h := testHash(1)

	require.NoError(p.AddTorrent(IndexEntry{InfoHash: h, Source: SourceFile}))
	require.NoError(p.SaveState(h, State{UserState: "seeding"}, time.Unix(1, 0)))
	require.NoError(p.SaveTorrentFile(h, []byte("raw")))

	require.NoError(p.RemoveTorrent(h))

	_, ok, err := p.LoadState(h)
	require.NoError(err)
	require.False(ok)

	_, ok, err = p.LoadTorrentFile(h)
	require.NoError(err)
	require.False(ok)
}

func TestRestoreLoadsMetadataBySourceAndState(t *testing.T) {
	require := require.New(t)

	p := NewPersistence(newMemStore())
	hFile := testHash(1)
	hMagnetResolved := testHash(2)
	hMagnetUnresolved := testHash(3)

	require.NoError(p.AddTorrent(IndexEntry{InfoHash: hFile, Source: SourceFile, AddedAt: time.Unix(1, 0)}))
	require.NoError(p.SaveTorrentFile(hFile, []byte("torrentfilebytes")))
	require.NoError(p.SaveState(hFile, State{UserState: "downloading", Bitfield: []byte{0x01}}, time.Unix(2, 0)))

	require.NoError(p.AddTorrent(IndexEntry{InfoHash: hMagnetResolved, Source: SourceMagnet, MagnetURI: "magnet:?xt=urn:btih:resolved", AddedAt: time.Unix(3, 0)}))
	require.NoError(p.SaveInfoDict(hMagnetResolved, []byte("infodictbytes")))

	require.NoError(p.AddTorrent(IndexEntry{InfoHash: hMagnetUnresolved, Source: SourceMagnet, MagnetURI: "magnet:?xt=urn:btih:unresolved", AddedAt: time.Unix(4, 0)}))

	restored, err := p.Restore()
	require.NoError(err)
	require.Len(restored, 3)

	byHash := make(map[core.InfoHash]RestoredTorrent)
	for _, r := range restored {
		byHash[r.Entry.InfoHash] = r
	}

	fileEntry := byHash[hFile]
	require.Equal([]byte("torrentfilebytes"), fileEntry.Metadata)
	require.True(fileEntry.HasState)
	require.Equal("downloading", fileEntry.State.UserState)

	magnetResolved := byHash[hMagnetResolved]
	require.Equal([]byte("infodictbytes"), magnetResolved.Metadata)
	require.False(magnetResolved.HasState)

	magnetUnresolved := byHash[hMagnetUnresolved]
	require.Nil(magnetUnresolved.Metadata)
	require.False(magnetUnresolved.HasState)
}

func TestStateKeysAreKeyedByInfoHashHex(t *testing.T) {
	require := require.New(t)

	h := testHash(0xab)
	require.Equal("session:torrent:"+h.Hex()+":state", stateKey(h))
	require.Equal("session:torrent:"+h.Hex()+":torrentfile", torrentFileKey(h))
	require.Equal("session:torrent:"+h.Hex()+":infodict", infoDictKey(h))
}
