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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btengine/core/core"
)

const indexVersion = 2

const indexKey = "session:torrents"

func stateKey(h core.InfoHash) string       { return fmt.Sprintf("session:torrent:%s:state", h.Hex()) }
func torrentFileKey(h core.InfoHash) string { return fmt.Sprintf("session:torrent:%s:torrentfile", h.Hex()) }
func infoDictKey(h core.InfoHash) string    { return fmt.Sprintf("session:torrent:%s:infodict", h.Hex()) }

// Source identifies how a torrent was added to the session.
type Source string

// Sources a torrent can be added from.
const (
	SourceFile   Source = "file"
	SourceMagnet Source = "magnet"
)

// IndexEntry is one torrent's entry in the session-wide index.
type IndexEntry struct {
	InfoHash  core.InfoHash `json:"infoHash"`
	Source    Source        `json:"source"`
	MagnetURI string        `json:"magnetUri,omitempty"`
	AddedAt   time.Time     `json:"addedAt"`
}

// Index is the full set of torrents known to the session.
type Index struct {
	Version  int          `json:"version"`
	Torrents []IndexEntry `json:"torrents"`
}

// State is a torrent's persisted runtime state, written on each SaveState
// call; how often that happens is up to the caller.
type State struct {
	UserState      string    `json:"userState"`
	StorageKey     string    `json:"storageKey,omitempty"`
	QueuePosition  int       `json:"queuePosition,omitempty"`
	Bitfield       []byte    `json:"bitfield,omitempty"`
	Uploaded       int64     `json:"uploaded"`
	Downloaded     int64     `json:"downloaded"`
	FilePriorities []int     `json:"filePriorities,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Persistence saves and restores torrent metadata and state through the
// multi-key schema: one shared index key, plus per-torrent
// state/torrentfile/infodict keys.
type Persistence struct {
	store Store

	mu sync.Mutex
}

// NewPersistence creates a Persistence backed by store. NewPersistence
// does not take ownership of closing store.
func NewPersistence(store Store) *Persistence {
	return &Persistence{store: store}
}

// Open opens a Persistence backed by a boltdb file at path.
func Open(path string) (*Persistence, error) {
	store, err := OpenBoltStore(path)
	if err != nil {
		return nil, err
	}
	return NewPersistence(store), nil
}

// Close closes the underlying store.
func (p *Persistence) Close() error { return p.store.Close() }

func (p *Persistence) loadIndex() (Index, error) {
	raw, ok, err := p.store.Get(indexKey)
	if err != nil {
		return Index{}, err
	}
	if !ok {
		return Index{Version: indexVersion}, nil
	}
	var idx Index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return Index{}, fmt.Errorf("unmarshal session index: %s", err)
	}
	return idx, nil
}

func (p *Persistence) saveIndex(idx Index) error {
	idx.Version = indexVersion
	raw, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("marshal session index: %s", err)
	}
	return p.store.Set(indexKey, raw)
}

// ListTorrents returns every torrent currently in the index.
func (p *Persistence) ListTorrents() ([]IndexEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, err := p.loadIndex()
	if err != nil {
		return nil, err
	}
	return idx.Torrents, nil
}

// AddTorrent adds entry to the index. If entry's info hash is already
// present, the existing entry is kept unchanged and nil is returned; call
// RemoveTorrent first to replace it.
func (p *Persistence) AddTorrent(entry IndexEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, err := p.loadIndex()
	if err != nil {
		return err
	}
	for _, e := range idx.Torrents {
		if e.InfoHash == entry.InfoHash {
			return nil
		}
	}
	idx.Torrents = append(idx.Torrents, entry)
	return p.saveIndex(idx)
}

// RemoveTorrent removes h from the index and deletes all of its
// per-torrent keys.
func (p *Persistence) RemoveTorrent(h core.InfoHash) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, err := p.loadIndex()
	if err != nil {
		return err
	}
	filtered := idx.Torrents[:0]
	for _, e := range idx.Torrents {
		if e.InfoHash != h {
			filtered = append(filtered, e)
		}
	}
	idx.Torrents = filtered
	if err := p.saveIndex(idx); err != nil {
		return err
	}

	for _, key := range []string{stateKey(h), torrentFileKey(h), infoDictKey(h)} {
		if err := p.store.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// SaveState persists h's runtime state, stamping UpdatedAt with now.
func (p *Persistence) SaveState(h core.InfoHash, state State, now time.Time) error {
	state.UpdatedAt = now
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal torrent state: %s", err)
	}
	return p.store.Set(stateKey(h), raw)
}

// LoadState returns h's persisted runtime state, or ok=false if none has
// been saved.
func (p *Persistence) LoadState(h core.InfoHash) (state State, ok bool, err error) {
	raw, ok, err := p.store.Get(stateKey(h))
	if err != nil || !ok {
		return State{}, ok, err
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, false, fmt.Errorf("unmarshal torrent state: %s", err)
	}
	return state, true, nil
}

// SaveTorrentFile persists the full raw .torrent file bytes for a
// file-source torrent, base64-encoded as the schema specifies.
func (p *Persistence) SaveTorrentFile(h core.InfoHash, raw []byte) error {
	return p.store.Set(torrentFileKey(h), []byte(base64.StdEncoding.EncodeToString(raw)))
}

// LoadTorrentFile returns the raw .torrent bytes saved by
// SaveTorrentFile, or ok=false if none were saved.
func (p *Persistence) LoadTorrentFile(h core.InfoHash) (raw []byte, ok bool, err error) {
	encoded, ok, err := p.store.Get(torrentFileKey(h))
	if err != nil || !ok {
		return nil, ok, err
	}
	raw, err = base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, false, fmt.Errorf("decode torrent file: %s", err)
	}
	return raw, true, nil
}

// SaveInfoDict persists a magnet-source torrent's info dictionary, once
// it has been fetched from peers, base64-encoded.
func (p *Persistence) SaveInfoDict(h core.InfoHash, raw []byte) error {
	return p.store.Set(infoDictKey(h), []byte(base64.StdEncoding.EncodeToString(raw)))
}

// LoadInfoDict returns the info dictionary bytes saved by SaveInfoDict,
// or ok=false if none were saved.
func (p *Persistence) LoadInfoDict(h core.InfoHash) (raw []byte, ok bool, err error) {
	encoded, ok, err := p.store.Get(infoDictKey(h))
	if err != nil || !ok {
		return nil, ok, err
	}
	raw, err = base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, false, fmt.Errorf("decode info dict: %s", err)
	}
	return raw, true, nil
}
