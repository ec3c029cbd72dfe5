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
package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	bencode "github.com/jackpal/bencode-go"
)

const partsFileName = ".parts"

// PartsFile is a bencoded sidecar dictionary {pieceIndex -> pieceBytes}
// for pieces that straddle a skipped file: the boundary piece's full
// bytes are kept here since only part of it lives in a real file on
// disk.
type PartsFile struct {
	mu     sync.Mutex
	path   string
	pieces map[int][]byte
}

// OpenPartsFile loads (or initializes) the .parts sidecar under root.
func OpenPartsFile(root string) (*PartsFile, error) {
	pf := &PartsFile{
		path:   filepath.Join(root, partsFileName),
		pieces: make(map[int][]byte),
	}
	raw, err := os.ReadFile(pf.path)
	if os.IsNotExist(err) {
		return pf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read parts file: %s", err)
	}
	var decoded map[string]string
	if err := bencode.Unmarshal(bytes.NewReader(raw), &decoded); err != nil {
		return nil, fmt.Errorf("decode parts file: %s", err)
	}
	for k, v := range decoded {
		i, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("parts file: invalid piece index key %q", k)
		}
		pf.pieces[i] = []byte(v)
	}
	return pf, nil
}

// Get returns the stored bytes for pieceIndex, if present.
func (pf *PartsFile) Get(pieceIndex int) ([]byte, bool) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	b, ok := pf.pieces[pieceIndex]
	return b, ok
}

// Has reports whether pieceIndex is present in the sidecar.
func (pf *PartsFile) Has(pieceIndex int) bool {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	_, ok := pf.pieces[pieceIndex]
	return ok
}

// Pieces returns the set of piece indices currently in the sidecar --
// this is partsFilePieces, consulted by the advertised-bitfield
// invariant.
func (pf *PartsFile) Pieces() []int {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	out := make([]int, 0, len(pf.pieces))
	for i := range pf.pieces {
		out = append(out, i)
	}
	return out
}

// Put stores data for pieceIndex and persists the sidecar atomically.
func (pf *PartsFile) Put(pieceIndex int, data []byte) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.pieces[pieceIndex] = data
	return pf.persistLocked()
}

// Remove deletes pieceIndex from the sidecar and persists the change. An
// empty dict after removal deletes the file entirely.
func (pf *PartsFile) Remove(pieceIndex int) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	delete(pf.pieces, pieceIndex)
	return pf.persistLocked()
}

// persistLocked writes to .parts.tmp, fsyncs, and renames over .parts.
// Caller must hold pf.mu.
func (pf *PartsFile) persistLocked() error {
	if len(pf.pieces) == 0 {
		err := os.Remove(pf.path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove empty parts file: %s", err)
		}
		return nil
	}

	encoded := make(map[string]string, len(pf.pieces))
	for i, b := range pf.pieces {
		encoded[strconv.Itoa(i)] = string(b)
	}

	tmpPath := pf.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create parts tmp file: %s", err)
	}
	if err := bencode.Marshal(f, encoded); err != nil {
		f.Close()
		return fmt.Errorf("encode parts file: %s", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync parts tmp file: %s", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close parts tmp file: %s", err)
	}
	if err := os.Rename(tmpPath, pf.path); err != nil {
		return fmt.Errorf("rename parts tmp file: %s", err)
	}
	return nil
}
