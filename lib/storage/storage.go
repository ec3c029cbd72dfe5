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

// Package storage maps a torrent's logical byte stream onto one or more
// real files on disk, coupling piece writes/reads to per-file priority
// so skipped files are never materialized on disk until un-skipped.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/willf/bitset"
	"go.uber.org/atomic"

	"github.com/btengine/core/core"
	"github.com/btengine/core/utils/log"
)

// Errors returned by WritePiece.
var (
	ErrWritePieceConflict = errors.New("piece is already being written to")
	ErrPieceComplete      = errors.New("piece is already complete")
	ErrPieceBlacklisted   = errors.New("piece is blacklisted: all touched files are skipped")
	ErrHashMismatch       = errors.New("piece data does not match expected hash")
)

// Classification describes how a piece's requestability is coupled to
// its touched files' priorities.
type Classification int

// Piece classifications, derived from the priorities of the files a
// piece's byte range overlaps.
const (
	Wanted Classification = iota
	Boundary
	Blacklisted
)

type pieceStatus int

const (
	statusEmpty pieceStatus = iota
	statusDirty
	statusComplete
)

type piece struct {
	sync.RWMutex
	status pieceStatus
}

func (p *piece) complete() bool {
	p.RLock()
	defer p.RUnlock()
	return p.status == statusComplete
}

func (p *piece) dirty() bool {
	p.RLock()
	defer p.RUnlock()
	return p.status == statusDirty
}

func (p *piece) tryMarkDirty() (dirty, complete bool) {
	p.Lock()
	defer p.Unlock()
	switch p.status {
	case statusEmpty:
		p.status = statusDirty
	case statusDirty:
		dirty = true
	case statusComplete:
		complete = true
	}
	return
}

func (p *piece) markEmpty() {
	p.Lock()
	defer p.Unlock()
	p.status = statusEmpty
}

func (p *piece) markComplete() {
	p.Lock()
	defer p.Unlock()
	p.status = statusComplete
}

// segment is the portion of one file covered by a byte range.
type segment struct {
	file       core.FileEntry
	fileOffset int64
	length     int64
}

// ContentStorage maps byte ranges of a torrent's logical stream to the
// real files on disk that back it, and couples piece writes/reads to
// file priority via the .parts sidecar.
type ContentStorage struct {
	root  string
	mi    *core.MetaInfo
	files []core.FileEntry

	mu          sync.RWMutex // guards priorities
	priorities  []core.FilePriority

	pieces      []*piece
	numComplete *atomic.Int32

	parts *PartsFile
}

// New creates a ContentStorage rooted at root, one directory per
// torrent. Files are not created until first written.
func New(root string, mi *core.MetaInfo) (*ContentStorage, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("mkdir torrent root: %s", err)
	}
	parts, err := OpenPartsFile(root)
	if err != nil {
		return nil, fmt.Errorf("open parts file: %s", err)
	}

	files := mi.Files()
	priorities := make([]core.FilePriority, len(files))
	for i, f := range files {
		priorities[i] = f.Priority
	}

	pieces := make([]*piece, mi.NumPieces())
	for i := range pieces {
		pieces[i] = &piece{}
	}
	for _, pi := range parts.Pieces() {
		if pi >= 0 && pi < len(pieces) {
			pieces[pi].markComplete()
		}
	}

	cs := &ContentStorage{
		root:        root,
		mi:          mi,
		files:       files,
		priorities:  priorities,
		pieces:      pieces,
		numComplete: atomic.NewInt32(int32(len(parts.Pieces()))),
		parts:       parts,
	}
	return cs, nil
}

// SetFilePriority updates the priority of the file at index i. Callers
// must recompute piece classification (Classify) afterward and, if a
// file was un-skipped, run materialization (see Materialize).
func (cs *ContentStorage) SetFilePriority(i int, p core.FilePriority) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if i < 0 || i >= len(cs.priorities) {
		return fmt.Errorf("invalid file index %d", i)
	}
	cs.priorities[i] = p
	return nil
}

func (cs *ContentStorage) priority(i int) core.FilePriority {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.priorities[i]
}

// pieceByteRange returns the [start, end) byte range of piece pi within
// the logical concatenated stream.
func (cs *ContentStorage) pieceByteRange(pi int) (int64, int64) {
	start := cs.mi.PieceLength() * int64(pi)
	end := start + cs.mi.GetPieceLength(pi)
	return start, end
}

// segments returns the file segments overlapping [start, end).
func (cs *ContentStorage) segments(start, end int64) []segment {
	var segs []segment
	for _, f := range cs.files {
		fStart := f.Offset
		fEnd := f.Offset + f.Length
		if fEnd <= start || fStart >= end {
			continue
		}
		overlapStart := max64(start, fStart)
		overlapEnd := min64(end, fEnd)
		segs = append(segs, segment{
			file:       f,
			fileOffset: overlapStart - fStart,
			length:     overlapEnd - overlapStart,
		})
	}
	return segs
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Classify returns how piece pi is requestable given current file
// priorities: Blacklisted if every touched file is skipped, Wanted if
// every touched file has priority>0, Boundary otherwise.
func (cs *ContentStorage) Classify(pi int) Classification {
	start, end := cs.pieceByteRange(pi)
	segs := cs.segments(start, end)

	anySkipped, anyWanted := false, false
	for _, s := range segs {
		idx := cs.fileIndex(s.file)
		if cs.priority(idx) == core.PrioritySkip {
			anySkipped = true
		} else {
			anyWanted = true
		}
	}
	switch {
	case anySkipped && anyWanted:
		return Boundary
	case anySkipped:
		return Blacklisted
	default:
		return Wanted
	}
}

// PiecePriority returns the piece-selection priority for pi: the max
// priority (skip=0, normal=1, high=2) of the files it touches, or 0 if
// the piece is Blacklisted outright.
func (cs *ContentStorage) PiecePriority(pi int) int {
	if cs.Classify(pi) == Blacklisted {
		return 0
	}
	start, end := cs.pieceByteRange(pi)
	segs := cs.segments(start, end)

	best := core.PrioritySkip
	for _, s := range segs {
		idx := cs.fileIndex(s.file)
		if p := cs.priority(idx); p > best {
			best = p
		}
	}
	return int(best)
}

func (cs *ContentStorage) fileIndex(f core.FileEntry) int {
	for i, cand := range cs.files {
		if cand.Offset == f.Offset {
			return i
		}
	}
	return -1
}

func (cs *ContentStorage) filePath(f core.FileEntry) string {
	parts := append([]string{cs.root}, f.Path...)
	return filepath.Join(parts...)
}

func (cs *ContentStorage) openForWrite(f core.FileEntry) (*os.File, error) {
	path := cs.filePath(f)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("mkdir: %s", err)
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
}

func (cs *ContentStorage) openForRead(f core.FileEntry) (*os.File, error) {
	return os.Open(cs.filePath(f))
}

// WritePiece verifies data against the expected piece hash and writes it
// to disk. Wanted pieces are written to their files directly; boundary
// pieces are written to the non-skipped portions of their files and the
// full piece bytes are additionally recorded in the .parts sidecar;
// blacklisted pieces are refused.
func (cs *ContentStorage) WritePiece(pi int, data []byte) error {
	if pi < 0 || pi >= len(cs.pieces) {
		return fmt.Errorf("invalid piece index %d", pi)
	}
	if int64(len(data)) != cs.mi.GetPieceLength(pi) {
		return fmt.Errorf("invalid piece length: expected %d, got %d", cs.mi.GetPieceLength(pi), len(data))
	}

	p := cs.pieces[pi]
	if p.complete() {
		return ErrPieceComplete
	}
	if p.dirty() {
		return ErrWritePieceConflict
	}

	class := cs.Classify(pi)
	if class == Blacklisted {
		return ErrPieceBlacklisted
	}

	if !cs.mi.VerifyPiece(pi, data) {
		return ErrHashMismatch
	}

	dirty, complete := p.tryMarkDirty()
	if dirty {
		return ErrWritePieceConflict
	}
	if complete {
		return ErrPieceComplete
	}

	if err := cs.writePieceLocked(pi, data, class); err != nil {
		p.markEmpty()
		return err
	}

	p.markComplete()
	cs.numComplete.Inc()
	return nil
}

func (cs *ContentStorage) writePieceLocked(pi int, data []byte, class Classification) error {
	start, _ := cs.pieceByteRange(pi)
	segs := cs.segments(start, start+int64(len(data)))

	for _, s := range segs {
		idx := cs.fileIndex(s.file)
		if cs.priority(idx) == core.PrioritySkip {
			continue
		}
		segStart := (s.file.Offset + s.fileOffset) - start
		chunk := data[segStart : segStart+s.length]
		f, err := cs.openForWrite(s.file)
		if err != nil {
			return fmt.Errorf("open file for write: %s", err)
		}
		_, err = f.WriteAt(chunk, s.fileOffset)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("write file: %s", err)
		}
		if closeErr != nil {
			return fmt.Errorf("close file: %s", closeErr)
		}
	}

	if class == Boundary {
		if err := cs.parts.Put(pi, data); err != nil {
			return fmt.Errorf("write parts file: %s", err)
		}
	}
	return nil
}

// ReadBlock reads length bytes starting at begin within piece pi,
// possibly across files, or from the .parts sidecar for a boundary
// piece.
func (cs *ContentStorage) ReadBlock(pi int, begin, length int64) ([]byte, error) {
	if pi < 0 || pi >= len(cs.pieces) {
		return nil, fmt.Errorf("invalid piece index %d", pi)
	}
	if !cs.pieces[pi].complete() {
		return nil, errors.New("piece not complete")
	}

	if data, ok := cs.parts.Get(pi); ok {
		if begin+length > int64(len(data)) {
			return nil, fmt.Errorf("block range out of bounds for piece %d", pi)
		}
		out := make([]byte, length)
		copy(out, data[begin:begin+length])
		return out, nil
	}

	pieceStart, _ := cs.pieceByteRange(pi)
	start := pieceStart + begin
	end := start + length
	segs := cs.segments(start, end)

	out := make([]byte, 0, length)
	for _, s := range segs {
		f, err := cs.openForRead(s.file)
		if err != nil {
			return nil, fmt.Errorf("open file for read: %s", err)
		}
		buf := make([]byte, s.length)
		_, err = f.ReadAt(buf, s.fileOffset)
		closeErr := f.Close()
		if err != nil {
			return nil, fmt.Errorf("read file: %s", err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("close file: %s", closeErr)
		}
		out = append(out, buf...)
	}
	return out, nil
}

// Bitfield returns the bitfield of complete pieces, true meaning the
// piece's bytes are on disk or in the .parts sidecar.
func (cs *ContentStorage) Bitfield() *bitset.BitSet {
	bf := bitset.New(uint(len(cs.pieces)))
	for i, p := range cs.pieces {
		if p.complete() {
			bf.Set(uint(i))
		}
	}
	return bf
}

// AdvertisedBitfield returns the bitfield we advertise to peers: complete
// pieces minus any still sitting only in the .parts sidecar, per the
// advertised-bitfield invariant.
func (cs *ContentStorage) AdvertisedBitfield() *bitset.BitSet {
	bf := cs.Bitfield()
	for _, pi := range cs.parts.Pieces() {
		bf.Clear(uint(pi))
	}
	return bf
}

// Complete reports whether every piece is complete.
func (cs *ContentStorage) Complete() bool {
	return int(cs.numComplete.Load()) == len(cs.pieces)
}

// FailPiece resets piece pi to empty after a hash mismatch discovered
// outside of WritePiece (e.g. during Recheck), so it can be
// re-requested.
func (cs *ContentStorage) FailPiece(pi int) {
	cs.pieces[pi].markEmpty()
}

// Recheck re-verifies a piece already present in the .parts sidecar: for
// a boundary piece it additionally checks that the bytes overlapping
// non-skipped files match what is actually on disk. A mismatch fails the
// piece, removing it from .parts and clearing its bitfield bit.
func (cs *ContentStorage) Recheck(pi int) error {
	data, ok := cs.parts.Get(pi)
	if !ok {
		return fmt.Errorf("piece %d not in parts file", pi)
	}
	if !cs.mi.VerifyPiece(pi, data) {
		return cs.failRecheck(pi)
	}

	start, _ := cs.pieceByteRange(pi)
	segs := cs.segments(start, start+int64(len(data)))
	for _, s := range segs {
		idx := cs.fileIndex(s.file)
		if cs.priority(idx) == core.PrioritySkip {
			continue
		}
		f, err := cs.openForRead(s.file)
		if err != nil {
			return cs.failRecheck(pi)
		}
		buf := make([]byte, s.length)
		_, err = f.ReadAt(buf, s.fileOffset)
		f.Close()
		if err != nil {
			return cs.failRecheck(pi)
		}
		segStart := (s.file.Offset + s.fileOffset) - start
		if string(buf) != string(data[segStart:segStart+s.length]) {
			return cs.failRecheck(pi)
		}
	}
	return nil
}

func (cs *ContentStorage) failRecheck(pi int) error {
	log.Errorf("Recheck failed for piece %d, evicting from parts file", pi)
	if err := cs.parts.Remove(pi); err != nil {
		return fmt.Errorf("remove failed piece from parts file: %s", err)
	}
	cs.pieces[pi].markEmpty()
	cs.numComplete.Dec()
	return fmt.Errorf("piece %d failed recheck", pi)
}

// Materialize writes every piece in the .parts sidecar that is now fully
// covered by non-skipped files out to the real file(s) and removes it
// from the sidecar, returning the piece indices that were materialized
// so the caller can emit HAVE for them. The disk queue must be drained
// and no concurrent piece writes may be in flight while this runs, since
// it reads and removes entries from the sidecar without its own lock
// against WritePiece.
func (cs *ContentStorage) Materialize() ([]int, error) {
	var materialized []int
	for _, pi := range cs.parts.Pieces() {
		if cs.Classify(pi) != Wanted {
			continue
		}
		data, ok := cs.parts.Get(pi)
		if !ok {
			continue
		}
		start, _ := cs.pieceByteRange(pi)
		segs := cs.segments(start, start+int64(len(data)))
		for _, s := range segs {
			segStart := (s.file.Offset + s.fileOffset) - start
			chunk := data[segStart : segStart+s.length]
			f, err := cs.openForWrite(s.file)
			if err != nil {
				return materialized, fmt.Errorf("open file for materialize: %s", err)
			}
			_, err = f.WriteAt(chunk, s.fileOffset)
			closeErr := f.Close()
			if err != nil {
				return materialized, fmt.Errorf("write file during materialize: %s", err)
			}
			if closeErr != nil {
				return materialized, fmt.Errorf("close file during materialize: %s", closeErr)
			}
		}
		if err := cs.parts.Remove(pi); err != nil {
			return materialized, fmt.Errorf("remove materialized piece from parts file: %s", err)
		}
		materialized = append(materialized, pi)
	}
	return materialized, nil
}
