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

// Package bitfield implements a fixed-length, concurrency-safe bit vector
// used to track which pieces of a torrent are held, advertised, or
// requested.
package bitfield

import (
	"encoding/hex"
	"sync"

	"github.com/willf/bitset"
)

// BitField is a fixed-length bit vector, safe for concurrent use.
type BitField struct {
	mu  sync.RWMutex
	b   *bitset.BitSet
	len uint
}

// New creates a BitField with n bits, all initially unset.
func New(n uint) *BitField {
	return &BitField{b: bitset.New(n), len: n}
}

// FromBytes reconstructs a BitField from a BEP 3 wire-format BITFIELD
// payload, where bit i of byte 0 (MSB first) is piece index 0.
func FromBytes(raw []byte, numPieces uint) *BitField {
	bf := New(numPieces)
	for i := uint(0); i < numPieces; i++ {
		byteIdx := i / 8
		if int(byteIdx) >= len(raw) {
			break
		}
		bitIdx := 7 - (i % 8)
		if raw[byteIdx]&(1<<bitIdx) != 0 {
			bf.b.Set(i)
		}
	}
	return bf
}

// Bytes renders the BitField as a BEP 3 wire-format BITFIELD payload,
// padded with zero bits to a byte boundary.
func (bf *BitField) Bytes() []byte {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	nbytes := (bf.len + 7) / 8
	raw := make([]byte, nbytes)
	for i := uint(0); i < bf.len; i++ {
		if bf.b.Test(i) {
			raw[i/8] |= 1 << (7 - (i % 8))
		}
	}
	return raw
}

// Len returns the number of bits (pieces) tracked.
func (bf *BitField) Len() uint {
	return bf.len
}

// Has reports whether bit i is set. Out-of-range i returns false.
func (bf *BitField) Has(i uint) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	return i < bf.len && bf.b.Test(i)
}

// Set sets bit i to v. Newly-set bits matter to callers that track
// "newly set" semantics (e.g. suppressing duplicate HAVE emission); Set
// returns true iff the bit transitioned from unset to set.
func (bf *BitField) Set(i uint, v bool) bool {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if i >= bf.len {
		return false
	}
	wasSet := bf.b.Test(i)
	bf.b.SetTo(i, v)
	return v && !wasSet
}

// SetAll sets every bit to v.
func (bf *BitField) SetAll(v bool) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	for i := uint(0); i < bf.len; i++ {
		bf.b.SetTo(i, v)
	}
}

// Count returns the number of set bits.
func (bf *BitField) Count() uint {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	return bf.b.Count()
}

// Complete reports whether every bit is set.
func (bf *BitField) Complete() bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	return bf.b.Count() == bf.len
}

// Clone returns an independent copy of bf.
func (bf *BitField) Clone() *BitField {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	return &BitField{b: bf.b.Clone(), len: bf.len}
}

// AndNot returns a new BitField equal to bf AND NOT other -- used to
// compute the advertised bitfield (bitfield AND NOT partsFilePieces).
func (bf *BitField) AndNot(other *BitField) *BitField {
	bf.mu.RLock()
	other.mu.RLock()
	defer bf.mu.RUnlock()
	defer other.mu.RUnlock()

	r := bf.b.Difference(other.b)
	return &BitField{b: r, len: bf.len}
}

// SetIndices returns the indices of every set bit, in ascending order.
func (bf *BitField) SetIndices() []uint {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	out := make([]uint, 0, bf.b.Count())
	for i, ok := bf.b.NextSet(0); ok; i, ok = bf.b.NextSet(i + 1) {
		out = append(out, i)
	}
	return out
}

// Hex renders the BitField's wire bytes as a hex string, for logging and
// UI snapshots.
func (bf *BitField) Hex() string {
	return hex.EncodeToString(bf.Bytes())
}

// FromHex reconstructs a BitField from a hex string produced by Hex.
func FromHex(s string, numPieces uint) (*BitField, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return FromBytes(raw, numPieces), nil
}
