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

// Package peerwire implements the BitTorrent peer wire protocol codec:
// the fixed handshake, the BEP 10 extended handshake, and length-prefixed
// message framing. It has no knowledge of sockets or goroutines -- it
// only encodes to and decodes from an io.Writer/io.Reader.
package peerwire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	bencode "github.com/jackpal/bencode-go"

	"github.com/btengine/core/core"
)

// protocolID is the fixed protocol name string in the handshake.
const protocolID = "BitTorrent protocol"

// HandshakeLen is the total length of the fixed handshake.
const HandshakeLen = 49 + len(protocolID)

// Reserved byte bit positions used by this implementation.
const (
	// extendedBitByteIndex is byte 5 (0-indexed) of the reserved bytes;
	// 0x10 marks support for the BEP 10 extension protocol.
	extendedBitByteIndex = 5
	extendedBitMask      = 0x10

	// v2BitByteIndex is byte 7; 0x10 marks support for BEP 52 v2 hybrid
	// torrents, used to detect a truncated-v2 info-hash handshake.
	v2BitByteIndex = 7
	v2BitMask      = 0x10
)

// Errors returned during handshake.
var (
	ErrProtocolError     = errors.New("peerwire: malformed handshake")
	ErrHandshakeMismatch = errors.New("peerwire: info hash mismatch")
)

// Handshake is the fixed 68-byte BitTorrent handshake.
type Handshake struct {
	Reserved [8]byte
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// NewHandshake builds a Handshake for infoHash/peerID with the extended
// messages bit set.
func NewHandshake(infoHash core.InfoHash, peerID core.PeerID, supportsV2 bool) Handshake {
	var h Handshake
	h.InfoHash = infoHash
	h.PeerID = peerID
	SetExtendedBit(&h.Reserved)
	if supportsV2 {
		SetV2Bit(&h.Reserved)
	}
	return h
}

// SetExtendedBit marks reserved as supporting the BEP 10 extension
// protocol.
func SetExtendedBit(reserved *[8]byte) {
	reserved[extendedBitByteIndex] |= extendedBitMask
}

// HasExtendedBit reports whether reserved marks BEP 10 support.
func HasExtendedBit(reserved [8]byte) bool {
	return reserved[extendedBitByteIndex]&extendedBitMask != 0
}

// SetV2Bit marks reserved as supporting BEP 52 v2/hybrid torrents.
func SetV2Bit(reserved *[8]byte) {
	reserved[v2BitByteIndex] |= v2BitMask
}

// HasV2Bit reports whether reserved marks BEP 52 v2/hybrid support.
func HasV2Bit(reserved [8]byte) bool {
	return reserved[v2BitByteIndex]&v2BitMask != 0
}

// WriteHandshake writes the 68-byte handshake to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(protocolID)))
	buf = append(buf, protocolID...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and parses the 68-byte handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake

	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return h, fmt.Errorf("%w: %s", ErrProtocolError, err)
	}
	if int(lenByte[0]) != len(protocolID) {
		return h, fmt.Errorf("%w: unexpected protocol name length %d", ErrProtocolError, lenByte[0])
	}

	rest := make([]byte, int(lenByte[0])+8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return h, fmt.Errorf("%w: %s", ErrProtocolError, err)
	}
	if string(rest[:len(protocolID)]) != protocolID {
		return h, fmt.Errorf("%w: unexpected protocol name", ErrProtocolError)
	}
	rest = rest[len(protocolID):]
	copy(h.Reserved[:], rest[:8])
	rest = rest[8:]
	copy(h.InfoHash[:], rest[:20])
	rest = rest[20:]
	copy(h.PeerID[:], rest[:20])

	return h, nil
}

// VerifyInfoHash returns ErrHandshakeMismatch if h was not for expected.
func VerifyInfoHash(h Handshake, expected core.InfoHash) error {
	if h.InfoHash != expected {
		return ErrHandshakeMismatch
	}
	return nil
}

// ExtendedHandshake is the BEP 10 extended handshake payload, sent as
// the body of an EXTENDED message with extended message ID 0.
type ExtendedHandshake struct {
	M         map[string]int `bencode:"m"`
	V         string         `bencode:"v,omitempty"`
	P         int            `bencode:"p,omitempty"`
	Reqq      int            `bencode:"reqq,omitempty"`
	// InfoHash2 is the 32-byte truncated v2 info hash, present only on a
	// hybrid swarm handshake; its presence signals truncated-v2-detected
	// per BEP 52.
	InfoHash2 []byte `bencode:"info_hash2,omitempty"`
}

// ExtensionIDMetadata and ExtensionIDPex are the locally assigned
// extended message IDs this implementation advertises in its own
// extended handshake's "m" dictionary.
const (
	ExtensionIDMetadata = 1
	ExtensionIDPex      = 2
)

// DefaultExtendedHandshake returns the extended handshake this
// implementation sends.
func DefaultExtendedHandshake(version string, pipelineDepth int) ExtendedHandshake {
	return ExtendedHandshake{
		M: map[string]int{
			"ut_metadata": ExtensionIDMetadata,
			"ut_pex":      ExtensionIDPex,
		},
		V:    version,
		Reqq: pipelineDepth,
	}
}

// EncodeExtendedHandshake bencodes h.
func EncodeExtendedHandshake(h ExtendedHandshake) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, h); err != nil {
		return nil, fmt.Errorf("encode extended handshake: %s", err)
	}
	return buf.Bytes(), nil
}

// DecodeExtendedHandshake parses a bencoded extended handshake payload.
func DecodeExtendedHandshake(data []byte) (ExtendedHandshake, error) {
	var h ExtendedHandshake
	if err := bencode.Unmarshal(bytes.NewReader(data), &h); err != nil {
		return h, fmt.Errorf("decode extended handshake: %s", err)
	}
	return h, nil
}

// HasTruncatedV2Hash reports whether an extended handshake carries an
// info_hash2 field, which indicates the remote peer expects v2/hybrid
// hash semantics this implementation (v1-only) cannot satisfy.
func (h ExtendedHandshake) HasTruncatedV2Hash() bool {
	return len(h.InfoHash2) > 0
}
