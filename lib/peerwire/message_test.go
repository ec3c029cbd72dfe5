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
package peerwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m Message) Message {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteMessage(&buf, m, nil))

	got, err := ReadMessage(&buf, nil)
	require.NoError(err)
	return got
}

func TestMessageRoundTripSimpleTypes(t *testing.T) {
	require := require.New(t)

	for _, typ := range []MessageType{Choke, Unchoke, Interested, NotInterested} {
		got := roundTrip(t, Message{Type: typ})
		require.Equal(typ, got.Type)
	}
}

func TestMessageRoundTripHave(t *testing.T) {
	require := require.New(t)

	got := roundTrip(t, NewHave(42))
	require.Equal(Have, got.Type)
	require.Equal(uint32(42), got.Index)
}

func TestMessageRoundTripBitfield(t *testing.T) {
	require := require.New(t)

	bits := []byte{0xff, 0x0f}
	got := roundTrip(t, NewBitfield(bits))
	require.Equal(Bitfield, got.Type)
	require.Equal(bits, got.BitfieldBytes)
}

func TestMessageRoundTripRequestAndCancel(t *testing.T) {
	require := require.New(t)

	got := roundTrip(t, NewRequest(1, 16384, 16384))
	require.Equal(Request, got.Type)
	require.Equal(uint32(1), got.Index)
	require.Equal(uint32(16384), got.Begin)
	require.Equal(uint32(16384), got.Length)

	got = roundTrip(t, NewCancel(1, 16384, 16384))
	require.Equal(Cancel, got.Type)
}

func TestMessageRoundTripPiece(t *testing.T) {
	require := require.New(t)

	block := bytes.Repeat([]byte{0xab}, 1024)
	got := roundTrip(t, NewPiece(3, 0, block))
	require.Equal(Piece, got.Type)
	require.Equal(uint32(3), got.Index)
	require.Equal(uint32(0), got.Begin)
	require.Equal(block, got.Block)
}

func TestMessageRoundTripPort(t *testing.T) {
	require := require.New(t)

	got := roundTrip(t, NewPort(6881))
	require.Equal(Port, got.Type)
	require.Equal(uint16(6881), got.Port)
}

func TestMessageRoundTripExtended(t *testing.T) {
	require := require.New(t)

	got := roundTrip(t, NewExtended(0, []byte("d1:md11:ut_metadatai1eee")))
	require.Equal(Extended, got.Type)
	require.Equal(byte(0), got.ExtendedID)
	require.Equal([]byte("d1:md11:ut_metadatai1eee"), got.ExtendedPayload)
}

func TestMessageRoundTripKeepAlive(t *testing.T) {
	require := require.New(t)

	got := roundTrip(t, Message{Type: KeepAlive})
	require.Equal(KeepAlive, got.Type)
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	require := require.New(t)

	var lenBuf [4]byte
	lenBuf[0] = 0xff
	lenBuf[1] = 0xff
	lenBuf[2] = 0xff
	lenBuf[3] = 0xff
	_, err := ReadMessage(bytes.NewReader(lenBuf[:]), nil)
	require.Error(err)
}

func TestReadMessageRejectsMalformedHave(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteMessage(&buf, Message{Type: Request}, nil))
	// Overwrite type byte to Have while keeping the 12-byte Request payload,
	// which is not a valid 4-byte Have payload length.
	raw := buf.Bytes()
	raw[4] = byte(Have)
	_, err := ReadMessage(bytes.NewReader(raw), nil)
	require.Error(err)
}
