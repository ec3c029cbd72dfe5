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
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btengine/core/utils/bandwidth"
)

// MessageType is a BEP 3 peer wire protocol message ID.
type MessageType int8

// Peer wire protocol message types.
const (
	// KeepAlive is a synthetic type for the zero-length keep-alive
	// message; it has no wire-format message ID byte.
	KeepAlive     MessageType = -1
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	Bitfield      MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
	Cancel        MessageType = 8
	Port          MessageType = 9
	Extended      MessageType = 20
)

const maxMessageSize = 32 * 1024 * 1024

// Message is a decoded peer wire protocol message. Only the fields
// relevant to Type are populated.
type Message struct {
	Type MessageType

	// Have, Request, Cancel, Piece.
	Index uint32
	Begin uint32
	// Request, Cancel.
	Length uint32
	// Piece.
	Block []byte

	// Bitfield.
	BitfieldBytes []byte

	// Port.
	Port uint16

	// Extended.
	ExtendedID      byte
	ExtendedPayload []byte
}

// NewHave returns a HAVE message for piece index.
func NewHave(index uint32) Message { return Message{Type: Have, Index: index} }

// NewBitfield returns a BITFIELD message.
func NewBitfield(bits []byte) Message { return Message{Type: Bitfield, BitfieldBytes: bits} }

// NewRequest returns a REQUEST message.
func NewRequest(index, begin, length uint32) Message {
	return Message{Type: Request, Index: index, Begin: begin, Length: length}
}

// NewCancel returns a CANCEL message.
func NewCancel(index, begin, length uint32) Message {
	return Message{Type: Cancel, Index: index, Begin: begin, Length: length}
}

// NewPiece returns a PIECE message.
func NewPiece(index, begin uint32, block []byte) Message {
	return Message{Type: Piece, Index: index, Begin: begin, Block: block}
}

// NewPort returns a PORT message (DHT listen port).
func NewPort(port uint16) Message { return Message{Type: Port, Port: port} }

// NewExtended returns an EXTENDED message.
func NewExtended(extendedID byte, payload []byte) Message {
	return Message{Type: Extended, ExtendedID: extendedID, ExtendedPayload: payload}
}

// encodePayload serializes m's payload, not including the length prefix or
// type byte.
func (m Message) encodePayload() []byte {
	switch m.Type {
	case Choke, Unchoke, Interested, NotInterested:
		return nil
	case Have:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, m.Index)
		return b
	case Bitfield:
		return m.BitfieldBytes
	case Request, Cancel:
		b := make([]byte, 12)
		binary.BigEndian.PutUint32(b[0:4], m.Index)
		binary.BigEndian.PutUint32(b[4:8], m.Begin)
		binary.BigEndian.PutUint32(b[8:12], m.Length)
		return b
	case Piece:
		b := make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(b[0:4], m.Index)
		binary.BigEndian.PutUint32(b[4:8], m.Begin)
		copy(b[8:], m.Block)
		return b
	case Port:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, m.Port)
		return b
	case Extended:
		b := make([]byte, 1+len(m.ExtendedPayload))
		b[0] = m.ExtendedID
		copy(b[1:], m.ExtendedPayload)
		return b
	default:
		return nil
	}
}

// WriteMessage writes m to w in length-prefixed wire format. If limiter
// is non-nil, egress bandwidth for the full message (prefix + type +
// payload) is reserved before writing.
func WriteMessage(w io.Writer, m Message, limiter *bandwidth.Limiter) error {
	if m.Type == KeepAlive {
		if limiter != nil {
			if err := limiter.ReserveEgress(4); err != nil {
				return fmt.Errorf("reserve egress: %s", err)
			}
		}
		_, err := w.Write([]byte{0, 0, 0, 0})
		return err
	}

	payload := m.encodePayload()
	total := 1 + len(payload)

	buf := make([]byte, 4+total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = byte(m.Type)
	copy(buf[5:], payload)

	if limiter != nil {
		if err := limiter.ReserveEgress(int64(len(buf))); err != nil {
			return fmt.Errorf("reserve egress: %s", err)
		}
	}
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads and parses one message from r. If limiter is
// non-nil, ingress bandwidth is reserved for the message body before it
// is read off the wire.
func ReadMessage(r io.Reader, limiter *bandwidth.Limiter) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("read length prefix: %s", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{Type: KeepAlive}, nil
	}
	if length > maxMessageSize {
		return Message{}, fmt.Errorf("message size %d exceeds max %d", length, maxMessageSize)
	}

	if limiter != nil {
		if err := limiter.ReserveIngress(int64(length)); err != nil {
			return Message{}, fmt.Errorf("reserve ingress: %s", err)
		}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("read message body: %s", err)
	}

	msgType := MessageType(int8(body[0]))
	payload := body[1:]

	m := Message{Type: msgType}
	switch msgType {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		if len(payload) != 4 {
			return Message{}, fmt.Errorf("malformed HAVE payload length %d", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case Bitfield:
		m.BitfieldBytes = payload
	case Request, Cancel:
		if len(payload) != 12 {
			return Message{}, fmt.Errorf("malformed REQUEST/CANCEL payload length %d", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
	case Piece:
		if len(payload) < 8 {
			return Message{}, fmt.Errorf("malformed PIECE payload length %d", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Block = payload[8:]
	case Port:
		if len(payload) != 2 {
			return Message{}, fmt.Errorf("malformed PORT payload length %d", len(payload))
		}
		m.Port = binary.BigEndian.Uint16(payload)
	case Extended:
		if len(payload) < 1 {
			return Message{}, fmt.Errorf("malformed EXTENDED payload length %d", len(payload))
		}
		m.ExtendedID = payload[0]
		m.ExtendedPayload = payload[1:]
	default:
		return Message{}, fmt.Errorf("unknown message type %d", msgType)
	}

	return m, nil
}
