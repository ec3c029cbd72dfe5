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
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// PeerHint is a peer address embedded directly in a magnet URI (x.pe=host:port).
type PeerHint struct {
	Host string
	Port int
}

// Magnet is a parsed magnet:?xt=urn:btih:... URI.
type Magnet struct {
	InfoHash    InfoHash
	DisplayName string
	Trackers    []string
	PeerHints   []PeerHint
}

// ParseMagnet parses a magnet URI of the form
// magnet:?xt=urn:btih:<40-hex-or-32-base32>&dn=<name>&tr=<tracker>&x.pe=<host:port>.
//
// If the magnet advertises a hybrid (v1+v2) info-hash via a second
// xt=urn:btmh parameter, the v1 info-hash is preferred and the truncated v2
// parameter is ignored -- detection of an actual truncated-v2 connection
// happens later, at the extended-handshake layer (§ peerwire).
func ParseMagnet(raw string) (*Magnet, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse uri: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, errors.New("not a magnet uri")
	}
	q := u.Query()

	var ih InfoHash
	found := false
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		h, err := decodeInfoHashParam(strings.TrimPrefix(xt, prefix))
		if err != nil {
			return nil, fmt.Errorf("invalid xt btih: %w", err)
		}
		ih = h
		found = true
		break
	}
	if !found {
		return nil, errors.New("magnet missing xt=urn:btih parameter")
	}

	m := &Magnet{
		InfoHash:    ih,
		DisplayName: q.Get("dn"),
		Trackers:    append([]string(nil), q["tr"]...),
	}

	for _, pe := range q["x.pe"] {
		i := strings.LastIndex(pe, ":")
		if i == -1 {
			continue
		}
		var port int
		if _, err := fmt.Sscanf(pe[i+1:], "%d", &port); err != nil {
			continue
		}
		m.PeerHints = append(m.PeerHints, PeerHint{Host: pe[:i], Port: port})
	}

	return m, nil
}

// decodeInfoHashParam accepts either 40-char hex or 32-char base32 encodings
// of a 20-byte info hash, as permitted by BEP 9.
func decodeInfoHashParam(s string) (InfoHash, error) {
	switch len(s) {
	case 40:
		var h InfoHash
		n, err := hex.Decode(h[:], []byte(s))
		if err != nil || n != 20 {
			return InfoHash{}, errors.New("invalid hex info hash")
		}
		return h, nil
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil || len(b) != 20 {
			return InfoHash{}, errors.New("invalid base32 info hash")
		}
		var h InfoHash
		copy(h[:], b)
		return h, nil
	default:
		return InfoHash{}, fmt.Errorf("info hash must be 40 hex or 32 base32 chars, got %d", len(s))
	}
}
