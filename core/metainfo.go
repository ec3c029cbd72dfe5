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
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	bencode "github.com/jackpal/bencode-go"
)

// FilePriority classifies how eagerly a file's pieces are requested.
type FilePriority int

// File priorities, as referenced by piece classification.
const (
	PrioritySkip   FilePriority = 0
	PriorityNormal FilePriority = 1
	PriorityHigh   FilePriority = 2
)

// FileEntry describes one file within a (possibly multi-file) torrent.
type FileEntry struct {
	Path     []string `bencode:"path" json:"path"`
	Length   int64    `bencode:"length" json:"length"`
	Priority FilePriority `bencode:"-" json:"priority"`

	// Offset is the byte offset of this file within the concatenated
	// logical stream formed by all files in declaration order. Computed,
	// not stored on the wire.
	Offset int64 `bencode:"-" json:"offset"`
}

// rawInfo mirrors the bencoded "info" dictionary of a .torrent file,
// supporting both single-file and multi-file (BEP 3 §"Info Dictionary")
// layouts.
type rawInfo struct {
	PieceLength int64       `bencode:"piece length"`
	Pieces      string      `bencode:"pieces"`
	Name        string      `bencode:"name"`
	Length      int64       `bencode:"length,omitempty"`
	Files       []rawFile   `bencode:"files,omitempty"`
	Private     int         `bencode:"private,omitempty"`
}

type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawMetaInfo mirrors the top-level bencoded dictionary of a .torrent file.
type rawMetaInfo struct {
	Info         rawInfo  `bencode:"info"`
	Announce     string   `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	CreationDate int64    `bencode:"creation date,omitempty"`
	Comment      string   `bencode:"comment,omitempty"`
	CreatedBy    string   `bencode:"created by,omitempty"`
}

const pieceHashSize = sha1.Size

// MetaInfo contains torrent metadata: the piece layout, per-file structure,
// and tracker list of one torrent.
type MetaInfo struct {
	infoHash     InfoHash
	name         string
	pieceLength  int64
	pieceHashes  [][pieceHashSize]byte
	files        []FileEntry
	length       int64
	announce     string
	announceList [][]string
	private      bool
}

// NewMetaInfoFromTorrentFile parses a raw .torrent file into a MetaInfo.
func NewMetaInfoFromTorrentFile(r io.Reader) (*MetaInfo, error) {
	var raw rawMetaInfo
	// bencode-go needs the raw info dict bytes to compute the info hash, so
	// tee the info-dict sub-value out while decoding the whole file.
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read torrent file: %s", err)
	}
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("bencode decode: %s", err)
	}
	infoBytes, err := extractBencodeValue(data, "info")
	if err != nil {
		return nil, fmt.Errorf("extract info dict: %s", err)
	}
	return newMetaInfoFromRaw(raw, infoBytes)
}

// NewMetaInfoFromInfoDict builds a MetaInfo from a standalone bencoded info
// dictionary, as recovered via BEP 9 ut_metadata for a magnet-added torrent.
func NewMetaInfoFromInfoDict(infoBytes []byte) (*MetaInfo, error) {
	var raw rawInfo
	if err := bencode.Unmarshal(bytes.NewReader(infoBytes), &raw); err != nil {
		return nil, fmt.Errorf("bencode decode info dict: %s", err)
	}
	return newMetaInfoFromRaw(rawMetaInfo{Info: raw}, infoBytes)
}

func newMetaInfoFromRaw(raw rawMetaInfo, infoBytes []byte) (*MetaInfo, error) {
	if raw.Info.PieceLength <= 0 {
		return nil, errors.New("piece length must be positive")
	}
	if len(raw.Info.Pieces)%pieceHashSize != 0 {
		return nil, fmt.Errorf("pieces field length %d not a multiple of %d", len(raw.Info.Pieces), pieceHashSize)
	}
	n := len(raw.Info.Pieces) / pieceHashSize
	hashes := make([][pieceHashSize]byte, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], raw.Info.Pieces[i*pieceHashSize:(i+1)*pieceHashSize])
	}

	var files []FileEntry
	var total int64
	if len(raw.Info.Files) > 0 {
		for _, f := range raw.Info.Files {
			files = append(files, FileEntry{
				Path:     f.Path,
				Length:   f.Length,
				Priority: PriorityNormal,
				Offset:   total,
			})
			total += f.Length
		}
	} else {
		files = []FileEntry{{
			Path:     []string{raw.Info.Name},
			Length:   raw.Info.Length,
			Priority: PriorityNormal,
			Offset:   0,
		}}
		total = raw.Info.Length
	}

	h := sha1.Sum(infoBytes)

	return &MetaInfo{
		infoHash:     InfoHash(h),
		name:         raw.Info.Name,
		pieceLength:  raw.Info.PieceLength,
		pieceHashes:  hashes,
		files:        files,
		length:       total,
		announce:     raw.Announce,
		announceList: raw.AnnounceList,
		private:      raw.Info.Private != 0,
	}, nil
}

// InfoHash returns the torrent's 20-byte SHA-1 info hash.
func (mi *MetaInfo) InfoHash() InfoHash { return mi.infoHash }

// Name returns the torrent display name.
func (mi *MetaInfo) Name() string { return mi.name }

// Length returns the total length of all files.
func (mi *MetaInfo) Length() int64 { return mi.length }

// Files returns the file list, offsets computed relative to the logical
// concatenated stream.
func (mi *MetaInfo) Files() []FileEntry { return mi.files }

// Announce returns the primary tracker announce URL, if any.
func (mi *MetaInfo) Announce() string { return mi.announce }

// AnnounceList returns tiered tracker announce URLs.
func (mi *MetaInfo) AnnounceList() [][]string { return mi.announceList }

// Private reports whether the torrent is marked private (BEP 27):
// DHT/PEX peer sources must not be used.
func (mi *MetaInfo) Private() bool { return mi.private }

// PieceLength returns the standard piece length. The final piece may be
// shorter; use GetPieceLength for the true length of piece i.
func (mi *MetaInfo) PieceLength() int64 { return mi.pieceLength }

// NumPieces returns the number of pieces in the torrent.
func (mi *MetaInfo) NumPieces() int { return len(mi.pieceHashes) }

// GetPieceLength returns the length of piece i, accounting for a shorter
// final piece. Returns 0 if i is out of bounds.
func (mi *MetaInfo) GetPieceLength(i int) int64 {
	if i < 0 || i >= len(mi.pieceHashes) {
		return 0
	}
	if i == len(mi.pieceHashes)-1 {
		return mi.length - mi.pieceLength*int64(i)
	}
	return mi.pieceLength
}

// PieceHash returns the expected 20-byte SHA-1 hash of piece i. Does not
// check bounds.
func (mi *MetaInfo) PieceHash(i int) [pieceHashSize]byte {
	return mi.pieceHashes[i]
}

// VerifyPiece reports whether data hashes to the expected value for piece i.
func (mi *MetaInfo) VerifyPiece(i int, data []byte) bool {
	return sha1.Sum(data) == mi.pieceHashes[i]
}

// extractBencodeValue locates the raw bencoded bytes of the value under key
// within the top-level dictionary encoded in data. This is needed because
// the info hash is defined over the exact bytes of the info dictionary as
// they appeared on the wire, not a re-encoding of the parsed struct (field
// ordering/omitted-field differences would otherwise change the hash).
func extractBencodeValue(data []byte, key string) ([]byte, error) {
	if len(data) == 0 || data[0] != 'd' {
		return nil, errors.New("not a bencoded dictionary")
	}
	i := 1
	for i < len(data) && data[i] != 'e' {
		k, next, err := decodeBencodeString(data, i)
		if err != nil {
			return nil, err
		}
		valStart := next
		valEnd, err := skipBencodeValue(data, valStart)
		if err != nil {
			return nil, err
		}
		if k == key {
			return data[valStart:valEnd], nil
		}
		i = valEnd
	}
	return nil, fmt.Errorf("key %q not found", key)
}

func decodeBencodeString(data []byte, i int) (string, int, error) {
	colon := bytes.IndexByte(data[i:], ':')
	if colon == -1 {
		return "", 0, errors.New("malformed bencode string")
	}
	colon += i
	var n int
	if _, err := fmt.Sscanf(string(data[i:colon]), "%d", &n); err != nil {
		return "", 0, fmt.Errorf("malformed bencode string length: %s", err)
	}
	start := colon + 1
	end := start + n
	if end > len(data) {
		return "", 0, errors.New("bencode string overruns buffer")
	}
	return string(data[start:end]), end, nil
}

// skipBencodeValue returns the index immediately after the bencoded value
// starting at i.
func skipBencodeValue(data []byte, i int) (int, error) {
	if i >= len(data) {
		return 0, errors.New("unexpected end of bencode data")
	}
	switch {
	case data[i] == 'i':
		e := bytes.IndexByte(data[i:], 'e')
		if e == -1 {
			return 0, errors.New("malformed bencode integer")
		}
		return i + e + 1, nil
	case data[i] == 'l':
		j := i + 1
		for j < len(data) && data[j] != 'e' {
			next, err := skipBencodeValue(data, j)
			if err != nil {
				return 0, err
			}
			j = next
		}
		if j >= len(data) {
			return 0, errors.New("malformed bencode list")
		}
		return j + 1, nil
	case data[i] == 'd':
		j := i + 1
		for j < len(data) && data[j] != 'e' {
			_, next, err := decodeBencodeString(data, j)
			if err != nil {
				return 0, err
			}
			next, err = skipBencodeValue(data, next)
			if err != nil {
				return 0, err
			}
			j = next
		}
		if j >= len(data) {
			return 0, errors.New("malformed bencode dict")
		}
		return j + 1, nil
	case data[i] >= '0' && data[i] <= '9':
		_, next, err := decodeBencodeString(data, i)
		return next, err
	default:
		return 0, fmt.Errorf("unexpected bencode type byte %q", data[i])
	}
}
