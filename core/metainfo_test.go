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
	"testing"

	"github.com/stretchr/testify/require"

	bencode "github.com/jackpal/bencode-go"
)

func buildTorrentBytes(t *testing.T, info rawInfo, announce string) []byte {
	raw := rawMetaInfo{Info: info, Announce: announce}
	var b bytes.Buffer
	require.NoError(t, bencode.Marshal(&b, raw))
	return b.Bytes()
}

func TestMetaInfoSingleFileRoundTrip(t *testing.T) {
	require := require.New(t)

	piece := bytes.Repeat([]byte{'a'}, 10)
	sum := sha1.Sum(piece)

	info := rawInfo{
		PieceLength: 10,
		Pieces:      string(sum[:]),
		Name:        "file.bin",
		Length:      10,
	}
	data := buildTorrentBytes(t, info, "http://tracker.example/announce")

	mi, err := NewMetaInfoFromTorrentFile(bytes.NewReader(data))
	require.NoError(err)

	require.Equal(1, mi.NumPieces())
	require.Equal(int64(10), mi.Length())
	require.Equal(int64(10), mi.GetPieceLength(0))
	require.Equal("http://tracker.example/announce", mi.Announce())
	require.Len(mi.Files(), 1)
	require.Equal("file.bin", mi.Files()[0].Path[0])
	require.True(mi.VerifyPiece(0, piece))
	require.False(mi.VerifyPiece(0, []byte("wrongwrongwrongwr")))
}

func TestMetaInfoMultiFile(t *testing.T) {
	require := require.New(t)

	pieceLen := int64(4)
	p0 := []byte("abcd")
	p1 := []byte("efgh")
	p2 := []byte("ij")
	s0 := sha1.Sum(p0)
	s1 := sha1.Sum(p1)
	s2 := sha1.Sum(p2)

	info := rawInfo{
		PieceLength: pieceLen,
		Pieces:      string(s0[:]) + string(s1[:]) + string(s2[:]),
		Name:        "multi",
		Files: []rawFile{
			{Length: 6, Path: []string{"a.txt"}},
			{Length: 4, Path: []string{"sub", "b.txt"}},
		},
	}
	data := buildTorrentBytes(t, info, "")

	mi, err := NewMetaInfoFromTorrentFile(bytes.NewReader(data))
	require.NoError(err)

	require.Equal(3, mi.NumPieces())
	require.Equal(int64(10), mi.Length())
	require.Equal(int64(4), mi.GetPieceLength(0))
	require.Equal(int64(2), mi.GetPieceLength(2), "last piece shorter than standard length")

	files := mi.Files()
	require.Len(files, 2)
	require.Equal(int64(0), files[0].Offset)
	require.Equal(int64(6), files[1].Offset)
}

func TestMetaInfoInfoHashIgnoresAnnounce(t *testing.T) {
	require := require.New(t)

	piece := bytes.Repeat([]byte{'x'}, 4)
	sum := sha1.Sum(piece)
	info := rawInfo{
		PieceLength: 4,
		Pieces:      string(sum[:]),
		Name:        "f",
		Length:      4,
	}

	d1 := buildTorrentBytes(t, info, "")
	d2 := buildTorrentBytes(t, info, "http://other.example/announce")

	mi1, err := NewMetaInfoFromTorrentFile(bytes.NewReader(d1))
	require.NoError(err)
	mi2, err := NewMetaInfoFromTorrentFile(bytes.NewReader(d2))
	require.NoError(err)

	require.Equal(mi1.InfoHash(), mi2.InfoHash(),
		"info hash must depend only on the info dict, not the announce url")
}

func TestMetaInfoRejectsBadPieceLength(t *testing.T) {
	require := require.New(t)

	info := rawInfo{PieceLength: 0, Pieces: "", Name: "bad"}
	data := buildTorrentBytes(t, info, "")

	_, err := NewMetaInfoFromTorrentFile(bytes.NewReader(data))
	require.Error(err)
}
