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
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	bencode "github.com/jackpal/bencode-go"

	"github.com/btengine/core/core"
)

// buildTwoFileTorrent constructs a MetaInfo for two equal-length files A
// and B such that one piece straddles the boundary between them.
// pieceLength evenly dividing 2*fileLength is not required; fileLength
// is chosen so exactly one piece straddles.
func buildTwoFileTorrent(t *testing.T, pieceLength, fileLength int64) (*core.MetaInfo, []byte, []byte) {
	t.Helper()

	a := bytes.Repeat([]byte{0xAA}, int(fileLength))
	b := bytes.Repeat([]byte{0xBB}, int(fileLength))
	full := append(append([]byte{}, a...), b...)

	var pieces bytes.Buffer
	for off := int64(0); off < int64(len(full)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(full)) {
			end = int64(len(full))
		}
		h := sha1.Sum(full[off:end])
		pieces.Write(h[:])
	}

	raw := map[string]interface{}{
		"info": map[string]interface{}{
			"piece length": pieceLength,
			"pieces":       pieces.String(),
			"name":         "root",
			"files": []interface{}{
				map[string]interface{}{"length": fileLength, "path": []interface{}{"A"}},
				map[string]interface{}{"length": fileLength, "path": []interface{}{"B"}},
			},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, raw))

	mi, err := core.NewMetaInfoFromTorrentFile(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	return mi, a, b
}

func newTestStorage(t *testing.T, mi *core.MetaInfo) *ContentStorage {
	t.Helper()
	root := t.TempDir()
	cs, err := New(root, mi)
	require.NoError(t, err)
	return cs
}

func TestWritePieceWantedWritesToFile(t *testing.T) {
	require := require.New(t)

	mi, a, _ := buildTwoFileTorrent(t, 16, 16) // piece 0 is entirely within file A.
	cs := newTestStorage(t, mi)

	require.NoError(cs.WritePiece(0, a[:16]))
	require.True(cs.pieces[0].complete())

	got, err := cs.ReadBlock(0, 0, 16)
	require.NoError(err)
	require.Equal(a[:16], got)
}

func TestWritePieceRejectsBadHash(t *testing.T) {
	require := require.New(t)

	mi, _, _ := buildTwoFileTorrent(t, 16, 16)
	cs := newTestStorage(t, mi)

	err := cs.WritePiece(0, bytes.Repeat([]byte{0xFF}, 16))
	require.ErrorIs(err, ErrHashMismatch)
	require.False(cs.pieces[0].complete())
}

func TestWritePieceTwiceReturnsComplete(t *testing.T) {
	require := require.New(t)

	mi, a, _ := buildTwoFileTorrent(t, 16, 16)
	cs := newTestStorage(t, mi)

	require.NoError(cs.WritePiece(0, a[:16]))
	require.ErrorIs(cs.WritePiece(0, a[:16]), ErrPieceComplete)
}

// TestBoundaryPieceSidecarS3 covers two files A and B, B skipped,
// arranged so one piece straddles the boundary. After writing that
// piece, the advertised bit must be 0, the raw bitfield bit 1, the
// parts file must contain the piece, file A must have its leading
// portion, and file B must be absent.
func TestBoundaryPieceSidecarS3(t *testing.T) {
	require := require.New(t)

	fileLength := int64(24)
	pieceLength := int64(16) // piece 1 spans bytes [16,32): 8 bytes of A, 8 of B.
	mi, a, b := buildTwoFileTorrent(t, pieceLength, fileLength)
	cs := newTestStorage(t, mi)

	require.NoError(cs.SetFilePriority(1, core.PrioritySkip))

	require.Equal(Boundary, cs.Classify(1))

	full := append(append([]byte{}, a...), b...)
	piece1 := full[16:32]
	require.NoError(cs.WritePiece(1, piece1))

	require.True(cs.Bitfield().Test(1), "raw bitfield bit must be set")
	require.False(cs.AdvertisedBitfield().Test(1), "advertised bit must stay 0 while in .parts")

	stored, ok := cs.parts.Get(1)
	require.True(ok)
	require.Equal(piece1, stored)

	aPath := filepath.Join(cs.root, "A")
	aBytes, err := os.ReadFile(aPath)
	require.NoError(err)
	require.Equal(full[16:24], aBytes[16:24], "file A has the leading portion of the boundary piece")

	_, err = os.Stat(filepath.Join(cs.root, "B"))
	require.True(os.IsNotExist(err), "file B must not be created while skipped")
}

// TestMaterializationS4 continues S3: raising B's priority back to
// normal must write the full piece across A and B, remove it from
// .parts, and flip the advertised bit on.
func TestMaterializationS4(t *testing.T) {
	require := require.New(t)

	fileLength := int64(24)
	pieceLength := int64(16)
	mi, a, b := buildTwoFileTorrent(t, pieceLength, fileLength)
	cs := newTestStorage(t, mi)

	require.NoError(cs.SetFilePriority(1, core.PrioritySkip))
	full := append(append([]byte{}, a...), b...)
	piece1 := full[16:32]
	require.NoError(cs.WritePiece(1, piece1))
	require.False(cs.AdvertisedBitfield().Test(1))

	require.NoError(cs.SetFilePriority(1, core.PriorityNormal))

	materialized, err := cs.Materialize()
	require.NoError(err)
	require.Equal([]int{1}, materialized)

	require.True(cs.AdvertisedBitfield().Test(1))
	require.False(cs.parts.Has(1))

	bPath := filepath.Join(cs.root, "B")
	bBytes, err := os.ReadFile(bPath)
	require.NoError(err)
	require.Equal(full[24:32], bBytes[:8])
}

func TestClassifyBlacklistedWhenAllTouchedFilesSkipped(t *testing.T) {
	require := require.New(t)

	mi, _, _ := buildTwoFileTorrent(t, 16, 16) // piece 0 wholly within A.
	cs := newTestStorage(t, mi)

	require.NoError(cs.SetFilePriority(0, core.PrioritySkip))
	require.Equal(Blacklisted, cs.Classify(0))

	err := cs.WritePiece(0, bytes.Repeat([]byte{0xAA}, 16))
	require.ErrorIs(err, ErrPieceBlacklisted)
}

func TestRecheckDetectsBoundaryMismatch(t *testing.T) {
	require := require.New(t)

	fileLength := int64(24)
	pieceLength := int64(16)
	mi, a, b := buildTwoFileTorrent(t, pieceLength, fileLength)
	cs := newTestStorage(t, mi)

	require.NoError(cs.SetFilePriority(1, core.PrioritySkip))
	full := append(append([]byte{}, a...), b...)
	piece1 := full[16:32]
	require.NoError(cs.WritePiece(1, piece1))

	// Corrupt file A's on-disk copy of the non-skipped portion.
	aPath := filepath.Join(cs.root, "A")
	corrupt := make([]byte, 24)
	copy(corrupt, a)
	corrupt[16] ^= 0xFF
	require.NoError(os.WriteFile(aPath, corrupt, 0644))

	err := cs.Recheck(1)
	require.Error(err)
	require.False(cs.parts.Has(1))
	require.False(cs.pieces[1].complete())
}
