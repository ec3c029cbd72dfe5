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
package session

// RestoredTorrent is one index entry paired with whatever metadata and
// state could be recovered for it. Metadata is the raw .torrent file for
// a file-source entry, or the info dict for a magnet-source entry once
// it was fetched; it is nil if neither was ever saved (a magnet added
// but never resolved before the last shutdown). The caller should only
// apply State.Bitfield when Metadata is non-nil: a bitfield without
// piece-boundary information cannot be validated against anything.
type RestoredTorrent struct {
	Entry    IndexEntry
	Metadata []byte
	State    State
	HasState bool
}

// Restore walks the session index and loads each entry's available
// metadata and state. It performs no engine wiring itself: the caller
// constructs each torrent from Metadata (when present) and seeds its
// initial piece state from State.
func (p *Persistence) Restore() ([]RestoredTorrent, error) {
	entries, err := p.ListTorrents()
	if err != nil {
		return nil, err
	}

	restored := make([]RestoredTorrent, 0, len(entries))
	for _, entry := range entries {
		var metadata []byte
		var ok bool
		switch entry.Source {
		case SourceFile:
			metadata, ok, err = p.LoadTorrentFile(entry.InfoHash)
		case SourceMagnet:
			metadata, ok, err = p.LoadInfoDict(entry.InfoHash)
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			metadata = nil
		}

		state, hasState, err := p.LoadState(entry.InfoHash)
		if err != nil {
			return nil, err
		}

		restored = append(restored, RestoredTorrent{
			Entry:    entry,
			Metadata: metadata,
			State:    state,
			HasState: hasState,
		})
	}
	return restored, nil
}
