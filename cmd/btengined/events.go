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
package main

import (
	"github.com/btengine/core/core"
	"github.com/btengine/core/lib/session"
	"github.com/btengine/core/lib/torrent"
)

// TorrentComplete implements torrent.Events. It persists the completed
// torrent's state as seeding, together with its storage key. On restart,
// addRestoredTorrent uses only the storage key from this state: the
// seeding state is not applied, and storage.New marks complete only the
// pieces held in the .parts sidecar, so the torrent's other pieces start
// out missing again.
func (d *daemon) TorrentComplete(t *torrent.Torrent) {
	state := session.State{
		UserState:  "seeding",
		StorageKey: t.InfoHash().Hex(),
	}
	if err := d.persistence.SaveState(t.InfoHash(), state, d.clk.Now()); err != nil {
		d.logger.Warnf("Failed to save completed state for %s: %s", t.InfoHash().Hex(), err)
		return
	}
	d.logger.Infof("Torrent %s complete", t.InfoHash().Hex())
}

// PeerRemoved implements torrent.Events.
func (d *daemon) PeerRemoved(peerID core.PeerID, infoHash core.InfoHash) {
	d.logger.Debugf("Peer %s removed from %s", peerID, infoHash.Hex())
}
