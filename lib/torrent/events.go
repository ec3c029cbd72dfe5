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
package torrent

import "github.com/btengine/core/core"

// Events defines the callbacks a Torrent fires for its owner (typically
// an engine tracking many torrents).
type Events interface {
	// TorrentComplete fires exactly once, when every wanted piece has
	// been verified and written to disk.
	TorrentComplete(t *Torrent)

	// PeerRemoved fires when a peer connection for this torrent closes.
	PeerRemoved(peerID core.PeerID, infoHash core.InfoHash)
}
