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
	"github.com/btengine/core/lib/engine"
	"github.com/btengine/core/lib/peerconn"
	"github.com/btengine/core/lib/torrent"
	"github.com/btengine/core/lib/tracker"
	"github.com/btengine/core/metrics"
	"github.com/btengine/core/utils/log"
)

// Config aggregates every component Config this process wires together.
// It is loaded once at startup from a single yaml file.
type Config struct {
	Logging  log.Config      `yaml:"logging"`
	Metrics  metrics.Config  `yaml:"metrics"`
	Session  SessionConfig   `yaml:"session"`
	Engine   engine.Config   `yaml:"engine"`
	Tracker  tracker.Config  `yaml:"tracker"`
	PeerConn peerconn.Config `yaml:"peer_conn"`
	Torrent  torrent.Config  `yaml:"torrent"`
}

// SessionConfig locates persisted session state and per-torrent content
// on disk, and identifies the local peer. Paths may use "~" and are
// expanded relative to the user's home directory.
type SessionConfig struct {
	// DBPath is the boltdb file session.Persistence reads and writes.
	DBPath string `yaml:"db_path"`

	// StorageRoot is the base directory under which each torrent's
	// content is stored, keyed by session.State.StorageKey.
	StorageRoot string `yaml:"storage_root"`

	// PeerIDFactory selects how the local peer id is generated.
	PeerIDFactory core.PeerIDFactory `yaml:"peer_id_factory"`
}

func (c Config) applyDefaults() Config {
	if c.Session.DBPath == "" {
		c.Session.DBPath = "~/.btengine/session.db"
	}
	if c.Session.StorageRoot == "" {
		c.Session.StorageRoot = "~/.btengine/torrents"
	}
	if c.Session.PeerIDFactory == "" {
		c.Session.PeerIDFactory = core.RandomPeerIDFactory
	}
	return c
}
