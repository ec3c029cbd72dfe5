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

// Command btengined is the minimal process entrypoint wiring together
// every package in this module: it loads configuration, opens the
// session store, restores whatever torrents it knew about at last
// shutdown, and runs the daemon operation queue and incoming connection
// listener until signaled to stop.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/andres-erbsen/clock"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/btengine/core/core"
	"github.com/btengine/core/lib/engine"
	"github.com/btengine/core/lib/peerconn"
	"github.com/btengine/core/lib/session"
	"github.com/btengine/core/lib/storage"
	"github.com/btengine/core/lib/torrent"
	"github.com/btengine/core/lib/tracker"
	"github.com/btengine/core/metrics"
	"github.com/btengine/core/utils/log"
)

func main() {
	configFile := flag.String("config", "", "path to a yaml configuration file")
	peerIP := flag.String("peer_ip", "", "ip which peer will announce itself as")
	peerPort := flag.Int("peer_port", 0, "port which peer will announce itself as and listen on")
	cluster := flag.String("cluster", "", "cluster name, attached as a metrics tag")
	flag.Parse()

	config, err := loadConfig(*configFile)
	if err != nil {
		panic(err)
	}

	zlog, err := log.New(config.Logging, nil)
	if err != nil {
		panic(err)
	}
	defer zlog.Sync()
	logger := zlog.Sugar()
	log.SetGlobal(logger)

	stats, closer, err := metrics.New(config.Metrics, *cluster)
	if err != nil {
		log.Fatalf("Failed to init metrics: %s", err)
	}
	defer closer.Close()
	go metrics.EmitVersion(stats)

	pctx, err := core.NewPeerContext(config.Session.PeerIDFactory, *peerIP, *peerPort)
	if err != nil {
		log.Fatalf("Failed to create peer context: %s", err)
	}

	dbPath, err := homedir.Expand(config.Session.DBPath)
	if err != nil {
		log.Fatalf("Failed to expand session db path: %s", err)
	}
	storageRoot, err := homedir.Expand(config.Session.StorageRoot)
	if err != nil {
		log.Fatalf("Failed to expand storage root: %s", err)
	}

	persistence, err := session.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open session store: %s", err)
	}
	defer persistence.Close()

	clk := clock.New()

	eng := engine.New(config.Engine, clk, logger)
	eng.Start()
	defer eng.Stop()

	registry := newTorrentRegistry()
	peers := newPeerQueue(eng, logger)

	trackerMgr := tracker.NewManager(
		config.Tracker, tracker.NewHTTPAnnouncer(config.Tracker.AnnounceTimeout), nil, peers, logger)

	handshaker, err := peerconn.NewHandshaker(config.PeerConn, stats, clk, pctx.PeerID, registry, logger)
	if err != nil {
		log.Fatalf("Failed to create handshaker: %s", err)
	}

	d := &daemon{
		config:      config,
		storageRoot: storageRoot,
		pctx:        pctx,
		stats:       stats,
		clk:         clk,
		persistence: persistence,
		registry:    registry,
		eng:         eng,
		trackerMgr:  trackerMgr,
		peers:       peers,
		handshaker:  handshaker,
		logger:      logger,
	}

	restored, err := persistence.Restore()
	if err != nil {
		log.Fatalf("Failed to restore session: %s", err)
	}
	logger.Infof("Restoring %d torrents from session", len(restored))
	for _, rt := range restored {
		if err := d.addRestoredTorrent(rt); err != nil {
			logger.Warnf("Skipping restore of %s: %s", rt.Entry.InfoHash.Hex(), err)
		}
	}

	listener, err := startListener(*peerPort, handshaker, registry, logger)
	if err != nil {
		log.Fatalf("Failed to start peer listener: %s", err)
	}
	defer listener.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	logger.Info("Shutdown complete")
}

func loadConfig(path string) (Config, error) {
	var config Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %s", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("parse config: %s", err)
		}
	}
	return config.applyDefaults(), nil
}

// daemon holds the long-lived components a restored or newly added
// torrent needs to be wired into the running process.
type daemon struct {
	config      Config
	storageRoot string
	pctx        core.PeerContext

	stats tally.Scope
	clk   clock.Clock

	persistence *session.Persistence

	registry   *torrentRegistry
	eng        *engine.Engine
	trackerMgr *tracker.Manager
	peers      *peerQueue
	handshaker *peerconn.Handshaker
	logger     *zap.SugaredLogger
}

// addRestoredTorrent reconstructs a Torrent from a restored session
// entry and wires it into the engine and tracker manager. An entry whose
// metadata was never resolved (an unresolved magnet from a prior run) is
// skipped: metadata exchange with peers is required before a Torrent can
// be constructed at all.
func (d *daemon) addRestoredTorrent(rt session.RestoredTorrent) error {
	if rt.Metadata == nil {
		return fmt.Errorf("no resolved metadata available yet")
	}

	var mi *core.MetaInfo
	var err error
	switch rt.Entry.Source {
	case session.SourceFile:
		mi, err = core.NewMetaInfoFromTorrentFile(bytes.NewReader(rt.Metadata))
	case session.SourceMagnet:
		mi, err = core.NewMetaInfoFromInfoDict(rt.Metadata)
	default:
		return fmt.Errorf("unknown source %q", rt.Entry.Source)
	}
	if err != nil {
		return fmt.Errorf("parse metadata: %s", err)
	}

	storageKey := rt.Entry.InfoHash.Hex()
	if rt.HasState && rt.State.StorageKey != "" {
		storageKey = rt.State.StorageKey
	}
	cs, err := storage.New(filepath.Join(d.storageRoot, storageKey), mi)
	if err != nil {
		return fmt.Errorf("open storage: %s", err)
	}

	t := torrent.New(d.config.Torrent, d.stats, d.clk, d.pctx.PeerID, mi, cs, d, d.logger)
	d.registry.register(t)
	t.Start()

	d.eng.AddTorrent(engine.NewTorrentOps(t, d.trackerMgr, d.peers, d.handshaker, d.logger))

	trackers, errs := tracker.ParseTrackers(tierZero(mi))
	for _, perr := range errs {
		d.logger.Infof("Skipping malformed tracker for %s: %s", rt.Entry.InfoHash.Hex(), perr)
	}
	d.trackerMgr.AddTorrent(mi.InfoHash(), trackers)

	left := remainingBytes(mi, cs)
	udp, http := d.trackerMgr.QueueAnnounces(
		mi.InfoHash(), tracker.Started, d.pctx.PeerID, d.pctx.IP, d.pctx.Port, 0, 0, left)
	d.eng.RequestDaemonOps(mi.InfoHash(), engine.OpUDPAnnounce, udp)
	d.eng.RequestDaemonOps(mi.InfoHash(), engine.OpHTTPAnnounce, http)

	return nil
}

// tierZero returns mi's tier-0 tracker list: the first announce-list tier
// if present, otherwise the single legacy announce URL.
func tierZero(mi *core.MetaInfo) []string {
	if tiers := mi.AnnounceList(); len(tiers) > 0 && len(tiers[0]) > 0 {
		return tiers[0]
	}
	if a := mi.Announce(); a != "" {
		return []string{a}
	}
	return nil
}

// remainingBytes estimates bytes left to download from the fraction of
// pieces not yet verified on disk.
func remainingBytes(mi *core.MetaInfo, cs *storage.ContentStorage) int64 {
	total := int64(mi.NumPieces())
	if total == 0 {
		return 0
	}
	have := int64(cs.Bitfield().Count())
	return mi.Length() * (total - have) / total
}
