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
package tracker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/btengine/core/core"
)

// Config configures a Manager.
type Config struct {
	AnnounceTimeout time.Duration `yaml:"announce_timeout"`
	NumWant         int           `yaml:"num_want"`
}

func (c Config) applyDefaults() Config {
	if c.AnnounceTimeout == 0 {
		c.AnnounceTimeout = 10 * time.Second
	}
	if c.NumWant == 0 {
		c.NumWant = 50
	}
	return c
}

// Events receives the outcome of announces fired by AnnounceOne.
type Events interface {
	AnnounceSucceeded(h core.InfoHash, resp Response)
	AnnounceFailed(h core.InfoHash, t Tracker, err error)
}

type queuedAnnounce struct {
	tracker Tracker
	req     Request
}

type torrentQueue struct {
	trackers  []Tracker
	udpQueue  []queuedAnnounce
	httpQueue []queuedAnnounce
}

// Manager queues BEP 3 announces per torrent and protocol, and fires
// them one at a time on demand from the engine operation queue, which
// is the single place daemon-bound operations (including announces) are
// rate limited and fairly distributed.
//
// Announces are requests to the caller's operation queue, not direct
// network calls: QueueAnnounces only accounts pending work, and
// AnnounceOne is the one method that actually puts a packet on the wire,
// asynchronously, so the caller's drain loop is never blocked on it.
type Manager struct {
	config Config
	http   HTTPAnnouncer
	udp    UDPAnnouncer
	events Events
	logger *zap.SugaredLogger

	mu     sync.Mutex
	queues map[core.InfoHash]*torrentQueue
}

// NewManager creates a Manager.
func NewManager(
	config Config,
	http HTTPAnnouncer,
	udp UDPAnnouncer,
	events Events,
	logger *zap.SugaredLogger) *Manager {

	config = config.applyDefaults()
	if udp == nil {
		udp = NoUDPAnnouncer{}
	}
	return &Manager{
		config: config,
		http:   http,
		udp:    udp,
		events: events,
		logger: logger,
		queues: make(map[core.InfoHash]*torrentQueue),
	}
}

// AddTorrent registers h's tier-0 tracker list. Must be called before
// QueueAnnounces for h.
func (m *Manager) AddTorrent(h core.InfoHash, trackers []Tracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[h] = &torrentQueue{trackers: trackers}
}

// RemoveTorrent drops h's tracker list and discards any queued,
// not-yet-fired announces, mirroring the engine op queue's
// CancelDaemonOps on torrent stop.
func (m *Manager) RemoveTorrent(h core.InfoHash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, h)
}

// QueueAnnounces enqueues an announce of event to every tracker
// configured for h, separated by protocol, and returns the resulting
// queue depths. uploaded/downloaded/left are snapshotted into each
// queued request now, since they may change again before AnnounceOne
// actually fires it.
func (m *Manager) QueueAnnounces(
	h core.InfoHash,
	event Event,
	localPeerID core.PeerID,
	localIP string,
	localPort int,
	uploaded, downloaded, left int64) (udp, http int) {

	m.mu.Lock()
	defer m.mu.Unlock()

	tq, ok := m.queues[h]
	if !ok {
		return 0, 0
	}

	for _, t := range tq.trackers {
		req := Request{
			Tracker:    t,
			InfoHash:   h,
			PeerID:     localPeerID,
			IP:         localIP,
			Port:       localPort,
			Uploaded:   uploaded,
			Downloaded: downloaded,
			Left:       left,
			Event:      event,
			NumWant:    m.config.NumWant,
		}
		item := queuedAnnounce{tracker: t, req: req}
		if t.Protocol == UDP {
			tq.udpQueue = append(tq.udpQueue, item)
		} else {
			tq.httpQueue = append(tq.httpQueue, item)
		}
	}
	return len(tq.udpQueue), len(tq.httpQueue)
}

// AnnounceOne pops one queued announce for h, preferring UDP, and fires
// it asynchronously. Returns the protocol kind consumed
// ("udp_announce"/"http_announce") and whether anything was pending.
func (m *Manager) AnnounceOne(h core.InfoHash) (kind string, ok bool) {
	m.mu.Lock()
	tq, exists := m.queues[h]
	if !exists {
		m.mu.Unlock()
		return "", false
	}

	var item queuedAnnounce
	var announcer func(Request) (Response, error)
	switch {
	case len(tq.udpQueue) > 0:
		item, tq.udpQueue = tq.udpQueue[0], tq.udpQueue[1:]
		announcer = m.udp.Announce
		kind = "udp_announce"
	case len(tq.httpQueue) > 0:
		item, tq.httpQueue = tq.httpQueue[0], tq.httpQueue[1:]
		announcer = m.http.Announce
		kind = "http_announce"
	default:
		m.mu.Unlock()
		return "", false
	}
	m.mu.Unlock()

	go m.fire(h, item, announcer)

	return kind, true
}

func (m *Manager) fire(h core.InfoHash, item queuedAnnounce, announce func(Request) (Response, error)) {
	resp, err := announce(item.req)
	if err != nil {
		m.logger.Infof("Announce to %s (%s) failed: %s", item.tracker.URL, item.tracker.Protocol, err)
		m.events.AnnounceFailed(h, item.tracker, err)
		return
	}
	m.events.AnnounceSucceeded(h, resp)
}

// PendingCounts returns the current udp/http queue depths for h, for
// diagnostics and tests.
func (m *Manager) PendingCounts(h core.InfoHash) (udp, http int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tq, ok := m.queues[h]
	if !ok {
		return 0, 0
	}
	return len(tq.udpQueue), len(tq.httpQueue)
}
