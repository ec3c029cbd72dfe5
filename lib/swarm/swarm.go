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

// Package swarm is the single source of truth for every peer address a
// torrent knows about: one map keyed by canonical address key, tracking
// connection lifecycle, backoff, and suspicion-driven banning. No other
// component may keep a parallel set of "pending" or "connected"
// addresses.
package swarm

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/btengine/core/utils/backoff"
	"github.com/btengine/core/utils/netutil"
)

// Source identifies how a peer address was discovered.
type Source int

// Discovery sources, in increasing order of trustworthiness.
const (
	SourceIncoming Source = iota
	SourceDHT
	SourcePEX
	SourceLPD
	SourceTracker
	SourceManual
)

// State is a SwarmPeer's position in the connection lifecycle.
type State int

// Peer lifecycle states.
const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateBanned
)

// Errors returned by AddPeer.
var (
	ErrInvalidPort = errors.New("invalid port")
)

// SwarmPeer is one address this torrent's swarm knows about.
type SwarmPeer struct {
	AddressKey string
	IP         string
	Port       int
	Source     Source
	State      State

	DiscoveredAt time.Time

	ConnectAttempts    int
	ConnectFailures    int
	LastConnectAttempt time.Time
	LastConnectSuccess time.Time
	LastConnectError   string

	SuspiciousPort bool
	SuspicionCount int
	BanReason      string
	BannedUntil    time.Time

	nextAttempt time.Time

	TotalDownloaded int64
	TotalUploaded   int64
}

// suspiciousPorts lists ports that are well-known services unlikely to be
// a real BitTorrent peer, routed last in GetConnectablePeers rather than
// rejected outright (a misconfigured tracker entry is a bug signal, not
// grounds for silent exclusion).
var suspiciousPorts = map[int]bool{
	22:  true, // SSH
	25:  true, // SMTP
	80:  true, // HTTP
	443: true, // HTTPS
	445: true, // SMB
	3389: true, // RDP
}

func isSuspiciousPort(port int) bool {
	return port < 1024 || suspiciousPorts[port]
}

// AddressKey returns the canonical address key for ip/port: IPv4 as
// "a.b.c.d:port", IPv6 as "[addr]:port". This is the one function every
// swarm lookup must go through.
func AddressKey(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// ParseAddr splits a raw "host:port" address into host and port using
// the shared tolerant-of-missing-port splitter, then validates the
// port.
func ParseAddr(addr string) (ip string, port int, err error) {
	host, portStr, err := netutil.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %s", portStr, err)
	}
	return host, p, nil
}

// Config configures a Swarm.
type Config struct {
	MaxMutualConnections int           `yaml:"max_mutual_connections"`
	BanThreshold         int           `yaml:"ban_threshold"`
	BanDuration          time.Duration `yaml:"ban_duration"`
	Backoff              backoff.Config `yaml:"backoff"`
}

func (c Config) applyDefaults() Config {
	if c.MaxMutualConnections == 0 {
		c.MaxMutualConnections = 5
	}
	if c.BanThreshold == 0 {
		c.BanThreshold = 3
	}
	if c.BanDuration == 0 {
		c.BanDuration = time.Hour
	}
	return c
}

// Swarm is the single source of truth for a torrent's known peer
// addresses.
type Swarm struct {
	mu sync.Mutex

	config Config
	clock  clock.Clock
	rand   *rand.Rand

	peers          map[string]*SwarmPeer
	connectingKeys map[string]bool
	connectedKeys  map[string]bool
}

// New creates a Swarm.
func New(config Config, clk clock.Clock) *Swarm {
	config = config.applyDefaults()
	return &Swarm{
		config:         config,
		clock:          clk,
		rand:           rand.New(rand.NewSource(1)),
		peers:          make(map[string]*SwarmPeer),
		connectingKeys: make(map[string]bool),
		connectedKeys:  make(map[string]bool),
	}
}

// AddPeer registers ip/port as discovered via source. Idempotent: the
// first discovery of an address wins and later calls are no-ops (aside
// from leaving the original entry's Source untouched). Rejects ports
// outside [1, 65535].
func (s *Swarm) AddPeer(ip string, port int, source Source) (string, error) {
	if port <= 0 || port > 65535 {
		return "", ErrInvalidPort
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := AddressKey(ip, port)
	if _, ok := s.peers[key]; ok {
		return key, nil
	}

	s.peers[key] = &SwarmPeer{
		AddressKey:     key,
		IP:             ip,
		Port:           port,
		Source:         source,
		State:          StateIdle,
		DiscoveredAt:   s.clock.Now(),
		SuspiciousPort: isSuspiciousPort(port),
	}
	return key, nil
}

// AddIncoming registers an already-open incoming connection's address
// unconditionally: the connection already exists regardless of any
// connect-slot bookkeeping, so there is nothing left to gate.
func (s *Swarm) AddIncoming(ip string, port int) string {
	key, err := s.AddPeer(ip, port, SourceIncoming)
	if err != nil {
		// Incoming sockets may report an ephemeral port of 0 on some
		// platforms pre-bind; fall back to a synthetic key rather than
		// reject a connection that already exists.
		key = AddressKey(ip, 0)
		s.mu.Lock()
		if _, ok := s.peers[key]; !ok {
			s.peers[key] = &SwarmPeer{
				AddressKey:   key,
				IP:           ip,
				Port:         0,
				Source:       SourceIncoming,
				State:        StateIdle,
				DiscoveredAt: s.clock.Now(),
			}
		}
		s.mu.Unlock()
	}
	return key
}

func (s *Swarm) get(key string) (*SwarmPeer, bool) {
	p, ok := s.peers[key]
	return p, ok
}

// MarkConnecting transitions key from idle to connecting.
func (s *Swarm) MarkConnecting(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.get(key)
	if !ok {
		return fmt.Errorf("unknown peer %s", key)
	}
	p.State = StateConnecting
	p.ConnectAttempts++
	p.LastConnectAttempt = s.clock.Now()
	s.connectingKeys[key] = true
	delete(s.connectedKeys, key)
	return nil
}

// MarkConnected transitions key from connecting to connected.
func (s *Swarm) MarkConnected(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.get(key)
	if !ok {
		return fmt.Errorf("unknown peer %s", key)
	}
	p.State = StateConnected
	p.LastConnectSuccess = s.clock.Now()
	p.ConnectFailures = 0
	delete(s.connectingKeys, key)
	s.connectedKeys[key] = true
	return nil
}

// MarkFailed records a failed attempt for key, schedules a
// backoff-delayed retry, and returns it to idle at once;
// GetConnectablePeers skips it until the backoff expires.
func (s *Swarm) MarkFailed(key string, connErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.get(key)
	if !ok {
		return fmt.Errorf("unknown peer %s", key)
	}
	p.State = StateFailed
	p.ConnectFailures++
	if connErr != nil {
		p.LastConnectError = connErr.Error()
	}
	delete(s.connectingKeys, key)
	delete(s.connectedKeys, key)

	bo := backoff.New(s.config.Backoff)
	p.nextAttempt = s.clock.Now().Add(bo.Duration(p.ConnectFailures))
	p.State = StateIdle
	return nil
}

// MarkDisconnected transitions a connected peer back to idle.
func (s *Swarm) MarkDisconnected(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.get(key); ok {
		p.State = StateIdle
	}
	delete(s.connectingKeys, key)
	delete(s.connectedKeys, key)
}

// Suspect increments key's suspicion counter (e.g. on a hash-verify
// failure where this peer contributed a block) and bans the peer once
// it crosses BanThreshold.
func (s *Swarm) Suspect(key string, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.get(key)
	if !ok {
		return
	}
	p.SuspicionCount++
	if p.SuspicionCount >= s.config.BanThreshold {
		p.State = StateBanned
		p.BanReason = reason
		p.BannedUntil = s.clock.Now().Add(s.config.BanDuration)
		delete(s.connectingKeys, key)
		delete(s.connectedKeys, key)
	}
}

func (s *Swarm) banned(p *SwarmPeer, now time.Time) bool {
	return p.State == StateBanned && now.Before(p.BannedUntil)
}

// ConnectingCount returns the number of peers currently in the
// connecting state. Callers that throttle new connection attempts
// should read this directly rather than keeping their own counter, so
// there is exactly one source of truth for in-flight connect attempts.
func (s *Swarm) ConnectingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connectingKeys)
}

// ConnectedCount returns the number of peers currently connected.
func (s *Swarm) ConnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connectedKeys)
}

// Get returns a copy of the SwarmPeer for key, if known.
func (s *Swarm) Get(key string) (SwarmPeer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.get(key)
	if !ok {
		return SwarmPeer{}, false
	}
	return *p, true
}

type scoredPeer struct {
	peer  *SwarmPeer
	score float64
}

// score combines source quality, success history, failure penalty,
// recent-attempt penalty, and a small random jitter. Higher is
// better. Suspicious-port peers are scored separately and appended only
// once non-suspicious candidates are exhausted.
func (s *Swarm) score(p *SwarmPeer, now time.Time) float64 {
	var score float64

	switch p.Source {
	case SourceManual:
		score += 50
	case SourceTracker:
		score += 40
	case SourceLPD:
		score += 25
	case SourcePEX:
		score += 20
	case SourceDHT:
		score += 10
	case SourceIncoming:
		score += 5
	}

	if p.ConnectAttempts > 0 && p.ConnectFailures == 0 {
		score += 20
	}
	score -= float64(p.ConnectFailures) * 5

	if !p.LastConnectAttempt.IsZero() {
		elapsed := now.Sub(p.LastConnectAttempt)
		if elapsed < time.Minute {
			score -= (time.Minute - elapsed).Seconds() / 10
		}
	}

	score += s.rand.Float64()
	return score
}

// GetConnectablePeers returns up to limit candidates: not connected, not
// connecting, not banned, and past backoff, sorted by descending score.
// Peers with a suspicious port are appended only after every
// non-suspicious candidate has been included.
func (s *Swarm) GetConnectablePeers(limit int) []SwarmPeer {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	var normal, suspicious []scoredPeer
	for _, p := range s.peers {
		if p.State == StateConnected || p.State == StateConnecting {
			continue
		}
		if s.banned(p, now) {
			continue
		}
		if now.Before(p.nextAttempt) {
			continue
		}
		sp := scoredPeer{peer: p, score: s.score(p, now)}
		if p.SuspiciousPort {
			suspicious = append(suspicious, sp)
		} else {
			normal = append(normal, sp)
		}
	}

	sort.SliceStable(normal, func(i, j int) bool { return normal[i].score > normal[j].score })
	sort.SliceStable(suspicious, func(i, j int) bool { return suspicious[i].score > suspicious[j].score })

	var out []SwarmPeer
	for _, sp := range normal {
		if len(out) >= limit {
			break
		}
		out = append(out, *sp.peer)
	}
	for _, sp := range suspicious {
		if len(out) >= limit {
			break
		}
		out = append(out, *sp.peer)
	}
	return out
}

// MutualConnectionCount returns the number of currently connecting or
// connected peers sharing ip, for comparison with MaxMutualConnections.
// Swarm itself does not enforce the cap: MarkConnecting accepts a peer
// whatever this count is.
func (s *Swarm) MutualConnectionCount(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for key := range s.connectingKeys {
		if p, ok := s.peers[key]; ok && p.IP == ip {
			n++
		}
	}
	for key := range s.connectedKeys {
		if p, ok := s.peers[key]; ok && p.IP == ip {
			n++
		}
	}
	return n
}

// MaxMutualConnections returns the configured cap.
func (s *Swarm) MaxMutualConnections() int {
	return s.config.MaxMutualConnections
}

// Size returns the total number of known peers.
func (s *Swarm) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}
