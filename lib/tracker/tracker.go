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

// Package tracker queues and fires BEP 3 tracker announces on behalf of
// every torrent, keeping UDP and HTTP announces in separate queues since
// they are distinct daemon resources from the engine operation queue's
// point of view. The tracker wire codecs themselves are an external
// collaborator (see spec's non-goals); this package only implements the
// queuing contract and a default HTTP announcer.
package tracker

import (
	"fmt"
	"net/url"
	"strings"
)

// Protocol identifies the transport a tracker URL announces over.
type Protocol int

const (
	// HTTP covers both http:// and https:// tracker URLs.
	HTTP Protocol = iota
	// UDP covers udp:// tracker URLs (BEP 15).
	UDP
)

func (p Protocol) String() string {
	if p == UDP {
		return "udp"
	}
	return "http"
}

// Tracker is a single tier-0 tracker endpoint. Tiers beyond 0 are
// reserved; this package treats every configured tracker as equally
// eligible every announce round.
type Tracker struct {
	URL      string
	Protocol Protocol
}

// ParseTracker classifies a raw announce URL by scheme.
func ParseTracker(raw string) (Tracker, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Tracker{}, fmt.Errorf("parse tracker url: %s", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return Tracker{URL: raw, Protocol: HTTP}, nil
	case "udp":
		return Tracker{URL: raw, Protocol: UDP}, nil
	default:
		return Tracker{}, fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
	}
}

// ParseTrackers classifies every URL in raws, skipping (and returning)
// any that fail to parse rather than rejecting the whole list, since one
// malformed tracker in an announce-list should not disable the rest.
func ParseTrackers(raws []string) (trackers []Tracker, errs []error) {
	for _, raw := range raws {
		t, err := ParseTracker(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		trackers = append(trackers, t)
	}
	return trackers, errs
}

// Event is a BEP 3 announce event.
type Event int

// Announce events. None is sent on regular interval announces.
const (
	None Event = iota
	Started
	Stopped
	Completed
)

func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	default:
		return ""
	}
}
