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

// Package bandwidth implements a tiered round-robin-database byte-rate
// history (RrdHistory) and a BandwidthTracker built on top of it, used to
// drive the choke algorithm's recent-rate ranking and UI rate graphs.
package bandwidth

import (
	"time"

	"github.com/andres-erbsen/clock"
)

// tier is one resolution level of the round-robin database: a fixed-size
// ring of buckets, each spanning bucketSize of wall-clock time.
type tier struct {
	bucketSize time.Duration
	buckets    []int64
	bucketTime []time.Time // start time of each bucket, zero if never written
	head       int
}

func newTier(bucketSize time.Duration, numBuckets int) *tier {
	return &tier{
		bucketSize: bucketSize,
		buckets:    make([]int64, numBuckets),
		bucketTime: make([]time.Time, numBuckets),
		head:       0,
	}
}

// advance rotates the ring until the head bucket covers now, zeroing any
// buckets it passes over. Returns the totals of the buckets the head moved
// past (each one just finalized), in chronological order -- the caller
// sums them into the next coarser tier.
func (t *tier) advance(now time.Time) []int64 {
	if t.bucketTime[t.head].IsZero() {
		t.bucketTime[t.head] = bucketStart(now, t.bucketSize)
		return nil
	}
	var rolled []int64
	for {
		cur := t.bucketTime[t.head]
		if now.Before(cur.Add(t.bucketSize)) {
			break
		}
		rolled = append(rolled, t.buckets[t.head])
		t.head = (t.head + 1) % len(t.buckets)
		t.buckets[t.head] = 0
		t.bucketTime[t.head] = cur.Add(t.bucketSize)
	}
	return rolled
}

func bucketStart(t time.Time, size time.Duration) time.Time {
	return t.Truncate(size)
}

func (t *tier) add(now time.Time, n int64) []int64 {
	rolled := t.advance(now)
	t.buckets[t.head] += n
	return rolled
}

// sum returns the total recorded in buckets whose start time is >= since.
func (t *tier) sum(since time.Time) int64 {
	var total int64
	for i, bt := range t.bucketTime {
		if !bt.IsZero() && !bt.Before(since) {
			total += t.buckets[i]
		}
	}
	return total
}

// RrdTierConfig describes one resolution tier: bucket duration and bucket
// count (= retention = bucketSize * numBuckets).
type RrdTierConfig struct {
	BucketSize time.Duration
	NumBuckets int
}

// DefaultTiers is the default multi-resolution tiering scheme: fine
// detail for live graphs, coarser retention for longer windows, with
// one-way consolidation from finer to coarser tiers.
var DefaultTiers = []RrdTierConfig{
	{100 * time.Millisecond, 300},
	{500 * time.Millisecond, 240},
	{2 * time.Second, 240},
}

// RrdHistory is a tiered round-robin database of byte counts over time.
// Writes land in the finest tier; as each bucket of a tier is finalized,
// its total is consolidated (summed) into the next coarser tier. This is one-way:
// coarser tiers never refine back into finer ones.
type RrdHistory struct {
	clock clock.Clock
	tiers []*tier
}

// NewRrdHistory creates an RrdHistory with the given tiers, finest first.
func NewRrdHistory(clk clock.Clock, tiers []RrdTierConfig) *RrdHistory {
	if clk == nil {
		clk = clock.New()
	}
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	h := &RrdHistory{clock: clk}
	for _, tc := range tiers {
		h.tiers = append(h.tiers, newTier(tc.BucketSize, tc.NumBuckets))
	}
	return h
}

// Add records n bytes at the current time.
func (h *RrdHistory) Add(n int64) {
	now := h.clock.Now()
	rolled := h.tiers[0].add(now, n)
	for i := 1; i < len(h.tiers) && len(rolled) > 0; i++ {
		var total int64
		for _, v := range rolled {
			total += v
		}
		rolled = h.tiers[i].add(now, total)
	}
}

// Rate returns the average bytes/sec over the trailing window duration,
// picking the finest tier whose total retention covers window.
func (h *RrdHistory) Rate(window time.Duration) float64 {
	now := h.clock.Now()
	since := now.Add(-window)

	for _, t := range h.tiers {
		retention := t.bucketSize * time.Duration(len(t.buckets))
		if retention >= window {
			total := t.sum(since)
			return float64(total) / window.Seconds()
		}
	}
	// Window exceeds all tiers' retention: use the coarsest tier available.
	t := h.tiers[len(h.tiers)-1]
	total := t.sum(since)
	return float64(total) / window.Seconds()
}

// BandwidthTracker pairs an RrdHistory for downloaded and uploaded bytes,
// the per-peer accounting unit the choke algorithm reads for "recent
// download rate" / "recent upload rate" ranking.
type BandwidthTracker struct {
	Downloaded *RrdHistory
	Uploaded   *RrdHistory
}

// NewBandwidthTracker creates a BandwidthTracker using DefaultTiers.
func NewBandwidthTracker(clk clock.Clock) *BandwidthTracker {
	return &BandwidthTracker{
		Downloaded: NewRrdHistory(clk, DefaultTiers),
		Uploaded:   NewRrdHistory(clk, DefaultTiers),
	}
}

// RecordDownload records n downloaded bytes.
func (b *BandwidthTracker) RecordDownload(n int64) { b.Downloaded.Add(n) }

// RecordUpload records n uploaded bytes.
func (b *BandwidthTracker) RecordUpload(n int64) { b.Uploaded.Add(n) }

// DownloadRate returns the average download bytes/sec over window.
func (b *BandwidthTracker) DownloadRate(window time.Duration) float64 {
	return b.Downloaded.Rate(window)
}

// UploadRate returns the average upload bytes/sec over window.
func (b *BandwidthTracker) UploadRate(window time.Duration) float64 {
	return b.Uploaded.Rate(window)
}
