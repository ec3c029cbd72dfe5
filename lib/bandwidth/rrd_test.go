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
package bandwidth

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestRrdHistoryRate(t *testing.T) {
	require := require.New(t)

	mockClock := clock.NewMock()
	h := NewRrdHistory(mockClock, []RrdTierConfig{
		{100 * time.Millisecond, 10},
		{time.Second, 10},
	})

	// 1000 bytes/sec for one second.
	for i := 0; i < 10; i++ {
		h.Add(100)
		mockClock.Add(100 * time.Millisecond)
	}

	rate := h.Rate(time.Second)
	require.InDelta(1000, rate, 50)
}

func TestRrdHistoryConsolidation(t *testing.T) {
	require := require.New(t)

	mockClock := clock.NewMock()
	h := NewRrdHistory(mockClock, []RrdTierConfig{
		{100 * time.Millisecond, 3},
		{time.Second, 5},
	})

	// Write enough to roll tier-0 buckets into tier-1 more than once.
	for i := 0; i < 20; i++ {
		h.Add(10)
		mockClock.Add(100 * time.Millisecond)
	}

	// Bytes rolled into tier 1 stay visible in a window longer than tier
	// 0's retention.
	rate := h.Rate(2 * time.Second)
	require.Greater(rate, 0.0)
}

func TestBandwidthTrackerSeparatesDirections(t *testing.T) {
	require := require.New(t)

	mockClock := clock.NewMock()
	bt := NewBandwidthTracker(mockClock)

	bt.RecordDownload(500)
	bt.RecordUpload(100)
	mockClock.Add(100 * time.Millisecond)

	require.Greater(bt.DownloadRate(time.Second), bt.UploadRate(time.Second))
}
