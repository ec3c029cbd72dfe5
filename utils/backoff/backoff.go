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

// Package backoff implements exponential backoff with a capped ceiling, used
// by Swarm to space out repeated connection attempts to a failing peer.
package backoff

import (
	"errors"
	"math/rand"
	"time"
)

// Config defines backoff parameters.
type Config struct {
	Min          time.Duration `yaml:"min"`
	Max          time.Duration `yaml:"max"`
	Factor       float64       `yaml:"factor"`
	NoJitter     bool          `yaml:"no_jitter"`
	RetryTimeout time.Duration `yaml:"retry_timeout"`
}

func (c Config) applyDefaults() Config {
	if c.Min == 0 {
		c.Min = 250 * time.Millisecond
	}
	if c.Max == 0 {
		c.Max = 30 * time.Second
	}
	if c.Factor == 0 {
		c.Factor = 2
	}
	return c
}

// Backoff computes successive wait intervals capped at Max.
type Backoff struct {
	config Config
}

// New creates a new Backoff.
func New(config Config) *Backoff {
	return &Backoff{config: config.applyDefaults()}
}

// Duration returns the backoff duration for the given attempt count (0-indexed:
// attempt 0 returns 0, so the first try is immediate).
func (b *Backoff) Duration(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(b.config.Min)
	for i := 1; i < attempt; i++ {
		d *= b.config.Factor
	}
	if d > float64(b.config.Max) {
		d = float64(b.config.Max)
	}
	if !b.config.NoJitter {
		d = d/2 + rand.Float64()*(d/2)
	}
	return time.Duration(d)
}

// Attempts returns an Attempts iterator bounded by RetryTimeout.
func (b *Backoff) Attempts() *Attempts {
	return &Attempts{
		b:     b,
		start: time.Now(),
	}
}

// Attempts iterates over successive backoff waits until RetryTimeout elapses.
// The first attempt is always free (no wait, no timeout check) -- every
// attempt after that sleeps for the next backoff interval and then checks
// whether RetryTimeout has elapsed.
type Attempts struct {
	b     *Backoff
	start time.Time
	count int
	err   error
}

// WaitForNext blocks for the next backoff interval and returns true if another
// attempt should be made. Always allows at least one attempt.
func (a *Attempts) WaitForNext() bool {
	if a.err != nil {
		return false
	}
	if a.count == 0 {
		a.count++
		return true
	}
	time.Sleep(a.b.Duration(a.count))
	if time.Since(a.start) > a.b.config.RetryTimeout {
		a.err = errors.New("backoff: retry timeout exceeded")
		return false
	}
	a.count++
	return true
}

// Err returns the error that terminated iteration, if any.
func (a *Attempts) Err() error {
	return a.err
}
