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
package peerconn

import (
	"time"

	"github.com/btengine/core/utils/bandwidth"
	"github.com/btengine/core/utils/memsize"
)

// Config is the configuration for individual peer connections.
type Config struct {

	// HandshakeTimeout bounds dialing, writing, and reading during the
	// handshake and extended handshake exchange.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// SenderBufferSize is the size of the outgoing message channel.
	SenderBufferSize int `yaml:"sender_buffer_size"`

	// ReceiverBufferSize is the size of the incoming message channel.
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`

	// PipelineDepth is the default number of outstanding block requests
	// allowed on a connection. Raised adaptively for fast peers, up to
	// MaxPipelineDepth.
	PipelineDepth int `yaml:"pipeline_depth"`

	// MaxPipelineDepth bounds adaptive pipeline growth.
	MaxPipelineDepth int `yaml:"max_pipeline_depth"`

	// ClientVersion is advertised in the BEP 10 extended handshake's "v"
	// field.
	ClientVersion string `yaml:"client_version"`

	Bandwidth bandwidth.Config `yaml:"bandwidth"`
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 1000
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 1000
	}
	if c.PipelineDepth == 0 {
		c.PipelineDepth = 10
	}
	if c.MaxPipelineDepth == 0 {
		c.MaxPipelineDepth = 64
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "btengine/1.0"
	}
	if c.Bandwidth.EgressBitsPerSec == 0 {
		c.Bandwidth.EgressBitsPerSec = 200 * 8 * memsize.Mbit
	}
	if c.Bandwidth.IngressBitsPerSec == 0 {
		c.Bandwidth.IngressBitsPerSec = 300 * 8 * memsize.Mbit
	}
	return c
}
