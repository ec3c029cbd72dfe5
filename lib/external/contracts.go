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

// Package external documents the boundary contracts an embedder of this
// engine can satisfy with a non-default transport, filesystem, hasher,
// or session store. This repository's own components (lib/peerconn,
// lib/storage, lib/session) talk to net/os/crypto-sha1 directly rather
// than through these interfaces, since they are a single concrete
// implementation rather than a pluggable multi-backend daemon; the
// interfaces exist so an embedder can swap one concern (for example, a
// TLS-upgrading socket factory, or an in-memory filesystem for tests)
// without touching engine logic. Any type with the right method set
// satisfies these structurally, with no explicit implements declaration
// required — lib/session.Store is already shaped to satisfy SessionStore.
package external

import (
	"io"
	"time"
)

// TCPSocket is a single, already-connected peer socket.
type TCPSocket interface {
	io.ReadWriteCloser

	// Secure upgrades the connection in place to TLS using the given
	// SNI hostname and the system trust store.
	Secure(hostname string) error
}

// TCPServer accepts incoming connections.
type TCPServer interface {
	Accept() (TCPSocket, string, error) // socket, remote address, error
	Close() error
}

// SocketFactory creates outgoing connections and incoming listeners.
type SocketFactory interface {
	Dial(host string, port int, timeout time.Duration) (TCPSocket, error)
	Listen(port int) (TCPServer, error)
}

// FileHandle is a single open file, addressed by byte offset.
type FileHandle interface {
	ReadAt(buf []byte, off int64) (int, error)
	WriteAt(buf []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// FileSystem opens files rooted under a caller-chosen key (for example,
// a per-torrent download directory).
type FileSystem interface {
	Open(rootKey, relPath string, writable bool) (FileHandle, error)
}

// Hasher computes the digest used to verify completed pieces.
type Hasher interface {
	Sum(data []byte) [20]byte
}

// SessionStore is the key-value contract SessionPersistence needs.
// lib/session.Store already satisfies this shape.
type SessionStore interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
	GetMulti(keys []string) (map[string][]byte, error)
}
