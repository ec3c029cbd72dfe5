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
package external

import (
	"crypto/sha1"
	"os"
	"path/filepath"
)

type osFileHandle struct {
	f *os.File
}

func (h *osFileHandle) ReadAt(buf []byte, off int64) (int, error)  { return h.f.ReadAt(buf, off) }
func (h *osFileHandle) WriteAt(buf []byte, off int64) (int, error) { return h.f.WriteAt(buf, off) }
func (h *osFileHandle) Truncate(size int64) error                  { return h.f.Truncate(size) }
func (h *osFileHandle) Sync() error                                { return h.f.Sync() }
func (h *osFileHandle) Close() error                                { return h.f.Close() }

// DefaultFileSystem is the stdlib os-backed FileSystem used when no
// embedder supplies an alternative (for example, an in-memory
// filesystem for tests, or sandboxed storage on a mobile OS).
type DefaultFileSystem struct{}

// Open opens relPath under rootKey, creating parent directories and the
// file itself as needed when writable is true.
func (DefaultFileSystem) Open(rootKey, relPath string, writable bool) (FileHandle, error) {
	path := filepath.Join(rootKey, relPath)
	if writable {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
		if err != nil {
			return nil, err
		}
		return &osFileHandle{f: f}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &osFileHandle{f: f}, nil
}

// DefaultHasher computes SHA-1 digests, the algorithm this engine's
// piece verification uses.
type DefaultHasher struct{}

// Sum returns the SHA-1 digest of data.
func (DefaultHasher) Sum(data []byte) [20]byte {
	return sha1.Sum(data)
}
