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

// Package netutil provides small address parsing helpers shared by the swarm
// and peer connection layers.
package netutil

import (
	"fmt"
	"strings"
)

// SplitHostPort splits addr into host and port. Unlike net.SplitHostPort, a
// missing port is tolerated (port is returned empty), but a malformed address
// (more than one colon, or a colon with nothing on either side) is rejected.
func SplitHostPort(addr string) (host, port string, err error) {
	i := strings.Index(addr, ":")
	if i == -1 {
		return addr, "", nil
	}
	if strings.Count(addr, ":") > 1 {
		return "", "", fmt.Errorf("%s is not a valid address", addr)
	}
	host, port = addr[:i], addr[i+1:]
	if host == "" || port == "" {
		return "", "", fmt.Errorf("%s is not a valid address", addr)
	}
	return host, port, nil
}
