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

// Package memsize provides byte / bit size constants and human-readable
// formatting.
package memsize

import "fmt"

// Byte size constants.
const (
	B  uint64 = 1
	KB        = B * 1024
	MB        = KB * 1024
	GB        = MB * 1024
	TB        = GB * 1024
)

// Bit size constants.
const (
	bit  uint64 = 1
	Kbit        = bit * 1024
	Mbit        = Kbit * 1024
	Gbit        = Mbit * 1024
	Tbit        = Gbit * 1024
)

// Format renders nbytes as a human-readable byte size.
func Format(nbytes uint64) string {
	return format(nbytes, "B")
}

// BitFormat renders nbits as a human-readable bit size.
func BitFormat(nbits uint64) string {
	return format(nbits, "bit")
}

func format(n uint64, unit string) string {
	if n == 0 {
		return fmt.Sprintf("0%s", unit)
	}
	switch {
	case n >= TB:
		return fmt.Sprintf("%.2fT%s", float64(n)/float64(TB), unit)
	case n >= GB:
		return fmt.Sprintf("%.2fG%s", float64(n)/float64(GB), unit)
	case n >= MB:
		return fmt.Sprintf("%.2fM%s", float64(n)/float64(MB), unit)
	case n >= KB:
		return fmt.Sprintf("%.2fK%s", float64(n)/float64(KB), unit)
	default:
		return fmt.Sprintf("%.2f%s", float64(n), unit)
	}
}
