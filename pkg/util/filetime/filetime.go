/*
 * Copyright 2019-2020 by Nedim Sabic Sabic
 * https://www.fibratus.io
 * All Rights Reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package filetime

import (
	"fmt"
	"math"
	"time"
)

const (
	// ticksPerSecond is the number of 100-nanosecond intervals in a second
	ticksPerSecond = 1e7
	// epochDelta is the number of seconds between January 1, 1601 and the Unix epoch
	epochDelta = 11644473600

	// minUnix and maxUnix bound the representable calendar, years 1 through 9999
	minUnix = -62135596800
	maxUnix = 253402300799
)

// Join combines the low and high halves of a FILETIME structure.
func Join(low, high uint32) uint64 { return uint64(low) | uint64(high)<<32 }

// Split returns the low and high halves of the FILETIME value.
func Split(ft uint64) (low, high uint32) { return uint32(ft), uint32(ft >> 32) }

// ToUnix converts the FILETIME value to fractional seconds since the Unix epoch.
func ToUnix(ft uint64) float64 { return float64(ft)/ticksPerSecond - epochDelta }

// FromUnix is the inverse of ToUnix.
func FromUnix(secs float64) uint64 { return uint64((secs + epochDelta) * ticksPerSecond) }

// ToEpoch converts file timestamp to Unix time. An error is returned
// if the timestamp falls outside the representable calendar, which
// for agent streams means the reader is out of sync with the framing.
func ToEpoch(ft uint64) (time.Time, error) {
	return FromSeconds(ToUnix(ft))
}

// FromSeconds builds the time from fractional Unix seconds with the same range check as ToEpoch.
func FromSeconds(secs float64) (time.Time, error) {
	if math.IsNaN(secs) || secs < minUnix || secs > maxUnix {
		return time.Time{}, fmt.Errorf("timestamp %f out of range", secs)
	}
	sec, frac := math.Modf(secs)
	return time.Unix(int64(sec), int64(frac*1e9)), nil
}
