/*
 * Copyright 2021-2022 by Nedim Sabic Sabic
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

package history

import (
	"expvar"
	"sync"

	"github.com/rabbitstack/sandtrap/pkg/event"
)

// DefaultCapacity is the number of calls retained when no capacity is configured.
const DefaultCapacity = 4096

var (
	historyEvictions = expvar.NewInt("history.evictions")
	historyRemovals  = expvar.NewInt("history.removals")
)

// Entry is the retained call.
type Entry struct {
	// Seq is the sequence number of the event the entry was built from.
	Seq uint64
	// Name is the API name.
	Name string
	// Params are the call arguments.
	Params event.Params
}

// History is the bounded record of decoded calls kept for chain correlation.
// When full, the oldest entry is evicted. Entries are only removed when a
// chain consumes them.
type History struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
}

// New creates the call history with the given capacity.
func New(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{entries: make([]Entry, 0, 64), capacity: capacity}
}

// Append records the call event.
func (h *History) Append(e *event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) >= h.capacity {
		n := len(h.entries) - h.capacity + 1
		h.entries = append(h.entries[:0], h.entries[n:]...)
		historyEvictions.Add(int64(n))
	}
	h.entries = append(h.entries, Entry{Seq: e.Seq, Name: e.Name, Params: e.Params.Clone()})
}

// Snapshot returns the copy of all retained entries, oldest first.
func (h *History) Snapshot() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Entry(nil), h.entries...)
}

// FindLast scans the history backward and returns the most recent entry
// with the given name satisfying the predicate. Entries at or after the
// before sequence number are skipped, which lets the caller exclude the
// call being evaluated. A nil predicate matches any entry.
func (h *History) FindLast(name string, before uint64, pred func(Entry) bool) (Entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.entries) - 1; i >= 0; i-- {
		e := h.entries[i]
		if e.Seq >= before || e.Name != name {
			continue
		}
		if pred == nil || pred(e) {
			return e, true
		}
	}
	return Entry{}, false
}

// Remove drops the entry with the given sequence number.
func (h *History) Remove(seq uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.entries {
		if e.Seq == seq {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			historyRemovals.Add(1)
			return true
		}
	}
	return false
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// ProcessEvent records call events. It lets the history sit in the event
// queue ahead of the listeners that correlate against it.
func (h *History) ProcessEvent(e *event.Event) (bool, error) {
	if e.IsCall() {
		h.Append(e)
	}
	return true, nil
}
