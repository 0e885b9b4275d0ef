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

package resultserver

import (
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/rabbitstack/sandtrap/pkg/session"
)

// BacklogSize is the max number of finished sessions kept for inspection.
const BacklogSize = 256

// backlog acts as LRU store for the summaries of finished sessions.
type backlog struct {
	mu    sync.Mutex
	cache *lru.Cache
	ids   []string
}

func newBacklog(size int) *backlog {
	if size <= 0 {
		size = BacklogSize
	}
	b := &backlog{cache: lru.New(size)}
	b.cache.OnEvicted = func(key lru.Key, _ interface{}) {
		id := key.(string)
		for i, k := range b.ids {
			if k == id {
				b.ids = append(b.ids[:i], b.ids[i+1:]...)
				break
			}
		}
	}
	return b
}

func (b *backlog) put(st session.Stats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.cache.Get(st.ID); !ok {
		b.ids = append(b.ids, st.ID)
	}
	b.cache.Add(st.ID, st)
}

func (b *backlog) get(id string) (session.Stats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.cache.Get(id)
	if !ok {
		return session.Stats{}, false
	}
	return v.(session.Stats), true
}

// list returns finished sessions in the order they finished.
func (b *backlog) list() []session.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := make([]session.Stats, 0, len(b.ids))
	for _, id := range b.ids {
		if v, ok := b.cache.Get(id); ok {
			l = append(l, v.(session.Stats))
		}
	}
	return l
}

func (b *backlog) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cache.Len()
}
