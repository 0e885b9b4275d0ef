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

package bootstrap

import (
	"sync"

	"github.com/rabbitstack/sandtrap/pkg/session"
)

// single exposes the only session of a capture or replay through the API.
type single struct {
	mu   sync.RWMutex
	sess *session.Session
}

func (s *single) set(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = sess
}

func (s *single) get() *session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess
}

func (s *single) Sessions() []session.Stats {
	sess := s.get()
	if sess == nil {
		return []session.Stats{}
	}
	return []session.Stats{sess.Stats()}
}

func (s *single) Release(id string) bool {
	sess := s.get()
	return sess != nil && sess.ID() == id && sess.Diag().Release()
}

func (s *single) ReleaseAll() int {
	sess := s.get()
	if sess != nil && sess.Diag().Release() {
		return 1
	}
	return 0
}
