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

package diag

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// WatchMarker polls for the marker file while the execution is suspended for
// the volshell. When the marker shows up, it is removed and the suspension
// released. Breakpoint pauses are only released explicitly. The watcher stops
// when the context is cancelled.
func (s *Session) WatchMarker(ctx context.Context, fs afero.Fs, path string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if !s.SuspendedFor(Volshell) {
				continue
			}
			ok, err := afero.Exists(fs, path)
			if err != nil || !ok {
				continue
			}
			if err := fs.Remove(path); err != nil {
				log.Warnf("unable to remove marker %s: %v", path, err)
			}
			s.Release()
		}
	}
}
