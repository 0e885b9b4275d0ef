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

package trigger

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rabbitstack/sandtrap/pkg/event"
	"github.com/spf13/afero"
)

// Dumper requests a memory dump of the monitored guest tagged with the firing call.
type Dumper interface {
	DumpMemory(ctx context.Context, name string, args event.Params) error
}

// DumperFunc adapts a function to the Dumper interface.
type DumperFunc func(ctx context.Context, name string, args event.Params) error

// DumpMemory calls f.
func (f DumperFunc) DumpMemory(ctx context.Context, name string, args event.Params) error {
	return f(ctx, name, args)
}

// Info is the dump request picked up by the hypervisor control plane. The
// analysis of the resulting snapshot reads it back to escalate the diff.
type Info struct {
	Trigger struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"trigger"`
	Session string    `json:"session,omitempty"`
	Time    time.Time `json:"time"`
}

// NewInfo builds the dump request for the trigger.
func NewInfo(session, name string, args event.Params) Info {
	var info Info
	info.Trigger.Name = name
	info.Trigger.Args = args.Map()
	info.Session = session
	info.Time = time.Now()
	return info
}

// LoadInfo reads the dump request from the file.
func LoadInfo(fs afero.Fs, path string) (Info, error) {
	var info Info
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(b, &info); err != nil {
		return info, errors.Wrapf(err, "invalid trigger info in %s", path)
	}
	return info, nil
}

// SpoolDumper writes dump requests as JSON documents into the spool directory.
type SpoolDumper struct {
	fs      afero.Fs
	dir     string
	session string
}

// NewSpoolDumper creates the dumper spooling requests of the session into dir.
func NewSpoolDumper(fs afero.Fs, dir, session string) *SpoolDumper {
	return &SpoolDumper{fs: fs, dir: dir, session: session}
}

// DumpMemory writes the dump request.
func (d *SpoolDumper) DumpMemory(ctx context.Context, name string, args event.Params) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.fs.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(NewInfo(d.session, name, args), "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(d.fs, filepath.Join(d.dir, uuid.New().String()+".json"), b, 0o644)
}
