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

// Package snapshot models the forensic captures of the monitored system. A
// snapshot is a set of named facets, each holding the records produced by a
// forensic plugin.
package snapshot

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Record is a single object within the facet, e.g. a process or a handle.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Uint returns the field as an unsigned integer. Strings are parsed as hex
// when prefixed with 0x, and as decimal numbers otherwise.
func (r Record) Uint(field string) (uint64, error) {
	v, ok := r[field]
	if !ok {
		return 0, errors.Errorf("%s field is absent", field)
	}
	if s, ok := v.(string); ok {
		s = strings.ToLower(strings.TrimSpace(s))
		if strings.HasPrefix(s, "0x") {
			return strconv.ParseUint(s[2:], 16, 64)
		}
		return strconv.ParseUint(s, 10, 64)
	}
	return cast.ToUint64E(v)
}

// String returns the field as a string.
func (r Record) String(field string) string {
	return cast.ToString(r[field])
}

// Facet is the output of a forensic plugin.
type Facet struct {
	// Config are the options the plugin ran with.
	Config map[string]any `json:"config" yaml:"config"`
	// Data are the records in the order the plugin produced them.
	Data []Record `json:"data" yaml:"data"`
}

// Snapshot is the capture of the monitored system at one point in time.
type Snapshot struct {
	id     string
	source string

	mu     sync.RWMutex
	facets map[string]*Facet
}

// New creates an empty snapshot. The source identifies the memory image
// the facets are computed from.
func New(source string) *Snapshot {
	return &Snapshot{
		id:     uuid.New().String(),
		source: source,
		facets: make(map[string]*Facet),
	}
}

// ID returns the unique identifier of this snapshot object.
func (s *Snapshot) ID() string { return s.id }

// Source returns the memory image backing the snapshot.
func (s *Snapshot) Source() string { return s.source }

// Facet returns the facet by name.
func (s *Snapshot) Facet(name string) (*Facet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facets[name]
	return f, ok
}

// Records returns the records of the facet. Absent facets yield no records.
func (s *Snapshot) Records(name string) []Record {
	f, ok := s.Facet(name)
	if !ok || f == nil {
		return nil
	}
	return f.Data
}

// Has determines if the facet is present.
func (s *Snapshot) Has(name string) bool {
	_, ok := s.Facet(name)
	return ok
}

// Set stores the facet under the name.
func (s *Snapshot) Set(name string, f *Facet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facets[name] = f
}

// Names returns sorted facet names.
func (s *Snapshot) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.facets))
	for name := range s.facets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON encodes the snapshot as the facet mapping.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.facets)
}

// document is the on-disk layout of the snapshot.
type document struct {
	Source string            `json:"source" yaml:"source"`
	Facets map[string]*Facet `json:"facets" yaml:"facets"`
}

// Load reads the snapshot from the JSON or YAML file. The format is picked
// by the file extension.
func Load(fs afero.Fs, path string) (*Snapshot, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	var doc document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		err = yaml.Unmarshal(b, &doc)
	default:
		err = json.Unmarshal(b, &doc)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "invalid snapshot file %s", path)
	}
	s := New(doc.Source)
	for name, f := range doc.Facets {
		if f == nil {
			f = &Facet{}
		}
		s.facets[name] = f
	}
	return s, nil
}
