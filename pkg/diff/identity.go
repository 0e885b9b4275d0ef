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

package diff

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/rabbitstack/sandtrap/pkg/snapshot"
	"github.com/spf13/cast"
)

// IdentityKey is the ordered list of fields deciding whether two records
// describe the same object across snapshots. The empty key selects all
// fields of the record.
type IdentityKey []string

// Key projects the record onto the identity fields and returns the
// canonical representation of the projection. Field order of the record
// doesn't influence the key.
func (k IdentityKey) Key(r snapshot.Record) string {
	fields := []string(k)
	if len(fields) == 0 {
		fields = make([]string, 0, len(r))
		for f := range r {
			fields = append(fields, f)
		}
		sort.Strings(fields)
	}
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f)
		b.WriteByte('=')
		v, ok := r[f]
		if !ok {
			b.WriteString("<absent>")
			continue
		}
		b.WriteString(canonical(v))
	}
	return b.String()
}

// Match determines if both records agree on all identity fields.
func (k IdentityKey) Match(a, b snapshot.Record) bool {
	for _, f := range k {
		if !valueEqual(a[f], b[f]) {
			return false
		}
	}
	return true
}

// canonical renders the value so that numerically equal values decoded
// from different formats share the representation.
func canonical(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(n)
	case bool:
		return strconv.FormatBool(n)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		f, err := cast.ToFloat64E(n)
		if err != nil {
			return fmt.Sprint(n)
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	// nested values are compared structurally
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

func valueEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	return canonical(a) == canonical(b)
}

// set is the insertion ordered set of records keyed by their identity.
type set struct {
	key  IdentityKey
	keys []string
	recs map[string]snapshot.Record
}

func newSet(key IdentityKey) *set {
	return &set{key: key, recs: make(map[string]snapshot.Record)}
}

func (s *set) add(recs ...snapshot.Record) {
	for _, r := range recs {
		k := s.key.Key(r)
		if _, ok := s.recs[k]; ok {
			continue
		}
		s.keys = append(s.keys, k)
		s.recs[k] = r
	}
}

func (s *set) contains(r snapshot.Record) bool {
	_, ok := s.recs[s.key.Key(r)]
	return ok
}

// minus returns records of this set absent from the other set.
func (s *set) minus(o *set) []snapshot.Record {
	res := make([]snapshot.Record, 0)
	for _, k := range s.keys {
		if _, ok := o.recs[k]; !ok {
			res = append(res, s.recs[k])
		}
	}
	return res
}

// union builds the set of all records across the facets of the snapshot.
func union(s *snapshot.Snapshot, deps []string, key IdentityKey) *set {
	u := newSet(key)
	for _, dep := range deps {
		u.add(s.Records(dep)...)
	}
	return u
}
