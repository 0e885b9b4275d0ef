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
	"strings"

	"github.com/rabbitstack/sandtrap/pkg/config"
	"github.com/rabbitstack/sandtrap/pkg/snapshot"
	"github.com/spf13/cast"
)

// NewObjects returns the records present in any of the new snapshot facets
// but absent from all of the old snapshot facets. Records are compared as
// values over all of their fields.
func NewObjects(old, new *snapshot.Snapshot, deps []string) []snapshot.Record {
	return union(new, deps, nil).minus(union(old, deps, nil))
}

// ByField refines NewObjects: the record counts as new only if no record
// of the first old facet matches on the identity fields.
func ByField(old, new *snapshot.Snapshot, deps []string, key IdentityKey) []snapshot.Record {
	found := NewObjects(old, new, deps)
	if len(deps) == 0 {
		return found
	}
	olds := old.Records(deps[0])
	res := make([]snapshot.Record, 0, len(found))
	for _, r := range found {
		exists := false
		for _, o := range olds {
			if key.Match(r, o) {
				exists = true
				break
			}
		}
		if !exists {
			res = append(res, r)
		}
	}
	return res
}

// DLLList matches processes by pid and reports the modules loaded in the
// new process but not in the old process of the same pid. Reported modules
// are tagged with the pid and the name of the owning process.
func DLLList(old, new *snapshot.Snapshot, deps []string) []snapshot.Record {
	facet := "dlllist"
	if len(deps) > 0 {
		facet = deps[0]
	}
	olds := old.Records(facet)
	res := make([]snapshot.Record, 0)
	for _, proc := range new.Records(facet) {
		var oldProc snapshot.Record
		for _, p := range olds {
			if valueEqual(p["process_id"], proc["process_id"]) {
				oldProc = p
				break
			}
		}
		if oldProc == nil {
			continue
		}
		known := newSet(IdentityKey{"dll_full_name"})
		known.add(modules(oldProc)...)
		for _, m := range modules(proc) {
			if known.contains(m) {
				continue
			}
			mod := m.Clone()
			mod["process_id"] = proc["process_id"]
			mod["process_name"] = proc["process_name"]
			res = append(res, mod)
		}
	}
	return res
}

// Devices reports devices of the new driver tree with a name and type
// that no device of the old tree has.
func Devices(old, new *snapshot.Snapshot, deps []string) []snapshot.Record {
	if len(deps) == 0 {
		return nil
	}
	known := newSet(IdentityKey{"device_name", "device_type"})
	for _, drv := range old.Records(deps[0]) {
		known.add(nested(drv, "devices")...)
	}
	res := make([]snapshot.Record, 0)
	for _, drv := range new.Records(deps[0]) {
		for _, dev := range nested(drv, "devices") {
			if !known.contains(dev) {
				res = append(res, dev)
			}
		}
	}
	return res
}

// Connections returns new connections except the ones produced by the
// sandbox infrastructure.
func Connections(old, new *snapshot.Snapshot, deps []string, ex config.ConnectionExclusions) []snapshot.Record {
	found := NewObjects(old, new, deps)
	res := make([]snapshot.Record, 0, len(found))
	for _, c := range found {
		if excluded(c, ex) {
			continue
		}
		res = append(res, c)
	}
	return res
}

func excluded(c snapshot.Record, ex config.ConnectionExclusions) bool {
	if port, err := cast.ToIntE(c["local_port"]); err == nil {
		for _, p := range ex.LocalPorts {
			if port == p {
				return true
			}
		}
	}
	if port, err := cast.ToIntE(c["remote_port"]); err == nil {
		for _, p := range ex.RemotePorts {
			if port == p {
				return true
			}
		}
	}
	addr := cast.ToString(c["remote_address"])
	for _, a := range ex.RemoteAddresses {
		if addr == a {
			return true
		}
	}
	return false
}

// HiddenProcesses flags new processes matching all the fields of any
// cross-view rule. The monitoring process is never reported.
func HiddenProcesses(old, new *snapshot.Snapshot, deps []string, rules []map[string]any, monitor string) []snapshot.Record {
	res := make([]snapshot.Record, 0)
	for _, proc := range ByField(old, new, deps, IdentityKey{"process_id"}) {
		if monitor != "" && cast.ToString(proc["process_name"]) == monitor {
			continue
		}
		for _, rule := range rules {
			if matchRule(proc, rule) {
				res = append(res, proc)
				break
			}
		}
	}
	return res
}

func matchRule(proc snapshot.Record, rule map[string]any) bool {
	for attr, val := range rule {
		if !valueEqual(proc[attr], val) {
			return false
		}
	}
	return true
}

// Autostart returns the key handles of the new snapshot pointing to
// autostart registry locations. Keys are lowercase.
func Autostart(new *snapshot.Snapshot, deps []string, keys []string) []snapshot.Record {
	if len(deps) == 0 {
		return nil
	}
	res := make([]snapshot.Record, 0)
	for _, h := range new.Records(deps[0]) {
		if cast.ToString(h["handle_type"]) != "Key" {
			continue
		}
		value := strings.ToLower(cast.ToString(h["handle_value"]))
		for _, k := range keys {
			if strings.Contains(value, k) {
				res = append(res, h)
				break
			}
		}
	}
	return res
}

// WithoutProcess drops records owned by the named process.
func WithoutProcess(recs []snapshot.Record, name string) []snapshot.Record {
	res := make([]snapshot.Record, 0, len(recs))
	for _, r := range recs {
		if name != "" && cast.ToString(r["process_name"]) == name {
			continue
		}
		res = append(res, r)
	}
	return res
}

func modules(proc snapshot.Record) []snapshot.Record {
	return nested(proc, "loaded_modules")
}

// nested returns the records under the field. Decoders yield either typed
// record slices or generic lists of mappings.
func nested(r snapshot.Record, field string) []snapshot.Record {
	switch v := r[field].(type) {
	case []snapshot.Record:
		return v
	case []map[string]any:
		res := make([]snapshot.Record, len(v))
		for i, m := range v {
			res[i] = m
		}
		return res
	case []any:
		res := make([]snapshot.Record, 0, len(v))
		for _, e := range v {
			switch m := e.(type) {
			case map[string]any:
				res = append(res, m)
			case snapshot.Record:
				res = append(res, m)
			}
		}
		return res
	}
	return nil
}
