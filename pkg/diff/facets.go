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
	"github.com/rabbitstack/sandtrap/pkg/snapshot"
)

// pass is a single direction of the facet diff. The deleted objects are
// computed by swapping the snapshots.
type pass struct {
	old, new *snapshot.Snapshot
	deps     []string
	// forward is set when new is the infected snapshot
	forward bool
}

// Func computes the objects of the new snapshot the old snapshot lacks.
type Func func(e *Engine, p pass) ([]snapshot.Record, error)

// Facet describes how the diff facet is computed.
type Facet struct {
	// Deps are the snapshot facets the diff reads.
	Deps []string
	fn   Func
}

func newObjects(e *Engine, p pass) ([]snapshot.Record, error) {
	return NewObjects(p.old, p.new, p.deps), nil
}

func byField(key ...string) Func {
	return func(e *Engine, p pass) ([]snapshot.Record, error) {
		return ByField(p.old, p.new, p.deps, key), nil
	}
}

func dlllist(e *Engine, p pass) ([]snapshot.Record, error) {
	return DLLList(p.old, p.new, p.deps), nil
}

func devices(e *Engine, p pass) ([]snapshot.Record, error) {
	return Devices(p.old, p.new, p.deps), nil
}

func connections(e *Engine, p pass) ([]snapshot.Record, error) {
	return Connections(p.old, p.new, p.deps, e.config.Exclusions), nil
}

func hiddenProcesses(e *Engine, p pass) ([]snapshot.Record, error) {
	return HiddenProcesses(p.old, p.new, p.deps, e.config.CrossViewRules, e.config.MonitorProcess), nil
}

func autostart(e *Engine, p pass) ([]snapshot.Record, error) {
	return Autostart(p.new, p.deps, e.config.AutostartKeys), nil
}

func malfind(e *Engine, p pass) ([]snapshot.Record, error) {
	found := WithoutProcess(NewObjects(p.old, p.new, p.deps), e.config.MonitorProcess)
	if p.forward {
		e.collectMalfinds(p, found)
	}
	return found, nil
}

func moddump(e *Engine, p pass) ([]snapshot.Record, error) {
	found := NewObjects(p.old, p.new, p.deps)
	if p.forward {
		e.collectDrivers(p, found)
	}
	return found, nil
}

// HeapEntropy is the facet holding the entropy of the malware process heap.
const HeapEntropy = "diff_heap_entropy"

// Facets maps diff facets to their snapshot dependencies and diff functions.
var Facets = map[string]Facet{
	"diff_processes":        {Deps: []string{"pslist"}, fn: byField("process_id")},
	"diff_hidden_processes": {Deps: []string{"psxview"}, fn: hiddenProcesses},
	"diff_dlllist":          {Deps: []string{"dlllist"}, fn: dlllist},
	"diff_handles":          {Deps: []string{"handles"}, fn: byField("process_id", "handle_value")},
	"diff_mutants":          {Deps: []string{"mutantscan"}, fn: byField("mutant_name")},
	"diff_services":         {Deps: []string{"svcscan"}, fn: byField("service_name")},
	"diff_timers":           {Deps: []string{"timers"}, fn: byField("offset")},
	"diff_devices":          {Deps: []string{"devicetree"}, fn: devices},
	"diff_connections":      {Deps: []string{"connections", "connscan", "sockets"}, fn: connections},
	"diff_malfind":          {Deps: []string{"malfind"}, fn: malfind},
	"diff_moddump":          {Deps: []string{"moddump"}, fn: moddump},
	"diff_modules":          {Deps: []string{"modules", "modscan"}, fn: newObjects},
	"diff_messagehooks":     {Deps: []string{"messagehooks"}, fn: newObjects},
	"diff_callbacks":        {Deps: []string{"callbacks"}, fn: newObjects},
	"diff_ssdt":             {Deps: []string{"ssdt"}, fn: newObjects},
	"diff_autostart":        {Deps: []string{"handles"}, fn: autostart},
	HeapEntropy:             {Deps: []string{"psxview"}},
}

// Order is the order facets are diffed in.
var Order = []string{
	"diff_processes",
	"diff_hidden_processes",
	"diff_dlllist",
	"diff_handles",
	"diff_mutants",
	"diff_services",
	"diff_timers",
	"diff_devices",
	"diff_connections",
	"diff_malfind",
	"diff_moddump",
	"diff_modules",
	"diff_messagehooks",
	"diff_callbacks",
	"diff_ssdt",
	"diff_autostart",
	HeapEntropy,
}
