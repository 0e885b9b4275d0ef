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

// Package diff compares the baseline snapshot against the infected snapshot
// facet by facet.
package diff

import (
	"context"
	"expvar"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/pkg/errors"
	"github.com/rabbitstack/sandtrap/pkg/config"
	"github.com/rabbitstack/sandtrap/pkg/forensics"
	"github.com/rabbitstack/sandtrap/pkg/snapshot"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var (
	facetsDiffed = expvar.NewInt("diff.facets")
	facetErrors  = expvar.NewInt("diff.facet.errors")
)

// ErrUnknownFacet is returned for facets absent from the facet table.
var ErrUnknownFacet = errors.New("unknown diff facet")

// Star values
const (
	Starred   = "yes"
	Unstarred = "no"
)

// Entry is the diff of a single facet.
type Entry struct {
	Desc        string            `json:"desc"`
	New         []snapshot.Record `json:"new"`
	Deleted     []snapshot.Record `json:"deleted"`
	Star        string            `json:"star"`
	Value       any               `json:"value,omitempty"`
	Disassembly string            `json:"disassembly,omitempty"`
}

// NewEntry creates the unstarred entry with no objects.
func NewEntry(desc string) *Entry {
	return &Entry{Desc: desc, New: []snapshot.Record{}, Deleted: []snapshot.Record{}, Star: Unstarred}
}

// Starred determines if escalation elevated the facet.
func (e *Entry) Starred() bool { return e.Star == Starred }

// Result maps facet names to their diffs.
type Result map[string]*Entry

// Names returns sorted facet names.
func (r Result) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Option customizes the engine.
type Option func(*Engine)

// WithResolver sets the resolver computing absent snapshot facets.
func WithResolver(r *snapshot.Resolver) Option { return func(e *Engine) { e.resolver = r } }

// WithForensics sets the forensics collaborator.
func WithForensics(f forensics.Forensics) Option { return func(e *Engine) { e.forensics = f } }

// WithFs sets the filesystem where artifacts are collected.
func WithFs(fs afero.Fs) Option { return func(e *Engine) { e.fs = fs } }

// Engine diffs the snapshot pair. The result of every facet is computed
// once, subsequent runs of the same facet are no-ops.
type Engine struct {
	config    config.MemoryConfig
	old, new  *snapshot.Snapshot
	resolver  *snapshot.Resolver
	forensics forensics.Forensics
	fs        afero.Fs

	malfindName *template.Template
	moddumpName *template.Template
	moddumpDest *template.Template

	mu     sync.Mutex
	result Result
}

// NewEngine creates the engine diffing the baseline snapshot old against
// the infected snapshot new.
func NewEngine(c config.MemoryConfig, old, new *snapshot.Snapshot, opts ...Option) (*Engine, error) {
	e := &Engine{
		config:   c,
		old:      old,
		new:      new,
		resolver: snapshot.NewResolver(nil),
		fs:       afero.NewOsFs(),
		result:   make(Result),
	}
	for _, opt := range opts {
		opt(e)
	}
	var err error
	if e.malfindName, err = parseTemplate("malfind-name", c.MalfindName); err != nil {
		return nil, err
	}
	if e.moddumpName, err = parseTemplate("moddump-name", c.ModdumpName); err != nil {
		return nil, err
	}
	if e.moddumpDest, err = parseTemplate("moddump-dest", c.ModdumpDest); err != nil {
		return nil, err
	}
	return e, nil
}

func parseTemplate(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s template", name)
	}
	return tmpl, nil
}

// Result returns the diff result.
func (e *Engine) Result() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Entry returns the diff of the facet.
func (e *Engine) Entry(name string) (*Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.result[name]
	return entry, ok
}

// Set stores the entry unconditionally.
func (e *Engine) Set(name string, entry *Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.result[name] = entry
}

// Infected returns the infected snapshot.
func (e *Engine) Infected() *snapshot.Snapshot { return e.new }

// Resolve makes sure facets are present in the infected snapshot.
func (e *Engine) Resolve(ctx context.Context, deps ...string) error {
	_, err := e.resolver.Resolve(ctx, e.new, deps, nil)
	return err
}

func (e *Engine) desc(name string) string {
	if fc, ok := e.config.Facet(name); ok && fc.Desc != "" {
		return fc.Desc
	}
	if fc, ok := config.DefaultFacets()[name]; ok {
		return fc.Desc
	}
	return name
}

// Run diffs the facet unless its result is already present.
func (e *Engine) Run(ctx context.Context, name string) error {
	if _, ok := e.Entry(name); ok {
		return nil
	}
	facet, ok := Facets[name]
	if !ok {
		return errors.Wrap(ErrUnknownFacet, name)
	}
	if name == HeapEntropy {
		return e.heapEntropy(ctx)
	}

	var opts map[string]any
	if fc, ok := e.config.Facet(name); ok {
		opts = fc.Options
	}
	if _, err := e.resolver.Resolve(ctx, e.old, facet.Deps, opts); err != nil {
		return err
	}
	if _, err := e.resolver.Resolve(ctx, e.new, facet.Deps, opts); err != nil {
		return err
	}

	newRecs, err := facet.fn(e, pass{old: e.old, new: e.new, deps: facet.Deps, forward: true})
	if err != nil {
		return err
	}
	deleted, err := facet.fn(e, pass{old: e.new, new: e.old, deps: facet.Deps})
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.result[name]; ok {
		return nil
	}
	entry := NewEntry(e.desc(name))
	entry.New = newRecs
	entry.Deleted = deleted
	e.result[name] = entry
	facetsDiffed.Add(1)
	log.Debugf("%s: %d new, %d deleted", name, len(newRecs), len(deleted))
	return nil
}

// RunAll diffs all enabled facets. Facets failing to compute are logged
// and left out of the result.
func (e *Engine) RunAll(ctx context.Context) Result {
	e.prepareArtifactDirs()
	for _, name := range Order {
		fc, ok := e.config.Facet(name)
		if !ok || !fc.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			log.Warnf("memory analysis interrupted: %v", err)
			break
		}
		log.Infof("running %s", name)
		if err := e.Run(ctx, name); err != nil {
			facetErrors.Add(1)
			log.Errorf("unable to diff %s: %v", name, err)
		}
	}
	return e.Result()
}

// heapEntropy records the heap entropy of the malware process. Failures
// leave the entry without the value.
func (e *Engine) heapEntropy(ctx context.Context) error {
	entry := NewEntry(e.desc(HeapEntropy))
	defer e.Set(HeapEntropy, entry)

	if err := e.Resolve(ctx, Facets[HeapEntropy].Deps...); err != nil {
		log.Debugf("unable to resolve the malware process: %v", err)
		return nil
	}
	proc := e.MalwareProcess()
	if proc == nil || e.forensics == nil {
		return nil
	}
	pid, err := proc.Uint("process_id")
	if err != nil {
		return nil
	}
	entropy, err := e.forensics.HeapEntropy(ctx, pid)
	if err != nil {
		log.Debugf("unable to calculate heap entropy of %d: %v", pid, err)
		return nil
	}
	entry.Value = entropy
	return nil
}

// MalwareProcess returns the analyzed sample process from the cross view
// process list of the infected snapshot.
func (e *Engine) MalwareProcess() snapshot.Record {
	if e.config.MalwareProcess == "" {
		return nil
	}
	for _, proc := range e.new.Records("psxview") {
		if strings.Contains(proc.String("process_name"), e.config.MalwareProcess) {
			return proc
		}
	}
	return nil
}
