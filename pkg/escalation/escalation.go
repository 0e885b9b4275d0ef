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

// Package escalation elevates the facets of the memory diff that relate to
// the trigger initiating the analysis, and runs the trigger specific
// follow-up analyses.
package escalation

import (
	"context"
	"encoding/json"
	"expvar"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rabbitstack/sandtrap/pkg/config"
	"github.com/rabbitstack/sandtrap/pkg/diff"
	"github.com/rabbitstack/sandtrap/pkg/forensics"
	"github.com/rabbitstack/sandtrap/pkg/snapshot"
	"github.com/rabbitstack/sandtrap/pkg/trigger"
	log "github.com/sirupsen/logrus"
)

var (
	facetsStarred   = expvar.NewInt("escalation.facets.starred")
	followupErrors  = expvar.NewInt("escalation.followup.errors")
	pluginsExecuted = expvar.NewInt("escalation.plugins")
)

// result entries populated by follow-ups
const (
	InjectedThread = "injected_thread"
	InjectedDLL    = "injected_dll"
)

const (
	injectedThreadDesc = "Shows the injected thread"
	injectedDLLDesc    = "Finds the injected dll and dumps it"
)

// driverBase is added to the patch offsets to get the driver base address.
const driverBase = 0x7fe00000

// hookThreadPID extracts the owning pid from message hook thread descriptions.
var hookThreadPID = regexp.MustCompile(`\(.*?(\d+)\)`)

// Option customizes the policy.
type Option func(*Policy)

// WithTool sets the tool running the additional plugins against the memory image.
func WithTool(tool forensics.Tool, image string) Option {
	return func(p *Policy) {
		p.tool = tool
		p.image = image
	}
}

// Policy escalates the memory diff.
type Policy struct {
	config    *config.Config
	forensics forensics.Forensics
	tool      forensics.Tool
	image     string
}

// New creates the escalation policy.
func New(c *config.Config, f forensics.Forensics, opts ...Option) *Policy {
	p := &Policy{config: c, forensics: f}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Escalate inspects the trigger that initiated the analysis. Additional
// plugins requested by the trigger rule are run first. With smart
// escalation, facets related to the trigger are starred and the trigger
// specific follow-ups are executed.
func (p *Policy) Escalate(ctx context.Context, e *diff.Engine, info trigger.Info) error {
	name := info.Trigger.Name
	args := snapshot.Record(info.Trigger.Args)
	rule, ok := p.config.Triggers.Rule(name)
	if !ok {
		log.Infof("no trigger rule for %q, skipping escalation", name)
	}

	entry(e, InjectedThread, injectedThreadDesc)
	entry(e, InjectedDLL, injectedDLLDesc)

	for _, plugin := range rule.RunPlugins {
		p.runPlugin(ctx, e, plugin)
	}

	if !rule.RunSmartPlugins {
		return nil
	}
	for _, facet := range p.config.Escalation.Facets(name) {
		star(e, facet)
	}
	if strings.EqualFold(name, "monitorCPU") {
		star(e, diff.HeapEntropy)
	}
	if p.forensics == nil {
		log.Warnf("no forensics available for %q follow-ups", name)
		return nil
	}

	var err error
	switch name {
	case "ZwLoadDriver":
		err = p.dumpDrivers(ctx, e)
	case "SetWindowsHookExA", "SetWindowsHookExW":
		err = p.dumpHookModules(ctx, e)
	case "VirtualProtectEx":
		err = p.scopedMalfind(ctx, e, args)
	case config.ChainWriteThreadLoadDll:
		err = p.dumpInjectedDLL(ctx, e, args)
	case config.ChainSetContextResume:
		err = p.injectedThread(ctx, e, args, false)
	case config.ChainWriteRemoteThread:
		err = p.injectedThread(ctx, e, args, true)
	}
	if err != nil {
		followupErrors.Add(1)
		return errors.Wrapf(err, "%s follow-up failed", name)
	}
	return nil
}

// entry returns the facet entry, creating the empty one if absent.
func entry(e *diff.Engine, name, desc string) *diff.Entry {
	if ent, ok := e.Entry(name); ok {
		return ent
	}
	ent := diff.NewEntry(desc)
	e.Set(name, ent)
	return ent
}

func star(e *diff.Engine, facet string) {
	if ent, ok := e.Entry(facet); ok {
		ent.Star = diff.Starred
		facetsStarred.Add(1)
	}
}

func (p *Policy) runPlugin(ctx context.Context, e *diff.Engine, plugin string) {
	if p.tool == nil {
		log.Warnf("unable to run %s plugin: no forensic tool configured", plugin)
		return
	}
	out, err := p.tool.Run(ctx, plugin, p.image, nil)
	if err != nil {
		log.Warnf("unable to run %s plugin: %v", plugin, err)
		return
	}
	var f snapshot.Facet
	if err := json.Unmarshal(out, &f); err != nil {
		log.Warnf("invalid %s plugin output: %v", plugin, err)
		return
	}
	ent := diff.NewEntry("Output of the " + plugin + " plugin")
	if f.Data != nil {
		ent.New = f.Data
	}
	e.Set(plugin, ent)
	pluginsExecuted.Add(1)
}

// dumpDrivers dumps the drivers located by the patcher.
func (p *Policy) dumpDrivers(ctx context.Context, e *diff.Engine) error {
	offsets, err := p.forensics.PatchOffsets(ctx)
	if err != nil {
		return err
	}
	moddump := entry(e, "diff_moddump", "Finds and dumps new kernel modules")
	for _, off := range offsets {
		base := off + driverBase
		log.Infof("dumping driver at offset %d", off)
		recs, err := p.forensics.Moddump(ctx, base, e.ArtifactDir(diff.DriversDir))
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			continue
		}
		moddump.New = append(moddump.New, snapshot.Record{
			"module_name": recs[0]["module_name"],
			"module_base": base,
		})
	}
	return nil
}

// dumpHookModules dumps the modules of new message hooks.
func (p *Policy) dumpHookModules(ctx context.Context, e *diff.Engine) error {
	hooks, ok := e.Entry("diff_messagehooks")
	if !ok {
		return nil
	}
	injected := entry(e, InjectedDLL, injectedDLLDesc)
	for _, mh := range hooks.New {
		m := hookThreadPID.FindStringSubmatch(mh.String("thread"))
		if len(m) < 2 {
			continue
		}
		pid, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		module := mh.String("module")
		module = module[strings.LastIndex(module, `\`)+1:]
		recs, err := p.forensics.DLLDump(ctx, forensics.DLLDumpRequest{
			PID:     pid,
			Regex:   regexp.QuoteMeta(module),
			DumpDir: e.ArtifactDir(diff.DLLsDir),
		})
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			injected.New = append(injected.New, recs[0])
			injected.Star = diff.Starred
		}
	}
	return nil
}

// scopedMalfind runs malfind on the region whose protection changed. The
// region is reported as new when it became executable, otherwise as deleted.
func (p *Policy) scopedMalfind(ctx context.Context, e *diff.Engine, args snapshot.Record) error {
	prot, err := args.Uint("Protection")
	if err != nil {
		return err
	}
	pid, err := args.Uint("ProcessId")
	if err != nil {
		return err
	}
	addr, err := args.Uint("Address")
	if err != nil {
		return err
	}
	if Protection(prot) == "" {
		return errors.Errorf("unknown page protection %#x", prot)
	}
	req := forensics.MalfindRequest{PID: pid, Address: addr}
	exec := IsExecutable(prot)
	if exec {
		req.DumpDir = e.ArtifactDir(diff.MalfindsDir)
	}
	recs, err := p.forensics.Malfind(ctx, req)
	if err != nil {
		return err
	}
	malfind := entry(e, "diff_malfind", "Finds new injected code regions")
	if len(recs) > 0 {
		if exec {
			malfind.New = append(malfind.New, recs[0])
		} else {
			malfind.Deleted = append(malfind.Deleted, recs[0])
		}
	}
	malfind.Star = diff.Starred
	return nil
}

// dumpInjectedDLL dumps the module loaded by the injection chain.
func (p *Policy) dumpInjectedDLL(ctx context.Context, e *diff.Engine, args snapshot.Record) error {
	pid, err := args.Uint("ProcessId")
	if err != nil {
		return err
	}
	base, err := args.Uint("BaseAddress")
	if err != nil {
		return err
	}
	recs, err := p.forensics.DLLDump(ctx, forensics.DLLDumpRequest{PID: pid, Base: base, DumpDir: e.ArtifactDir(diff.DLLsDir)})
	if err != nil {
		return err
	}
	ent := diff.NewEntry(injectedDLLDesc)
	if recs != nil {
		ent.New = recs
	}
	ent.Star = diff.Starred
	e.Set(InjectedDLL, ent)
	return nil
}

// injectedThread records the target thread of the injection chain,
// optionally with the disassembly of its start routine.
func (p *Policy) injectedThread(ctx context.Context, e *diff.Engine, args snapshot.Record, disasm bool) error {
	pid, err := args.Uint("ProcessId")
	if err != nil {
		return err
	}
	tid, err := args.Uint("ThreadId")
	if err != nil {
		return err
	}
	ent := diff.NewEntry(injectedThreadDesc)
	ent.Star = diff.Starred
	if disasm {
		if start, err := args.Uint("StartRoutine"); err == nil {
			code, err := p.forensics.ReadMemory(ctx, pid, start, DisasmSize)
			if err != nil {
				log.Debugf("unable to read start routine of thread %d: %v", tid, err)
			} else {
				ent.Disassembly = Disassemble(code, start)
			}
		}
	}
	e.Set(InjectedThread, ent)

	threads, err := p.forensics.Threads(ctx, pid)
	if err != nil {
		return err
	}
	for _, t := range threads {
		if id, err := t.Uint("TID"); err == nil && id == tid {
			ent.New = append(ent.New, t)
		}
	}
	return nil
}
