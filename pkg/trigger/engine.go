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

// Package trigger recognizes security relevant calls and call chains in the
// decoded stream and performs the actions configured for them.
package trigger

import (
	"context"
	"expvar"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rabbitstack/sandtrap/pkg/config"
	"github.com/rabbitstack/sandtrap/pkg/diag"
	"github.com/rabbitstack/sandtrap/pkg/event"
	"github.com/rabbitstack/sandtrap/pkg/history"
	log "github.com/sirupsen/logrus"
)

// maxDumpRetries is the number of times a failed dump request is retried.
const maxDumpRetries = 3

var (
	triggersQualified = expvar.NewMap("trigger.qualified")
	triggersFired     = expvar.NewMap("trigger.fired")
	dumpFailures      = expvar.NewInt("trigger.dump.failures")
)

// Firing describes a trigger that fired in the session.
type Firing struct {
	// Name is the API name or the chain name.
	Name string `json:"name"`
	// Args are the arguments of the call that completed the trigger.
	Args event.Params `json:"args"`
	// Plugins are the additional forensic plugins requested by the rule.
	Plugins []string `json:"plugins"`
	// Smart indicates smart escalation is enabled for the trigger.
	Smart bool `json:"smart"`
	// Seq is the sequence number of the completing call.
	Seq uint64 `json:"seq"`
	// Time is the wall time of the firing.
	Time time.Time `json:"time"`
}

// MatchFunc is invoked for every firing.
type MatchFunc func(Firing)

// Engine evaluates trigger rules against the calls of one session. Fire
// counts are tracked per engine, so every session gets its own engine.
type Engine struct {
	rules          config.TriggersConfig
	triggeredDumps bool
	correlate      bool

	history *history.History
	diag    *diag.Session
	dumper  Dumper
	backoff func() backoff.BackOff

	mu        sync.Mutex
	remaining map[string]int
	firings   []Firing
	matchFns  []MatchFunc
}

// NewEngine creates the trigger engine. The dumper may be nil, in which case
// memory dump actions are skipped.
func NewEngine(c *config.Config, h *history.History, ds *diag.Session, dumper Dumper) *Engine {
	if ds == nil {
		ds = diag.NewSession(nil, c.Session.SuspendTimeout)
	}
	return &Engine{
		rules:          c.Triggers,
		triggeredDumps: c.TriggeredDumps,
		correlate:      c.Session.Correlate,
		history:        h,
		diag:           ds,
		dumper:         dumper,
		backoff:        newBackoff,
		remaining:      make(map[string]int),
	}
}

func newBackoff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond * 200,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Second * 5,
		MaxElapsedTime:      time.Minute,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// RegisterMatchFunc registers the function receiving trigger firings.
func (e *Engine) RegisterMatchFunc(fn MatchFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.matchFns = append(e.matchFns, fn)
}

// Diag returns the diagnostic session the engine suspends execution through.
func (e *Engine) Diag() *diag.Session { return e.diag }

// Firings returns all firings recorded in this session.
func (e *Engine) Firings() []Firing {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Firing(nil), e.firings...)
}

// Evaluate runs the rule registered for the call. The call must already be
// present in the history. It returns the firing if the trigger fired.
func (e *Engine) Evaluate(ctx context.Context, ev *event.Event) (*Firing, bool) {
	if !ev.IsCall() {
		return nil, false
	}
	r, ok := rules[ev.Name]
	if !ok {
		return nil, false
	}
	name, ok := r(e, ev)
	if !ok {
		return nil, false
	}
	triggersQualified.Add(name, 1)
	return e.fire(ctx, name, ev)
}

// Listener adapts the engine to the event queue. Suspensions performed by
// actions are bound to the given context.
func (e *Engine) Listener(ctx context.Context) event.Listener {
	return listener{ctx: ctx, e: e}
}

type listener struct {
	ctx context.Context
	e   *Engine
}

func (l listener) ProcessEvent(ev *event.Event) (bool, error) {
	l.e.Evaluate(l.ctx, ev)
	return true, nil
}

func (e *Engine) fire(ctx context.Context, name string, ev *event.Event) (*Firing, bool) {
	if !e.triggeredDumps {
		return nil, false
	}
	rule, ok := e.rules.Rule(name)
	if !ok || !rule.Enabled {
		return nil, false
	}
	key := strings.ToLower(name)
	e.mu.Lock()
	remaining, ok := e.remaining[key]
	if !ok {
		remaining = rule.Times
	}
	if remaining <= 0 {
		e.mu.Unlock()
		log.Debugf("%s trigger exhausted its fire count", name)
		return nil, false
	}
	e.remaining[key] = remaining - 1
	e.mu.Unlock()

	triggersFired.Add(name, 1)
	log.Infof("%s trigger fired: %s", name, ev.Params)

	if rule.DumpMemory {
		e.dump(ctx, name, ev.Params)
	}
	if rule.BreakOnVolshell || e.diag.IsArmed(diag.Volshell, name) {
		e.suspend(ctx, diag.Volshell, name)
	}
	if rule.Breakpoint || e.diag.IsArmed(diag.Breakpoint, name) {
		e.suspend(ctx, diag.Breakpoint, name)
	}

	f := Firing{
		Name:    name,
		Args:    ev.Params.Clone(),
		Plugins: rule.RunPlugins,
		Smart:   rule.RunSmartPlugins,
		Seq:     ev.Seq,
		Time:    time.Now(),
	}
	e.mu.Lock()
	e.firings = append(e.firings, f)
	fns := append([]MatchFunc(nil), e.matchFns...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(f)
	}
	return &f, true
}

func (e *Engine) dump(ctx context.Context, name string, pars event.Params) {
	if e.dumper == nil {
		log.Warnf("no memory dumper configured, skipping dump for %s", name)
		return
	}
	b := backoff.WithContext(backoff.WithMaxRetries(e.backoff(), maxDumpRetries), ctx)
	err := backoff.RetryNotify(func() error {
		return e.dumper.DumpMemory(ctx, name, pars)
	}, b, func(err error, d time.Duration) {
		log.Warnf("memory dump for %s failed: %v. Retrying in %v...", name, err, d)
	})
	if err != nil {
		dumpFailures.Add(1)
		log.Errorf("unable to dump memory for %s: %v", name, err)
	}
}

func (e *Engine) suspend(ctx context.Context, kind diag.Kind, name string) {
	if err := e.diag.Enter(ctx, kind); err != nil {
		log.Warnf("%s for %s: %v", kind, name, err)
	}
}

// consumeTwoStep removes the prior call of a two-step chain if configured so.
func (e *Engine) consumeTwoStep(prior history.Entry) {
	if e.rules.ConsumeTwoStepChains {
		e.history.Remove(prior.Seq)
	}
}
