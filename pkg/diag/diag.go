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

// Package diag implements the diagnostic session that suspends the monitored
// execution when a breakpoint or an interactive forensic session is requested.
package diag

import (
	"context"
	"expvar"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	fsm "github.com/qmuntal/stateless"
	kerrors "github.com/rabbitstack/sandtrap/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Kind identifies the reason the execution is suspended.
type Kind uint8

const (
	// Breakpoint suspends the execution until the operator releases it.
	Breakpoint Kind = iota + 1
	// Volshell suspends the execution for the interactive memory forensics shell.
	Volshell
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Breakpoint:
		return "breakpoint"
	case Volshell:
		return "volshell"
	default:
		return "unknown"
	}
}

var (
	suspensions        = expvar.NewMap("diag.suspensions")
	suspensionTimeouts = expvar.NewInt("diag.suspension.timeouts")
)

var (
	runningState   = fsm.State("running")
	suspendedState = fsm.State("suspended")

	suspendTransition = fsm.Trigger("suspend")
	resumeTransition  = fsm.Trigger("resume")
)

// Controller suspends and resumes the monitored guest.
type Controller interface {
	Suspend() error
	Resume() error
}

// nopController only logs state changes. It is used when no hypervisor
// control plane is wired in.
type nopController struct{}

func (nopController) Suspend() error { log.Info("suspending monitored execution"); return nil }
func (nopController) Resume() error  { log.Info("resuming monitored execution"); return nil }

// NopController returns the controller that doesn't interact with the guest.
func NopController() Controller { return nopController{} }

// Session serializes suspensions of one monitored execution. Only one
// suspension may be outstanding at any given time.
type Session struct {
	mu      sync.Mutex
	fsm     *fsm.StateMachine
	ctrl    Controller
	timeout time.Duration
	release chan struct{}
	kind    Kind

	bpsMu       sync.RWMutex
	bps         map[string]bool
	volshellBps map[string]bool
}

// NewSession creates a diagnostic session. Suspensions that aren't released
// within the timeout are resumed automatically. Zero timeout waits forever.
func NewSession(ctrl Controller, timeout time.Duration) *Session {
	if ctrl == nil {
		ctrl = NopController()
	}
	s := &Session{
		ctrl:        ctrl,
		timeout:     timeout,
		bps:         make(map[string]bool),
		volshellBps: make(map[string]bool),
	}
	s.fsm = fsm.NewStateMachine(runningState)
	s.fsm.Configure(runningState).Permit(suspendTransition, suspendedState)
	s.fsm.Configure(suspendedState).Permit(resumeTransition, runningState)
	s.fsm.OnTransitioned(func(ctx context.Context, t fsm.Transition) {
		log.Debugf("diag session transitioned from %v to %v", t.Source, t.Destination)
	})
	return s
}

// ArmBreakpoint makes the given API suspend the execution when its trigger fires.
func (s *Session) ArmBreakpoint(api string) {
	s.bpsMu.Lock()
	defer s.bpsMu.Unlock()
	s.bps[strings.ToLower(api)] = true
}

// ArmVolshellBreakpoint makes the given API start the interactive shell when its trigger fires.
func (s *Session) ArmVolshellBreakpoint(api string) {
	s.bpsMu.Lock()
	defer s.bpsMu.Unlock()
	s.volshellBps[strings.ToLower(api)] = true
}

// Breakpoints returns the armed breakpoints.
func (s *Session) Breakpoints() []string {
	s.bpsMu.RLock()
	defer s.bpsMu.RUnlock()
	return keys(s.bps)
}

// VolshellBreakpoints returns the armed volshell breakpoints.
func (s *Session) VolshellBreakpoints() []string {
	s.bpsMu.RLock()
	defer s.bpsMu.RUnlock()
	return keys(s.volshellBps)
}

// IsArmed determines if the API has the breakpoint of the given kind armed.
func (s *Session) IsArmed(kind Kind, api string) bool {
	s.bpsMu.RLock()
	defer s.bpsMu.RUnlock()
	switch kind {
	case Breakpoint:
		return s.bps[strings.ToLower(api)]
	case Volshell:
		return s.volshellBps[strings.ToLower(api)]
	}
	return false
}

// Suspended reports whether the execution is currently suspended.
func (s *Session) Suspended() bool {
	ok, err := s.fsm.IsInState(suspendedState)
	return err == nil && ok
}

// Enter suspends the execution and blocks until the suspension is released,
// the context is cancelled, or the timeout elapses. The execution is resumed
// in all cases before Enter returns.
func (s *Session) Enter(ctx context.Context, kind Kind) error {
	s.mu.Lock()
	if s.Suspended() {
		s.mu.Unlock()
		return kerrors.ErrSessionAlreadySuspended
	}
	if err := s.ctrl.Suspend(); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "unable to suspend monitored execution")
	}
	if err := s.fsm.FireCtx(ctx, suspendTransition); err != nil {
		s.mu.Unlock()
		return err
	}
	release := make(chan struct{})
	s.release = release
	s.kind = kind
	s.mu.Unlock()

	suspensions.Add(kind.String(), 1)
	log.Infof("monitored execution suspended for %s", kind)

	var timeout <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var err error
	select {
	case <-release:
	case <-ctx.Done():
		err = ctx.Err()
	case <-timeout:
		suspensionTimeouts.Add(1)
		log.Warnf("%s wasn't released within %v, resuming execution", kind, s.timeout)
		err = kerrors.ErrSuspendTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.release = nil
	if ferr := s.fsm.Fire(resumeTransition); ferr != nil {
		return ferr
	}
	if rerr := s.ctrl.Resume(); rerr != nil {
		return errors.Wrap(rerr, "unable to resume monitored execution")
	}
	return err
}

// SuspendedFor reports whether the outstanding suspension is of the given kind.
func (s *Session) SuspendedFor(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.release != nil && s.kind == kind
}

// Release unblocks the outstanding suspension. It returns false if the
// execution is not suspended.
func (s *Session) Release() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.release == nil {
		return false
	}
	close(s.release)
	s.release = nil
	log.Infof("%s released", s.kind)
	return true
}

func keys(m map[string]bool) []string {
	l := make([]string, 0, len(m))
	for k := range m {
		l = append(l, k)
	}
	sort.Strings(l)
	return l
}
