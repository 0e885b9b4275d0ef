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
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rabbitstack/sandtrap/pkg/config"
	"github.com/rabbitstack/sandtrap/pkg/diag"
	"github.com/rabbitstack/sandtrap/pkg/event"
	"github.com/rabbitstack/sandtrap/pkg/history"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	e   *Engine
	h   *history.History
	seq uint64
}

func newHarness(t *testing.T, opts ...func(*config.Config)) *harness {
	c := &config.Config{
		TriggeredDumps: true,
		Triggers:       config.TriggersConfig{Rules: config.DefaultTriggerRules()},
		Session:        config.SessionConfig{Correlate: true, SuspendTimeout: time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	h := history.New(64)
	e := NewEngine(c, h, nil, nil)
	e.backoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return &harness{e: e, h: h}
}

func (h *harness) call(name string, kv ...any) (*Firing, bool) {
	var pars event.Params
	for i := 0; i+1 < len(kv); i += 2 {
		pars.Append(kv[i].(string), kv[i+1])
	}
	h.seq++
	ev := event.NewCall(event.Context{Status: 1}, name, event.Unknown, pars)
	ev.Seq = h.seq
	h.h.Append(ev)
	return h.e.Evaluate(context.Background(), ev)
}

func times(name string, n int) func(*config.Config) {
	return func(c *config.Config) {
		r, _ := c.Triggers.Rule(name)
		r.Times = n
		c.Triggers.Rules[name] = r
	}
}

func TestDirectRuleFiresOnce(t *testing.T) {
	h := newHarness(t)
	var matched []Firing
	h.e.RegisterMatchFunc(func(f Firing) { matched = append(matched, f) })

	f, ok := h.call("NtCreateMutant", "Handle", "0x00000040", "MutexName", "Global\\evil")
	require.True(t, ok)
	assert.Equal(t, "NtCreateMutant", f.Name)
	assert.True(t, f.Smart)
	assert.Equal(t, uint64(1), f.Seq)

	_, ok = h.call("NtCreateMutant", "Handle", "0x00000044", "MutexName", "Global\\evil")
	assert.False(t, ok)
	require.Len(t, matched, 1)
	assert.Equal(t, "Global\\evil", matched[0].Args[1].Value)
	assert.Len(t, h.e.Firings(), 1)

	_, ok = h.call("NtOpenMutant", "Handle", "0x00000040")
	assert.False(t, ok)
}

func TestTriggeredDumpsDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.TriggeredDumps = false })
	_, ok := h.call("socket", "af", uint32(2), "type", uint32(1), "protocol", uint32(6))
	assert.False(t, ok)
}

func TestDisabledRule(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		r, _ := c.Triggers.Rule("socket")
		r.Enabled = false
		c.Triggers.Rules["socket"] = r
		delete(c.Triggers.Rules, "ntcreatemutant")
	})
	_, ok := h.call("socket")
	assert.False(t, ok)
	_, ok = h.call("NtCreateMutant")
	assert.False(t, ok)
}

func TestCrossProcessRules(t *testing.T) {
	var tests = []struct {
		name      string
		api       string
		kv        []any
		correlate bool
		fires     bool
	}{
		{"vprotect cross process", "VirtualProtectEx", []any{"ProcessId", uint32(1337), "CurrentProcessId", uint32(2048)}, true, true},
		{"vprotect same process", "VirtualProtectEx", []any{"ProcessId", uint32(1337), "CurrentProcessId", uint32(1337)}, true, false},
		{"vprotect uncorrelated", "VirtualProtectEx", []any{"ProcessId", uint32(1337), "CurrentProcessId", uint32(2048)}, false, false},
		{"vprotect missing pid", "VirtualProtectEx", []any{"ProcessId", uint32(1337)}, true, false},
		{"write cross process", "WriteProcessMemory", []any{"ProcessId", int64(1337), "CurrProcessId", uint32(2048)}, false, true},
		{"write same process", "WriteProcessMemory", []any{"ProcessId", int64(1337), "CurrProcessId", uint32(1337)}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *config.Config) { c.Session.Correlate = tt.correlate })
			_, ok := h.call(tt.api, tt.kv...)
			assert.Equal(t, tt.fires, ok)
		})
	}
}

func TestDriverFileRule(t *testing.T) {
	var tests = []struct {
		filename string
		fires    bool
	}{
		{`C:\Windows\System32\drivers\null.sys`, false},
		{`C:\Users\sandbox\evil.SYS`, true},
		{`\??\pipe\evil`, true},
		{`C:\Users\sandbox\readme.txt`, false},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			h := newHarness(t)
			_, ok := h.call("NtCreateFile", "FileHandle", "0x00000010", "FileName", tt.filename)
			assert.Equal(t, tt.fires, ok)
		})
	}
}

func TestThreeStepChainFiresOnceAndConsumes(t *testing.T) {
	h := newHarness(t, times("writeprocessmemory -> createremotethread -> loadlibrary", 5))

	h.call("WriteProcessMemory", "ProcessHandle", "0x00000001", "ProcessId", uint32(9), "CurrProcessId", uint32(9))
	h.call("CreateRemoteThread", "ProcessHandle", "0x00000001", "ProcessId", uint32(9))
	require.Equal(t, 2, h.h.Len())

	f, ok := h.call("LdrLoadDll", "FileName", "evil.dll", "BaseAddress", "0x10000000", "ProcessId", uint32(9))
	require.True(t, ok)
	assert.Equal(t, config.ChainWriteThreadLoadDll, f.Name)

	entries := h.h.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "LdrLoadDll", entries[0].Name)

	_, ok = h.call("LdrLoadDll", "FileName", "evil.dll", "BaseAddress", "0x10000000", "ProcessId", uint32(9))
	assert.False(t, ok)
}

func TestThreeStepChainRequiresMatchingCalls(t *testing.T) {
	h := newHarness(t)
	h.call("WriteProcessMemory", "ProcessHandle", "0x00000002", "ProcessId", uint32(9), "CurrProcessId", uint32(9))
	// handle mismatch with the write
	h.call("CreateRemoteThread", "ProcessHandle", "0x00000001", "ProcessId", uint32(9))
	// pid mismatch with the load
	h.call("CreateRemoteThread", "ProcessHandle", "0x00000002", "ProcessId", uint32(10))

	_, ok := h.call("LdrLoadDll", "ProcessId", uint32(9))
	assert.False(t, ok)
	assert.Equal(t, 4, h.h.Len())

	// an older matching remote thread behind a non-matching one still completes the chain
	h.call("CreateRemoteThread", "ProcessHandle", "0x00000002", "ProcessId", uint32(9))
	h.call("CreateRemoteThread", "ProcessHandle", "0x00000003", "ProcessId", uint32(9))
	_, ok = h.call("LdrLoadDll", "ProcessId", uint32(9))
	assert.True(t, ok)
	assert.Equal(t, 5, h.h.Len())
}

func TestTwoStepChains(t *testing.T) {
	h := newHarness(t, times("ntsetcontextthread -> ntresumethread", 5))

	h.call("NtSetContextThread", "ThreadHandle", "0x00000080", "ProcessId", uint32(9))
	_, ok := h.call("NtResumeThread", "ThreadHandle", "0x00000084")
	assert.False(t, ok)

	f, ok := h.call("NtResumeThread", "ThreadHandle", "0x00000080", "ThreadId", uint32(77))
	require.True(t, ok)
	assert.Equal(t, config.ChainSetContextResume, f.Name)
	// not consumed by default
	_, ok = h.call("NtResumeThread", "ThreadHandle", "0x00000080")
	assert.True(t, ok)

	_, ok = h.call("CreateRemoteThread", "ProcessHandle", "0x00000001", "ProcessId", uint32(9))
	assert.False(t, ok)
	h.call("WriteProcessMemory", "ProcessHandle", "0x00000001", "ProcessId", uint32(9), "CurrProcessId", uint32(9))
	f, ok = h.call("CreateRemoteThread", "ProcessHandle", "0x00000001", "ProcessId", uint32(9))
	require.True(t, ok)
	assert.Equal(t, config.ChainWriteRemoteThread, f.Name)
}

func TestTwoStepChainConsumption(t *testing.T) {
	h := newHarness(t, times("ntsetcontextthread -> ntresumethread", 5), func(c *config.Config) {
		c.Triggers.ConsumeTwoStepChains = true
	})
	h.call("NtSetContextThread", "ThreadHandle", "0x00000080")
	_, ok := h.call("NtResumeThread", "ThreadHandle", "0x00000080")
	require.True(t, ok)
	_, ok = h.call("NtResumeThread", "ThreadHandle", "0x00000080")
	assert.False(t, ok)
}

func TestChainsRequireCorrelation(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Session.Correlate = false })
	h.call("NtSetContextThread", "ThreadHandle", "0x00000080")
	_, ok := h.call("NtResumeThread", "ThreadHandle", "0x00000080")
	assert.False(t, ok)
}

func TestDumpRetries(t *testing.T) {
	h := newHarness(t)
	var calls int
	h.e.dumper = DumperFunc(func(ctx context.Context, name string, args event.Params) error {
		calls++
		if calls < 3 {
			return errors.New("hypervisor busy")
		}
		assert.Equal(t, "ZwLoadDriver", name)
		return nil
	})
	_, ok := h.call("ZwLoadDriver", "DriverServiceName", `\Registry\Machine\System\CurrentControlSet\Services\evil`)
	require.True(t, ok)
	assert.Equal(t, 3, calls)
}

type countingController struct{ suspends, resumes int }

func (c *countingController) Suspend() error { c.suspends++; return nil }
func (c *countingController) Resume() error  { c.resumes++; return nil }

func TestArmedBreakpointSuspends(t *testing.T) {
	h := newHarness(t)
	ctrl := &countingController{}
	h.e.diag = diag.NewSession(ctrl, 5*time.Millisecond)
	h.e.diag.ArmBreakpoint("socket")
	h.e.diag.ArmVolshellBreakpoint("socket")

	_, ok := h.call("socket")
	require.True(t, ok)
	assert.Equal(t, 2, ctrl.suspends)
	assert.Equal(t, 2, ctrl.resumes)

	_, ok = h.call("NtCreateMutant")
	require.True(t, ok)
	assert.Equal(t, 2, ctrl.suspends)
}

func TestSpoolDumper(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := NewSpoolDumper(fs, "/spool", "c0ffee")
	pars := event.Params{{Name: "ProcessId", Value: uint32(1337)}, {Name: "Address", Value: "0x00401000"}}
	require.NoError(t, d.DumpMemory(context.Background(), "VirtualProtectEx", pars))

	files, err := afero.ReadDir(fs, "/spool")
	require.NoError(t, err)
	require.Len(t, files, 1)

	info, err := LoadInfo(fs, "/spool/"+files[0].Name())
	require.NoError(t, err)
	assert.Equal(t, "VirtualProtectEx", info.Trigger.Name)
	assert.Equal(t, "c0ffee", info.Session)
	assert.Equal(t, float64(1337), info.Trigger.Args["ProcessId"])
	assert.Equal(t, "0x00401000", info.Trigger.Args["Address"])
}
