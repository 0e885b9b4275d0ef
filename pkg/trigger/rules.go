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
	"strings"

	"github.com/rabbitstack/sandtrap/pkg/config"
	"github.com/rabbitstack/sandtrap/pkg/event"
	"github.com/rabbitstack/sandtrap/pkg/event/params"
	"github.com/rabbitstack/sandtrap/pkg/history"
)

// rule inspects the call and yields the name of the trigger that qualifies.
// Chain rules yield the synthesized chain name.
type rule func(e *Engine, ev *event.Event) (string, bool)

// rules maps API names to the rule evaluated when the call is decoded.
var rules = map[string]rule{
	"NtCreateProcess":     direct,
	"monitorCPU":          direct,
	"monitorUnpacking":    direct,
	"UnhookWindowsHookEx": direct,
	"StartServiceA":       direct,
	"StartServiceW":       direct,
	"SetWinEventHook":     direct,
	"socket":              direct,
	"SetWindowsHookExA":   direct,
	"SetWindowsHookExW":   direct,
	"ZwLoadDriver":        direct,
	"NtCreateMutant":      direct,

	"VirtualProtectEx":   correlated(crossProcess(params.CurrentProcessID)),
	"WriteProcessMemory": crossProcess(params.CurrProcessID),
	"NtCreateFile":       correlated(driverFile),

	"NtResumeThread":     correlated(setContextResume),
	"CreateRemoteThread": correlated(writeRemoteThread),
	"LdrLoadDll":         correlated(writeThreadLoadDll),
}

func direct(_ *Engine, ev *event.Event) (string, bool) { return ev.Name, true }

// correlated gates the rule on the correlation capability of the session.
func correlated(r rule) rule {
	return func(e *Engine, ev *event.Event) (string, bool) {
		if !e.correlate {
			return "", false
		}
		return r(e, ev)
	}
}

// crossProcess qualifies calls where the acting process differs from the target process.
func crossProcess(acting string) rule {
	return func(_ *Engine, ev *event.Event) (string, bool) {
		if !ev.Params.Contains(params.ProcessID) || !ev.Params.Contains(acting) {
			return "", false
		}
		return ev.Name, !ev.Params.Equal(params.ProcessID, ev.Params, acting)
	}
}

// driverFile qualifies file creations outside the system directory that either
// look like drivers or don't target a drive path.
func driverFile(_ *Engine, ev *event.Event) (string, bool) {
	filename, err := ev.Params.GetString(params.FileName)
	if err != nil {
		return "", false
	}
	filename = strings.ToLower(filename)
	if strings.Contains(filename, "system32") {
		return "", false
	}
	return ev.Name, strings.Contains(filename, ".sys") || !strings.Contains(filename, `:\`)
}

func setContextResume(e *Engine, ev *event.Event) (string, bool) {
	prior, ok := e.history.FindLast("NtSetContextThread", ev.Seq, same(ev.Params, params.ThreadHandle))
	if !ok {
		return "", false
	}
	e.consumeTwoStep(prior)
	return config.ChainSetContextResume, true
}

func writeRemoteThread(e *Engine, ev *event.Event) (string, bool) {
	prior, ok := e.history.FindLast("WriteProcessMemory", ev.Seq, same(ev.Params, params.ProcessHandle))
	if !ok {
		return "", false
	}
	e.consumeTwoStep(prior)
	return config.ChainWriteRemoteThread, true
}

// writeThreadLoadDll walks remote thread creations targeting the loading
// process, most recent first, until one is preceded by a memory write to the
// same process handle. Both prior calls are removed from the history.
func writeThreadLoadDll(e *Engine, ev *event.Event) (string, bool) {
	before := ev.Seq
	for {
		crt, ok := e.history.FindLast("CreateRemoteThread", before, same(ev.Params, params.ProcessID))
		if !ok {
			return "", false
		}
		wpm, ok := e.history.FindLast("WriteProcessMemory", crt.Seq, same(crt.Params, params.ProcessHandle))
		if ok {
			e.history.Remove(wpm.Seq)
			e.history.Remove(crt.Seq)
			return config.ChainWriteThreadLoadDll, true
		}
		before = crt.Seq
	}
}

// same matches history entries carrying the same argument value as pars.
func same(pars event.Params, name string) func(history.Entry) bool {
	return func(entry history.Entry) bool {
		return entry.Params.Equal(name, pars, name)
	}
}
