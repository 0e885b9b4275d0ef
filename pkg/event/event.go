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

package event

import (
	"fmt"
	"time"
)

// Kind discriminates the three event shapes produced by the decoders.
type Kind uint8

const (
	// KindCall is a regular API call event
	KindCall Kind = iota
	// KindProcess announces a process creation inside the guest
	KindProcess
	// KindThread announces a thread creation inside the guest
	KindThread
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindProcess:
		return "process"
	case KindThread:
		return "thread"
	default:
		return "unknown"
	}
}

// Context is the call context that precedes every message on the wire.
// Decoders may patch IsSuccess and ReturnValue from the argument payload
// before the event is emitted, but never afterwards.
type Context struct {
	// Index is the API index. For the legacy protocol it addresses the static
	// API table, while the self-describing protocol uses it to key the schema.
	Index int32 `json:"index"`
	// Status is the raw success indicator reported by the agent. The legacy
	// protocol carries a single byte, the self-describing one the is_success
	// argument. Any non-zero value means the call succeeded.
	Status uint32 `json:"status"`
	// ReturnValue is the value returned by the API call.
	ReturnValue uint32 `json:"retval"`
	// Tid is the identifier of the calling thread.
	Tid uint32 `json:"tid"`
	// Timestamp is the time delta in milliseconds (legacy) or the agent timestamp (self-describing).
	Timestamp uint32 `json:"timestamp"`
}

// IsSuccess determines if the call succeeded.
func (c Context) IsSuccess() bool { return c.Status != 0 }

// Event is the decoded representation of a single telemetry message.
type Event struct {
	// Seq is monotonically incremented per session.
	Seq uint64 `json:"seq"`
	// Kind is the event shape.
	Kind Kind `json:"kind"`
	// Context is the call context.
	Context Context `json:"context"`
	// Name is the API name for call events.
	Name string `json:"name"`
	// Category is the API category (legacy protocol uses the module name).
	Category Category `json:"category"`
	// Params stores call arguments in wire order.
	Params Params `json:"params"`

	// Time is the creation time of the process for process events.
	Time time.Time `json:"time,omitempty"`
	// PID is the process identifier for process and thread events.
	PID uint32 `json:"pid,omitempty"`
	// PPID is the parent process identifier for process events.
	PPID uint32 `json:"ppid,omitempty"`
	// ModulePath is the executable path of the new process.
	ModulePath string `json:"module_path,omitempty"`
	// ProcessName is the base name of the module path.
	ProcessName string `json:"process_name,omitempty"`
}

// NewCall builds a call event.
func NewCall(ctx Context, name string, category Category, pars Params) *Event {
	return &Event{Kind: KindCall, Context: ctx, Name: name, Category: category, Params: pars}
}

// NewProcess builds a process creation event.
func NewProcess(ctx Context, ts time.Time, pid, ppid uint32, modulePath, procName string) *Event {
	return &Event{
		Kind:        KindProcess,
		Context:     ctx,
		Name:        "__process__",
		Category:    Process,
		Time:        ts,
		PID:         pid,
		PPID:        ppid,
		ModulePath:  modulePath,
		ProcessName: procName,
	}
}

// NewThread builds a thread creation event.
func NewThread(ctx Context, pid uint32) *Event {
	return &Event{Kind: KindThread, Context: ctx, Name: "__thread__", Category: Thread, PID: pid}
}

// IsCall determines if this is an API call event.
func (e *Event) IsCall() bool { return e.Kind == KindCall }

// String returns event's string representation.
func (e *Event) String() string {
	switch e.Kind {
	case KindProcess:
		return fmt.Sprintf("process: pid=%d ppid=%d name=%s path=%s time=%s tid=%d",
			e.PID, e.PPID, e.ProcessName, e.ModulePath, e.Time, e.Context.Tid)
	case KindThread:
		return fmt.Sprintf("thread: pid=%d tid=%d", e.PID, e.Context.Tid)
	}
	return fmt.Sprintf("%s(%s) category=%s success=%t retval=0x%x tid=%d",
		e.Name, e.Params, e.Category, e.Context.IsSuccess(), e.Context.ReturnValue, e.Context.Tid)
}
