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

// Package params holds the argument names the monitor emits and the core relies on.
package params

const (
	// ProcessID is the identifier of the target process.
	ProcessID = "ProcessId"
	// CurrentProcessID is the identifier of the acting process for memory protection calls.
	CurrentProcessID = "CurrentProcessId"
	// CurrProcessID is the identifier of the acting process for memory write calls.
	CurrProcessID = "CurrProcessId"
	// ProcessHandle is the handle of the target process.
	ProcessHandle = "ProcessHandle"
	// ThreadHandle is the handle of the target thread.
	ThreadHandle = "ThreadHandle"
	// ThreadID is the identifier of the target thread.
	ThreadID = "ThreadId"
	// FileName is the path of the file being created or opened.
	FileName = "FileName"
	// Buffer is the data written to the remote process.
	Buffer = "Buffer"
	// BaseAddress is the base address of the written region or loaded module.
	BaseAddress = "BaseAddress"
	// Address is the address of the region whose protection changes.
	Address = "Address"
	// Protection is the new page protection.
	Protection = "Protection"
	// StartRoutine is the start address of the remote thread.
	StartRoutine = "StartRoutine"

	// TimeLow is the low half of the process creation FILETIME.
	TimeLow = "TimeLow"
	// TimeHigh is the high half of the process creation FILETIME.
	TimeHigh = "TimeHigh"
	// ProcessIdentifier is the pid in bookkeeping messages.
	ProcessIdentifier = "ProcessIdentifier"
	// ParentProcessIdentifier is the parent pid in bookkeeping messages.
	ParentProcessIdentifier = "ParentProcessIdentifier"
	// ModulePath is the executable path in bookkeeping messages.
	ModulePath = "ModulePath"

	// IsSuccess carries the call status inside the argument payload.
	IsSuccess = "is_success"
	// Retval carries the return value inside the argument payload.
	Retval = "retval"
)
