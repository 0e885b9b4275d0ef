/*
 * Copyright 2021-2022 by Nedim Sabic Sabic
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

package netlog

import (
	"github.com/rabbitstack/sandtrap/pkg/event"
)

// API describes how the arguments of a hooked API are laid out on the wire.
type API struct {
	// Name is the API name.
	Name string
	// Category is the category (module group) the API belongs to.
	Category event.Category
	// Format is the compact format string. See ExpandFormat.
	Format string
	// Args are the argument names, one per expanded format letter.
	Args []string
}

// Table is the frozen API table of the legacy protocol. The position
// in the table is the API index sent on the wire. Indices 0 and 1 are
// reserved for process and thread creation messages.
var Table = []API{
	{Name: "__process__", Category: event.Process},
	{Name: "__thread__", Category: event.Thread},
	{"NtCreateFile", event.Filesystem, "p2ls", []string{"FileHandle", "DesiredAccess", "CreateDisposition", "FileName"}},
	{"NtOpenFile", event.Filesystem, "pls", []string{"FileHandle", "DesiredAccess", "FileName"}},
	{"NtReadFile", event.Filesystem, "pb", []string{"FileHandle", "Buffer"}},
	{"NtWriteFile", event.Filesystem, "pb", []string{"FileHandle", "Buffer"}},
	{"NtDeleteFile", event.Filesystem, "s", []string{"FileName"}},
	{"MoveFileWithProgressW", event.Filesystem, "2S", []string{"ExistingFileName", "NewFileName"}},
	{"RegOpenKeyExA", event.Registry, "psp", []string{"Registry", "SubKey", "Handle"}},
	{"RegSetValueExA", event.Registry, "psir", []string{"Handle", "ValueName", "Type", "Buffer"}},
	{"RegQueryValueExA", event.Registry, "psr", []string{"Handle", "ValueName", "Data"}},
	{"RegCreateKeyExA", event.Registry, "psp", []string{"Registry", "SubKey", "Handle"}},
	{"NtCreateProcess", event.Process, "plp", []string{"ProcessHandle", "DesiredAccess", "ParentHandle"}},
	{"CreateProcessInternalW", event.Process, "SS3i2p", []string{"ApplicationName", "CommandLine", "CreationFlags", "ProcessId", "ThreadId", "ProcessHandle", "ThreadHandle"}},
	{"ShellExecuteExW", event.Process, "Sal", []string{"FilePath", "Parameters", "Show"}},
	{"VirtualProtectEx", event.Process, "ppip2i", []string{"ProcessHandle", "Address", "Size", "Protection", "ProcessId", "CurrentProcessId"}},
	{"WriteProcessMemory", event.Process, "ppb2i", []string{"ProcessHandle", "BaseAddress", "Buffer", "ProcessId", "CurrProcessId"}},
	{"CreateRemoteThread", event.Process, "3p2i", []string{"ProcessHandle", "StartRoutine", "Parameter", "ProcessId", "ThreadId"}},
	{"NtSetContextThread", event.Thread, "p2i", []string{"ThreadHandle", "ProcessId", "ThreadId"}},
	{"NtResumeThread", event.Thread, "p3i", []string{"ThreadHandle", "SuspendCount", "ProcessId", "ThreadId"}},
	{"LdrLoadDll", event.System, "iSpi", []string{"Flags", "FileName", "BaseAddress", "ProcessId"}},
	{"ZwLoadDriver", event.System, "S", []string{"DriverServiceName"}},
	{"StartServiceA", event.Services, "pa", []string{"ServiceHandle", "Arguments"}},
	{"StartServiceW", event.Services, "pA", []string{"ServiceHandle", "Arguments"}},
	{"OpenSCManagerA", event.Services, "2sl", []string{"MachineName", "DatabaseName", "DesiredAccess"}},
	{"CreateServiceA", event.Services, "p3s", []string{"ServiceControlHandle", "ServiceName", "DisplayName", "BinaryPathName"}},
	{"NtCreateMutant", event.Synchronization, "pSi", []string{"Handle", "MutexName", "InitialOwner"}},
	{"NtOpenMutant", event.Synchronization, "pS", []string{"Handle", "MutexName"}},
	{"SetWindowsHookExA", event.Hooking, "i2pi", []string{"HookIdentifier", "ProcedureAddress", "ModuleAddress", "ThreadId"}},
	{"SetWindowsHookExW", event.Hooking, "i2pi", []string{"HookIdentifier", "ProcedureAddress", "ModuleAddress", "ThreadId"}},
	{"UnhookWindowsHookEx", event.Hooking, "p", []string{"HookHandle"}},
	{"SetWinEventHook", event.Hooking, "2i2p3i", []string{"EventMin", "EventMax", "ModuleHandle", "Procedure", "ProcessId", "ThreadId", "Flags"}},
	{"socket", event.Network, "3i", []string{"af", "type", "protocol"}},
	{"connect", event.Network, "is", []string{"socket", "ip"}},
	{"send", event.Network, "ib", []string{"socket", "buffer"}},
	{"recv", event.Network, "ib", []string{"socket", "buffer"}},
	{"InternetOpenUrlA", event.Network, "psl", []string{"ConnectionHandle", "URL", "Flags"}},
	{"URLDownloadToFileW", event.Network, "2S", []string{"URL", "FileName"}},
	{"NtTerminateProcess", event.Process, "pl", []string{"ProcessHandle", "ExitCode"}},
	{"NtOpenProcess", event.Process, "pll", []string{"ProcessHandle", "DesiredAccess", "ProcessIdentifier"}},
	{"NtAllocateVirtualMemory", event.Process, "pp2l", []string{"ProcessHandle", "BaseAddress", "RegionSize", "Protection"}},
	{"NtQueryValueKey", event.Registry, "pSR", []string{"KeyHandle", "ValueName", "Information"}},
	{"NtDelayExecution", event.System, "l", []string{"Milliseconds"}},
	{"monitorCPU", event.Monitor, "2i", []string{"ProcessId", "Usage"}},
	{"monitorUnpacking", event.Monitor, "ip", []string{"ProcessId", "Address"}},
}

// Lookup returns the API at the given wire index.
func Lookup(index uint8) (API, bool) {
	if int(index) >= len(Table) || index < 2 {
		return API{}, false
	}
	return Table[index], true
}

// CategoryOf resolves the category of the API by its name. Used by the
// self-describing protocol when the agent doesn't export categories.
func CategoryOf(name string) (event.Category, bool) {
	for _, api := range Table {
		if api.Name == name {
			return api.Category, true
		}
	}
	return "", false
}

// IndexOf returns the wire index of the API.
func IndexOf(name string) (uint8, bool) {
	for i, api := range Table {
		if i > 1 && api.Name == name {
			return uint8(i), true
		}
	}
	return 0, false
}
