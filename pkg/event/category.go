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

// Category is the type alias for API categories
type Category string

const (
	// Registry is the category for registry APIs
	Registry Category = "registry"
	// Filesystem is the category for file system APIs
	Filesystem Category = "filesystem"
	// Network is the category for socket and internet APIs
	Network Category = "network"
	// Process is the category for process and memory APIs
	Process Category = "process"
	// Thread is the category for thread APIs
	Thread Category = "threading"
	// Services is the category for service control manager APIs
	Services Category = "services"
	// Synchronization is the category for mutant and event APIs
	Synchronization Category = "synchronization"
	// Hooking is the category for windows hook APIs
	Hooking Category = "hooking"
	// System is the category for driver and system information APIs
	System Category = "system"
	// Monitor is the category for synthetic events produced by the in-guest monitor
	Monitor Category = "monitor"
	// Unknown is the category for APIs that couldn't match any of the previous categories
	Unknown Category = "unknown"
)

// String returns the category name.
func (c Category) String() string { return string(c) }
