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

package bson

import (
	"fmt"
	"sync"

	"github.com/rabbitstack/sandtrap/pkg/event"
	"github.com/rabbitstack/sandtrap/pkg/netlog"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

// SchemaEntry describes the arguments of the API registered under some index.
type SchemaEntry struct {
	// Name is the API name.
	Name string
	// Category is the category reported by the agent or derived from the legacy table.
	Category event.Category
	// ArgNames are the argument names in wire order.
	ArgNames []string
	// Converters contains one converter per argument.
	Converters []Converter
}

// Schema holds the argument schemas explained by the agent during the session.
// Entries are only ever added or replaced.
type Schema struct {
	mu      sync.RWMutex
	entries map[int64]*SchemaEntry
}

// NewSchema creates an empty schema registry.
func NewSchema() *Schema {
	return &Schema{entries: make(map[int64]*SchemaEntry)}
}

// Register parses the info message payload and stores the entry under the index.
func (s *Schema) Register(index int64, name, category string, args bson.A) *SchemaEntry {
	cat := event.Category(category)
	if category == "" {
		// older agents don't export the category
		if c, ok := netlog.CategoryOf(name); ok {
			cat = c
		} else {
			cat = event.Unknown
		}
	}
	entry := &SchemaEntry{
		Name:       name,
		Category:   cat,
		ArgNames:   make([]string, 0, len(args)),
		Converters: make([]Converter, 0, len(args)),
	}
	for _, arg := range args {
		argName, conv := descriptor(arg)
		entry.ArgNames = append(entry.ArgNames, argName)
		entry.Converters = append(entry.Converters, conv)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[index] = entry
	return entry
}

// Lookup returns the schema entry for the index.
func (s *Schema) Lookup(index int64) (*SchemaEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[index]
	return e, ok
}

// Len returns the number of registered schemas.
func (s *Schema) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// descriptor resolves the argument name and its converter. The descriptor
// is either the bare argument name or the [name, type] pair.
func descriptor(arg any) (string, Converter) {
	pair, ok := arg.(bson.A)
	if !ok {
		return fmt.Sprintf("%v", arg), Normalize
	}
	if len(pair) == 0 {
		return "", Normalize
	}
	name := fmt.Sprintf("%v", pair[0])
	if len(pair) < 2 {
		return name, Normalize
	}
	typ := fmt.Sprintf("%v", pair[1])
	conv, ok := converters[typ]
	if !ok {
		log.Debugf("agent sent unknown format specifier %q for argument %s", typ, name)
		return name, Normalize
	}
	return name, conv
}
