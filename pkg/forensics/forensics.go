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

// Package forensics drives the memory forensics tooling that produces facet
// records and the follow-up artifacts of escalated diffs.
package forensics

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rabbitstack/sandtrap/pkg/snapshot"
	"github.com/spf13/cast"
)

// ErrEmptyResult is returned when the plugin yields no records.
var ErrEmptyResult = errors.New("plugin returned no records")

// MalfindRequest scopes the injected code search.
type MalfindRequest struct {
	PID     uint64
	Address uint64
	// DumpDir receives the dumped regions. Empty disables dumping.
	DumpDir string
}

// DLLDumpRequest selects the modules to dump either by base address or by
// the module name pattern.
type DLLDumpRequest struct {
	PID     uint64
	Base    uint64
	Regex   string
	DumpDir string
}

// Forensics runs the targeted analyses against the infected memory image.
type Forensics interface {
	// Malfind looks for the injected region at the address.
	Malfind(ctx context.Context, req MalfindRequest) ([]snapshot.Record, error)
	// Moddump dumps the kernel module at the base address.
	Moddump(ctx context.Context, base uint64, dumpDir string) ([]snapshot.Record, error)
	// DLLDump dumps the process modules.
	DLLDump(ctx context.Context, req DLLDumpRequest) ([]snapshot.Record, error)
	// Threads enumerates the threads of the process.
	Threads(ctx context.Context, pid uint64) ([]snapshot.Record, error)
	// PatchOffsets returns offsets of driver images located by the patcher.
	PatchOffsets(ctx context.Context) ([]uint64, error)
	// HeapEntropy calculates the entropy of the process heap.
	HeapEntropy(ctx context.Context, pid uint64) (float64, error)
	// ReadMemory reads process memory.
	ReadMemory(ctx context.Context, pid, addr uint64, size int) ([]byte, error)
}

// Client implements Forensics by running plugins through the tool.
type Client struct {
	tool  Tool
	image string
}

// NewClient creates the client analyzing the memory image.
func NewClient(tool Tool, image string) *Client {
	return &Client{tool: tool, image: image}
}

func run(ctx context.Context, tool Tool, plugin, image string, opts map[string]any) (*snapshot.Facet, error) {
	b, err := tool.Run(ctx, plugin, image, opts)
	if err != nil {
		return nil, err
	}
	var f snapshot.Facet
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrapf(err, "invalid %s plugin output", plugin)
	}
	if f.Config == nil {
		f.Config = opts
	}
	return &f, nil
}

func (c *Client) records(ctx context.Context, plugin string, opts map[string]any) ([]snapshot.Record, error) {
	f, err := run(ctx, c.tool, plugin, c.image, opts)
	if err != nil {
		return nil, err
	}
	return f.Data, nil
}

func (c *Client) first(ctx context.Context, plugin string, opts map[string]any) (snapshot.Record, error) {
	recs, err := c.records(ctx, plugin, opts)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, errors.Wrap(ErrEmptyResult, plugin)
	}
	return recs[0], nil
}

// Malfind runs the scoped malfind plugin.
func (c *Client) Malfind(ctx context.Context, req MalfindRequest) ([]snapshot.Record, error) {
	opts := map[string]any{
		"pid":            req.PID,
		"address":        req.Address,
		"add_data":       false,
		"ignore_protect": true,
	}
	if req.DumpDir != "" {
		opts["dump_dir"] = req.DumpDir
	}
	return c.records(ctx, "malfind", opts)
}

// Moddump dumps the kernel module.
func (c *Client) Moddump(ctx context.Context, base uint64, dumpDir string) ([]snapshot.Record, error) {
	return c.records(ctx, "moddump", map[string]any{"base": base, "dump_dir": dumpDir})
}

// DLLDump dumps the process modules.
func (c *Client) DLLDump(ctx context.Context, req DLLDumpRequest) ([]snapshot.Record, error) {
	opts := map[string]any{"pid": req.PID, "dump_dir": req.DumpDir}
	if req.Base != 0 {
		opts["base"] = req.Base
	}
	if req.Regex != "" {
		opts["regex"] = req.Regex
	}
	return c.records(ctx, "dlldump", opts)
}

// Threads enumerates process threads.
func (c *Client) Threads(ctx context.Context, pid uint64) ([]snapshot.Record, error) {
	return c.records(ctx, "threads", map[string]any{"pid": pid})
}

// PatchOffsets runs the patcher plugin.
func (c *Client) PatchOffsets(ctx context.Context) ([]uint64, error) {
	recs, err := c.records(ctx, "patcher", nil)
	if err != nil {
		return nil, err
	}
	offsets := make([]uint64, 0, len(recs))
	for _, r := range recs {
		off, err := cast.ToUint64E(r["offset"])
		if err != nil {
			return nil, errors.Wrap(err, "invalid patch offset")
		}
		offsets = append(offsets, off)
	}
	return offsets, nil
}

// HeapEntropy runs the heap entropy plugin.
func (c *Client) HeapEntropy(ctx context.Context, pid uint64) (float64, error) {
	r, err := c.first(ctx, "heapentropy", map[string]any{"pid": pid})
	if err != nil {
		return 0, err
	}
	return cast.ToFloat64E(r["entropy"])
}

// ReadMemory reads the process memory. The plugin reports the bytes hex encoded.
func (c *Client) ReadMemory(ctx context.Context, pid, addr uint64, size int) ([]byte, error) {
	r, err := c.first(ctx, "readmem", map[string]any{"pid": pid, "address": addr, "size": size})
	if err != nil {
		return nil, err
	}
	data, err := cast.ToStringE(r["data"])
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(data)
}

// NewProvider returns the facet provider running the plugin named after
// the facet against the memory image of the snapshot.
func NewProvider(tool Tool) snapshot.Provider {
	return snapshot.ProviderFunc(func(ctx context.Context, s *snapshot.Snapshot, facet string, opts map[string]any) (*snapshot.Facet, error) {
		if s.Source() == "" {
			return nil, errors.Errorf("snapshot %s has no memory image to compute %s from", s.ID(), facet)
		}
		return run(ctx, tool, facet, s.Source(), opts)
	})
}
