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
	"fmt"

	"github.com/rabbitstack/sandtrap/pkg/event"
	"github.com/rabbitstack/sandtrap/pkg/util/bytes"
	"github.com/rabbitstack/sandtrap/pkg/util/filetime"
)

// Encoder produces legacy protocol frames. The agent is the only real
// producer of the stream, so the encoder mostly serves replays of synthetic
// sessions and tests.
type Encoder struct {
	b []byte
}

// Bytes returns the encoded stream.
func (e *Encoder) Bytes() []byte { return e.b }

// Reset discards the encoded stream.
func (e *Encoder) Reset() { e.b = e.b[:0] }

func (e *Encoder) header(ctx event.Context) {
	e.b = append(e.b, uint8(ctx.Index), uint8(ctx.Status))
	e.b = bytes.AppendUint32(e.b, ctx.ReturnValue)
	e.b = bytes.AppendUint32(e.b, ctx.Tid)
	e.b = bytes.AppendUint32(e.b, ctx.Timestamp)
}

// Process encodes the process creation message.
func (e *Encoder) Process(ctx event.Context, ft uint64, pid, ppid uint32, path string) {
	ctx.Index = 0
	e.header(ctx)
	low, high := filetime.Split(ft)
	e.b = bytes.AppendUint32(e.b, low)
	e.b = bytes.AppendUint32(e.b, high)
	e.b = bytes.AppendUint32(e.b, pid)
	e.b = bytes.AppendUint32(e.b, ppid)
	e.String(path, uint32(len(path)))
}

// Thread encodes the thread creation message.
func (e *Encoder) Thread(ctx event.Context, pid uint32) {
	ctx.Index = 1
	e.header(ctx)
	e.b = bytes.AppendUint32(e.b, pid)
}

// Call encodes the API call message. Arguments are encoded by the format
// letters of the API found at the context index.
func (e *Encoder) Call(ctx event.Context, args ...any) error {
	api, ok := Lookup(uint8(ctx.Index))
	if !ok {
		return fmt.Errorf("no API at index %d", ctx.Index)
	}
	e.header(ctx)
	format := ExpandFormat(api.Format)
	var n int
	for i := 0; i < len(format); i++ {
		kind := KindOf(format[i])
		if kind == Unrecognized {
			continue
		}
		if n >= len(args) {
			return fmt.Errorf("%s: missing argument %d", api.Name, n)
		}
		if err := e.field(kind, args[n]); err != nil {
			return fmt.Errorf("%s: %v", api.Name, err)
		}
		n++
	}
	return nil
}

// Uint32 appends a raw 32-bit integer.
func (e *Encoder) Uint32(v uint32) { e.b = bytes.AppendUint32(e.b, v) }

// String appends a length-prefixed string with the given max length.
func (e *Encoder) String(s string, maxLength uint32) {
	e.b = bytes.AppendUint32(e.b, uint32(len(s)))
	e.b = bytes.AppendUint32(e.b, maxLength)
	e.b = append(e.b, s...)
}

func (e *Encoder) field(kind FieldKind, v any) error {
	switch kind {
	case String:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		e.String(s, uint32(len(s)))
	case Buffer:
		b, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("expected buffer, got %T", v)
		}
		e.String(string(b), uint32(len(b)))
	case Int32, Pointer:
		n, ok := event.ToUint64(v)
		if !ok {
			return fmt.Errorf("expected integer, got %T", v)
		}
		e.Uint32(uint32(n))
	case Argv:
		argv, ok := v.([]string)
		if !ok {
			return fmt.Errorf("expected argv, got %T", v)
		}
		e.Uint32(uint32(len(argv)))
		for _, s := range argv {
			e.String(s, uint32(len(s)))
		}
	case Registry:
		switch r := v.(type) {
		case string:
			e.Uint32(regSz)
			e.String(r, uint32(len(r)))
		case uint32:
			e.Uint32(regDwordLittleEndian)
			e.Uint32(r)
		default:
			return fmt.Errorf("unsupported registry value %T", v)
		}
	}
	return nil
}
