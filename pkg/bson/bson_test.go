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
	stdbytes "bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	kerrors "github.com/rabbitstack/sandtrap/pkg/errors"
	"github.com/rabbitstack/sandtrap/pkg/event"
	"github.com/rabbitstack/sandtrap/pkg/event/params"
	"github.com/rabbitstack/sandtrap/pkg/util/bytes"
	"github.com/rabbitstack/sandtrap/pkg/util/filetime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func stream(t *testing.T, docs ...bson.D) *stdbytes.Reader {
	var buf stdbytes.Buffer
	for _, doc := range docs {
		b, err := bson.Marshal(doc)
		require.NoError(t, err)
		buf.Write(b)
	}
	return stdbytes.NewReader(buf.Bytes())
}

func info(index int32, name, category string, args ...any) bson.D {
	return bson.D{{Key: "type", Value: "info"}, {Key: "I", Value: index}, {Key: "name", Value: name}, {Key: "category", Value: category}, {Key: "args", Value: bson.A(args)}}
}

func call(index int32, args ...any) bson.D {
	return bson.D{{Key: "type", Value: "call"}, {Key: "I", Value: index}, {Key: "T", Value: int32(2484)}, {Key: "t", Value: int32(300)}, {Key: "args", Value: bson.A(args)}}
}

func TestConverters(t *testing.T) {
	assert.Equal(t, int64(0xFFFFFFFF), Normalize(int32(-1)))
	assert.Equal(t, int64(5), Normalize(int32(5)))
	assert.Equal(t, int64(5), Normalize(int64(5)))
	assert.Equal(t, "calc.exe", Normalize("calc.exe"))
	assert.Equal(t, []byte("MZ"), Normalize(primitive.Binary{Data: []byte("MZ")}))
	assert.Equal(t, "0xffffffff", Pointer(int32(-1)))
	assert.Equal(t, "0x00000005", Pointer(int32(5)))
}

func TestInfoAndCall(t *testing.T) {
	r := stream(t,
		info(5, "VirtualProtectEx", "process", bson.A{"ProcessHandle", "p"}, bson.A{"Address", "p"}, "Size", "Protection", "ProcessId", "CurrentProcessId", "is_success", "retval"),
		bson.D{{Key: "type", Value: "debug"}, {Key: "msg", Value: "hello"}},
		append(call(5, int32(0x1c), int32(-0x7ff00000), int32(4096), int32(0x40), int32(1337), int32(2048), int32(0), int32(-1)),
			bson.E{Key: "aux", Value: bson.D{{Key: "Stack", Value: "kernel32.dll+0x1234"}}}),
	)
	p := NewParser(r, nil, 0)

	e, err := p.ReadNextMessage()
	require.NoError(t, err)
	require.Equal(t, 1, p.Schema().Len())
	assert.Equal(t, "VirtualProtectEx", e.Name)
	assert.Equal(t, event.Process, e.Category)
	assert.Equal(t, int32(5), e.Context.Index)
	assert.Equal(t, uint32(2484), e.Context.Tid)
	assert.False(t, e.Context.IsSuccess())
	assert.Equal(t, uint32(0xFFFFFFFF), e.Context.ReturnValue)
	assert.False(t, e.Params.Contains(params.IsSuccess))
	assert.False(t, e.Params.Contains(params.Retval))
	assert.Equal(t, "ProcessHandle=0x0000001c, Address=0x80100000, Size=4096, Protection=64, ProcessId=1337, CurrentProcessId=2048, Stack=kernel32.dll+0x1234", e.Params.String())

	_, err = p.ReadNextMessage()
	assert.Equal(t, io.EOF, err)
}

func TestCategoryFallback(t *testing.T) {
	s := NewSchema()
	entry := s.Register(1, "NtCreateMutant", "", bson.A{"Handle", bson.A{"MutexName", "x"}})
	assert.Equal(t, event.Synchronization, entry.Category)
	assert.Equal(t, []string{"Handle", "MutexName"}, entry.ArgNames)
	assert.Equal(t, int64(5), entry.Converters[1](int32(5)))

	entry = s.Register(2, "SomethingNew", "", nil)
	assert.Equal(t, event.Unknown, entry.Category)
}

func TestDroppedMessagesAreRecoverable(t *testing.T) {
	r := stream(t,
		call(9, int32(1)),
		info(9, "NtCreateMutant", "synchronization", "Handle", "MutexName", "InitialOwner"),
		call(9, int32(1)),
		call(9, int32(0x20), "Global\\evil", int32(1)),
	)
	p := NewParser(r, nil, 0)

	_, err := p.ReadNextMessage()
	assert.Equal(t, kerrors.ErrSchemaMissing, errors.Cause(err))
	assert.True(t, kerrors.IsRecoverable(err))

	_, err = p.ReadNextMessage()
	assert.Equal(t, kerrors.ErrArgumentCountMismatch, errors.Cause(err))

	e, err := p.ReadNextMessage()
	require.NoError(t, err)
	assert.Equal(t, "Global\\evil", e.Params[1].Value)
	assert.True(t, e.Context.IsSuccess())
	assert.Equal(t, uint32(0), e.Context.ReturnValue)
}

func TestMessageTooLarge(t *testing.T) {
	b := bytes.AppendUint32(nil, MaxMessageLength+1)
	p := NewParser(stdbytes.NewReader(b), nil, 0)
	_, err := p.ReadNextMessage()
	assert.Equal(t, kerrors.ErrMessageTooLarge, errors.Cause(err))
	assert.True(t, kerrors.IsSessionFatal(err))

	_, err = NewParser(stdbytes.NewReader(bytes.AppendUint32(nil, 3)), nil, 0).ReadNextMessage()
	assert.Equal(t, kerrors.ErrProtocolDesync, errors.Cause(err))
}

func TestProcessAndThreadCalls(t *testing.T) {
	low, high := filetime.Split(filetime.FromUnix(1600000000))
	r := stream(t,
		info(0, "__process__", "", "TimeLow", "TimeHigh", "ProcessIdentifier", "ParentProcessIdentifier", "ModulePath"),
		info(1, "__thread__", "", "ProcessIdentifier"),
		call(0, int64(low), int64(high), int32(1337), int32(4), `C:\Temp\sample.exe`),
		call(1, int32(1337)),
		bson.D{{Key: "type", Value: "new_process"}, {Key: "starttime", Value: int64(1600000000)}, {Key: "name", Value: "explorer.exe"}},
	)
	p := NewParser(r, nil, 0)

	e, err := p.ReadNextMessage()
	require.NoError(t, err)
	assert.Equal(t, event.KindProcess, e.Kind)
	assert.Equal(t, "sample.exe", e.ProcessName)
	assert.Equal(t, uint32(1337), e.PID)
	assert.Equal(t, int64(1600000000), e.Time.Unix())

	e, err = p.ReadNextMessage()
	require.NoError(t, err)
	assert.Equal(t, event.KindThread, e.Kind)
	assert.Equal(t, uint32(1337), e.PID)

	e, err = p.ReadNextMessage()
	require.NoError(t, err)
	assert.Equal(t, event.KindProcess, e.Kind)
	assert.Equal(t, "explorer.exe", e.ProcessName)
	assert.Equal(t, "DUMMY", e.ModulePath)
	assert.Equal(t, uint32(0), e.PPID)
}

func TestWriteProcessMemoryBufferHex(t *testing.T) {
	r := stream(t,
		info(3, "WriteProcessMemory", "process", "ProcessHandle", "BaseAddress", "Buffer", "ProcessId", "CurrProcessId"),
		call(3, int32(0x1c), int32(0x400000), primitive.Binary{Data: []byte{0x4d, 0x5a, 0x90}}, int32(1337), int32(2048)),
	)
	e, err := NewParser(r, nil, 0).ReadNextMessage()
	require.NoError(t, err)
	buf, err := e.Params.GetString(params.Buffer)
	require.NoError(t, err)
	assert.Equal(t, "4d5a90", buf)
}

func TestProcessTimeOutOfRangeEndsSession(t *testing.T) {
	r := stream(t,
		info(0, "__process__", "", "TimeLow", "TimeHigh", "ProcessIdentifier", "ParentProcessIdentifier", "ModulePath"),
		info(1, "__thread__", "", "ProcessIdentifier"),
		call(0, int64(0xffffffff), int64(0xffffffff), int32(1337), int32(4), `C:\Temp\sample.exe`),
		call(1, int32(1337)),
	)
	p := NewParser(r, nil, 0)

	_, err := p.ReadNextMessage()
	require.Error(t, err)
	assert.Equal(t, kerrors.ErrProtocolDesync, errors.Cause(err))
	assert.True(t, kerrors.IsSessionFatal(err))
	assert.False(t, kerrors.IsRecoverable(err))

	// the thread message is never decoded
	e, err := p.ReadNextMessage()
	assert.Nil(t, e)
	assert.True(t, kerrors.IsSessionFatal(err))
}

func TestNewProcessStartTimeOutOfRange(t *testing.T) {
	r := stream(t, bson.D{{Key: "type", Value: "new_process"}, {Key: "starttime", Value: 1e300}, {Key: "name", Value: "explorer.exe"}})
	_, err := NewParser(r, nil, 0).ReadNextMessage()
	assert.Equal(t, kerrors.ErrProtocolDesync, errors.Cause(err))
}

func TestSuccessValueKeptAsReceived(t *testing.T) {
	r := stream(t,
		info(4, "NtClose", "system", "Handle", "is_success", "retval"),
		call(4, int32(0x20), int32(5), int32(-0x3ffffff8)),
		info(5, "NtDelayExecution", "system", "Milliseconds"),
		call(5, int32(1000)),
	)
	p := NewParser(r, nil, 0)

	e, err := p.ReadNextMessage()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), e.Context.Status)
	assert.True(t, e.Context.IsSuccess())
	assert.Equal(t, uint32(0xc0000008), e.Context.ReturnValue)

	e, err = p.ReadNextMessage()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), e.Context.Status)
}
