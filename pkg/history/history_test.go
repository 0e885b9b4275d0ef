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

package history

import (
	"testing"

	"github.com/rabbitstack/sandtrap/pkg/event"
	"github.com/rabbitstack/sandtrap/pkg/event/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCall(seq uint64, name string, handle uint32) *event.Event {
	e := event.NewCall(event.Context{Status: 1}, name, event.Process, event.Params{{Name: params.ProcessHandle, Value: handle}})
	e.Seq = seq
	return e
}

func TestHistory(t *testing.T) {
	h := New(3)
	h.Append(newCall(1, "WriteProcessMemory", 0x1c))
	h.Append(newCall(2, "WriteProcessMemory", 0x20))
	h.Append(newCall(3, "CreateRemoteThread", 0x1c))
	require.Equal(t, 3, h.Len())

	e, ok := h.FindLast("WriteProcessMemory", 4, nil)
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.Seq)

	e, ok = h.FindLast("WriteProcessMemory", 4, func(e Entry) bool {
		h, _ := e.Params.GetUint32(params.ProcessHandle)
		return h == 0x1c
	})
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.Seq)

	_, ok = h.FindLast("CreateRemoteThread", 3, nil)
	assert.False(t, ok)

	// oldest entry is evicted
	h.Append(newCall(4, "NtResumeThread", 0x4))
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, uint64(2), h.Snapshot()[0].Seq)

	assert.True(t, h.Remove(3))
	assert.False(t, h.Remove(3))
	assert.Equal(t, 2, h.Len())
}

func TestSnapshotIsCopy(t *testing.T) {
	h := New(0)
	h.Append(newCall(1, "socket", 0))
	s := h.Snapshot()
	s[0].Name = "bind"
	assert.Equal(t, "socket", h.Snapshot()[0].Name)
}
