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
	"errors"
	"testing"

	"github.com/rabbitstack/sandtrap/pkg/event/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// AddParamListener receives the event and appends a parameter to it
type AddParamListener struct {
	mock.Mock
}

func (l *AddParamListener) ProcessEvent(e *Event) (bool, error) {
	args := l.Called(e)
	e.Params.Append(params.FileName, "C:\\Windows\\notepad.exe")
	return args.Bool(0), args.Error(1)
}

var ErrCantEnqueue = errors.New("cannot push event into the queue")

func TestQueuePush(t *testing.T) {
	var tests = []struct {
		name       string
		err        error
		enqueue    bool
		isEnqueued bool
	}{
		{"push event ok", nil, true, true},
		{"listener stops the journey", nil, false, false},
		{"listener fails", ErrCantEnqueue, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue(10)
			l := &AddParamListener{}
			l.On("ProcessEvent", mock.Anything).Return(tt.enqueue, tt.err)
			q.RegisterListener(l)

			e := NewCall(Context{Index: 12, Status: 1, Tid: 2484}, "NtCreateFile", Filesystem, nil)
			require.ErrorIs(t, q.Push(e), tt.err)
			l.AssertNumberOfCalls(t, "ProcessEvent", 1)

			if tt.isEnqueued {
				ev := <-q.Events()
				require.NotNil(t, ev)
				assert.True(t, ev.Params.Contains(params.FileName))
			} else {
				assert.Len(t, q.Events(), 0)
			}
		})
	}
}
