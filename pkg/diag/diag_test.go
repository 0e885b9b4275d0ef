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

package diag

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	kerrors "github.com/rabbitstack/sandtrap/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockController struct {
	mock.Mock
}

func (m *mockController) Suspend() error { return m.Called().Error(0) }
func (m *mockController) Resume() error  { return m.Called().Error(0) }

func waitSuspended(t *testing.T, s *Session) {
	require.Eventually(t, s.Suspended, time.Second, time.Millisecond)
}

func TestEnterRelease(t *testing.T) {
	ctrl := new(mockController)
	ctrl.On("Suspend").Return(nil).Once()
	ctrl.On("Resume").Return(nil).Once()
	s := NewSession(ctrl, 0)

	done := make(chan error, 1)
	go func() { done <- s.Enter(context.Background(), Breakpoint) }()
	waitSuspended(t, s)

	assert.Equal(t, kerrors.ErrSessionAlreadySuspended, s.Enter(context.Background(), Volshell))

	assert.True(t, s.Release())
	require.NoError(t, <-done)
	assert.False(t, s.Suspended())
	assert.False(t, s.Release())
	ctrl.AssertExpectations(t)
}

func TestEnterTimeout(t *testing.T) {
	ctrl := new(mockController)
	ctrl.On("Suspend").Return(nil)
	ctrl.On("Resume").Return(nil)
	s := NewSession(ctrl, 20*time.Millisecond)

	err := s.Enter(context.Background(), Volshell)
	assert.Equal(t, kerrors.ErrSuspendTimeout, err)
	assert.False(t, s.Suspended())
	ctrl.AssertNumberOfCalls(t, "Resume", 1)
}

func TestEnterCancelled(t *testing.T) {
	s := NewSession(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Enter(ctx, Breakpoint) }()
	waitSuspended(t, s)
	cancel()
	assert.Equal(t, context.Canceled, <-done)
	assert.False(t, s.Suspended())
}

func TestEnterSuspendFailure(t *testing.T) {
	ctrl := new(mockController)
	ctrl.On("Suspend").Return(errors.New("domain not running"))
	s := NewSession(ctrl, 0)

	require.Error(t, s.Enter(context.Background(), Breakpoint))
	assert.False(t, s.Suspended())
	ctrl.AssertNotCalled(t, "Resume")
}

func TestArmBreakpoints(t *testing.T) {
	s := NewSession(nil, 0)
	s.ArmBreakpoint("NtCreateMutant")
	s.ArmBreakpoint("socket")
	s.ArmVolshellBreakpoint("ZwLoadDriver")

	assert.Equal(t, []string{"ntcreatemutant", "socket"}, s.Breakpoints())
	assert.Equal(t, []string{"zwloaddriver"}, s.VolshellBreakpoints())
	assert.True(t, s.IsArmed(Breakpoint, "NTCREATEMUTANT"))
	assert.False(t, s.IsArmed(Volshell, "socket"))
	assert.True(t, s.IsArmed(Volshell, "ZwLoadDriver"))
}

func TestWatchMarker(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewSession(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// stale marker while running is left untouched
	require.NoError(t, afero.WriteFile(fs, "/tmp/marker", nil, 0o644))
	go s.WatchMarker(ctx, fs, "/tmp/marker", time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	ok, err := afero.Exists(fs, "/tmp/marker")
	require.NoError(t, err)
	assert.True(t, ok)

	var released atomic.Bool
	go func() {
		_ = s.Enter(ctx, Volshell)
		released.Store(true)
	}()
	require.Eventually(t, released.Load, time.Second, time.Millisecond)

	ok, err = afero.Exists(fs, "/tmp/marker")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWatchMarkerIgnoresBreakpoints(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewSession(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Enter(ctx, Breakpoint) }()
	waitSuspended(t, s)
	require.Eventually(t, func() bool { return s.SuspendedFor(Breakpoint) }, time.Second, time.Millisecond)
	assert.False(t, s.SuspendedFor(Volshell))

	require.NoError(t, afero.WriteFile(fs, "/tmp/marker", nil, 0o644))
	go s.WatchMarker(ctx, fs, "/tmp/marker", time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.True(t, s.Suspended())
	ok, err := afero.Exists(fs, "/tmp/marker")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, s.Release())
	require.NoError(t, <-done)
}
