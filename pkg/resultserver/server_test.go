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

package resultserver

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/rabbitstack/sandtrap/pkg/capture"
	"github.com/rabbitstack/sandtrap/pkg/config"
	"github.com/rabbitstack/sandtrap/pkg/event"
	"github.com/rabbitstack/sandtrap/pkg/netlog"
	"github.com/rabbitstack/sandtrap/pkg/session"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConfig(t *testing.T, maxConns int) *config.Config {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	return &config.Config{
		TriggeredDumps: true,
		Triggers:       config.TriggersConfig{Rules: config.DefaultTriggerRules()},
		Session:        config.SessionConfig{Protocol: config.ProtocolAuto, Correlate: true, HistorySize: 16, QueueSize: 8},
		ResultServer: config.ResultServerConfig{
			Address:        fmt.Sprintf("127.0.0.1:%d", port),
			MaxConnections: maxConns,
		},
	}
}

func mutantStream(t *testing.T) []byte {
	var enc netlog.Encoder
	idx, ok := netlog.IndexOf("NtCreateMutant")
	require.True(t, ok)
	require.NoError(t, enc.Call(event.Context{Index: int32(idx), Status: 1, Tid: 300}, uint32(0x20), `Global\evil`, uint32(1)))
	return append([]byte("NETLOG\n"), enc.Bytes()...)
}

func serve(t *testing.T, s *Server) (context.CancelFunc, chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()
	require.Eventually(t, func() bool { return s.Addr() != nil }, time.Second*5, time.Millisecond*10)
	return cancel, done
}

func TestServeSessions(t *testing.T) {
	c := newConfig(t, 4)
	fs := afero.NewMemMapFs()
	c.ResultServer.CaptureDir = "/captures"
	s := New(c, WithFs(fs))
	cancel, done := serve(t, s)

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", c.ResultServer.Address)
		require.NoError(t, err)
		_, err = conn.Write(mutantStream(t))
		require.NoError(t, err)
		require.NoError(t, conn.Close())
	}

	require.Eventually(t, func() bool { return s.finished.size() == 2 }, time.Second*5, time.Millisecond*10)
	sessions := s.Sessions()
	require.Len(t, sessions, 2)
	for _, st := range sessions {
		assert.Equal(t, config.ProtocolNetlog, st.Protocol)
		assert.Equal(t, uint64(1), st.Events)
		require.Len(t, st.Firings, 1)
		assert.Equal(t, "NtCreateMutant", st.Firings[0].Name)
		ok, err := afero.Exists(fs, "/captures/"+st.ID+capture.Extension)
		require.NoError(t, err)
		assert.True(t, ok)

		got, ok := s.Session(st.ID)
		require.True(t, ok)
		assert.Equal(t, st.ID, got.ID)
	}
	assert.NotEqual(t, sessions[0].ID, sessions[1].ID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second * 5):
		t.Fatal("server didn't stop")
	}
}

func TestCancelStopsRunningSessions(t *testing.T) {
	c := newConfig(t, 4)
	s := New(c, WithFs(afero.NewMemMapFs()))
	cancel, done := serve(t, s)

	conn, err := net.Dial("tcp", c.ResultServer.Address)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("BSON\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(s.Sessions()) == 1 }, time.Second*5, time.Millisecond*10)
	assert.False(t, s.Release(s.Sessions()[0].ID))
	assert.Equal(t, 0, s.ReleaseAll())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second * 5):
		t.Fatal("server didn't stop")
	}
	assert.Equal(t, 1, s.finished.size())
}

func TestMaxConnections(t *testing.T) {
	c := newConfig(t, 1)
	s := New(c, WithFs(afero.NewMemMapFs()))
	cancel, done := serve(t, s)
	defer func() {
		cancel()
		<-done
	}()

	first, err := net.Dial("tcp", c.ResultServer.Address)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return len(s.Sessions()) == 1 }, time.Second*5, time.Millisecond*10)

	second, err := net.Dial("tcp", c.ResultServer.Address)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(time.Second*5)))
	_, err = second.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Len(t, s.Sessions(), 1)
}

func TestBacklogEviction(t *testing.T) {
	b := newBacklog(2)
	for _, id := range []string{"a", "b", "c"} {
		b.put(session.Stats{ID: id})
	}
	l := b.list()
	require.Len(t, l, 2)
	assert.Equal(t, "b", l[0].ID)
	assert.Equal(t, "c", l[1].ID)
	_, ok := b.get("a")
	assert.False(t, ok)
}
