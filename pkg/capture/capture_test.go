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

package capture

import (
	stdbytes "bytes"
	"context"
	"io"
	"testing"

	"github.com/rabbitstack/sandtrap/pkg/config"
	"github.com/rabbitstack/sandtrap/pkg/event"
	"github.com/rabbitstack/sandtrap/pkg/netlog"
	"github.com/rabbitstack/sandtrap/pkg/session"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	zstd "github.com/valyala/gozstd"
)

func TestWriteRead(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, err := NewWriter(fs, "/captures/session", config.ProtocolBSON)
	require.NoError(t, err)
	assert.Equal(t, "/captures/session.stcap", w.Filename())

	chunks := [][]byte{[]byte("BSON\n"), stdbytes.Repeat([]byte{0xaa}, 4096), {0x01}}
	for _, c := range chunks {
		n, err := w.Write(c)
		require.NoError(t, err)
		assert.Equal(t, len(c), n)
	}
	st := w.Stats()
	assert.Equal(t, uint64(3), st.ChunksWritten)
	assert.Equal(t, uint64(4102), st.BytesWritten)

	var out stdbytes.Buffer
	w.PrintStats(&out)
	assert.Contains(t, out.String(), "Capture Statistics")
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	_, err = w.Write([]byte{1})
	assert.Error(t, err)

	r, err := NewReader(fs, "/captures/session")
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, config.ProtocolBSON, r.Protocol())
	assert.Contains(t, r.Producer(), "sandtrap/")

	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, stdbytes.Join(chunks, nil), b)
}

func TestReaderMagicMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bogus.stcap", zstd.Compress(nil, []byte("definitely not a capture")), 0o644))
	_, err := NewReader(fs, "/bogus.stcap")
	assert.Equal(t, errMagicMismatch, err)

	_, err = NewReader(fs, "/missing")
	assert.Error(t, err)
}

func TestTeeReplay(t *testing.T) {
	var enc netlog.Encoder
	idx, ok := netlog.IndexOf("NtCreateMutant")
	require.True(t, ok)
	require.NoError(t, enc.Call(event.Context{Index: int32(idx), Status: 1}, uint32(0x40), `Global\evil`, uint32(1)))
	stream := append([]byte("NETLOG\n"), enc.Bytes()...)

	fs := afero.NewMemMapFs()
	w, err := NewWriter(fs, "/captures/tee", config.ProtocolAuto)
	require.NoError(t, err)
	b, err := io.ReadAll(Tee(stdbytes.NewReader(stream), w))
	require.NoError(t, err)
	assert.Equal(t, stream, b)
	require.NoError(t, w.Close())

	r, err := NewReader(fs, "/captures/tee")
	require.NoError(t, err)
	defer r.Close()

	c := &config.Config{
		TriggeredDumps: true,
		Triggers:       config.TriggersConfig{Rules: config.DefaultTriggerRules()},
	}
	var names []string
	s := session.New(r, c, session.WithProtocol(r.Protocol()), session.WithSink(func(e *event.Event) { names = append(names, e.Name) }))
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"NtCreateMutant"}, names)
	require.Len(t, s.Stats().Firings, 1)
}
