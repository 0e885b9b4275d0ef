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

package forensics

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rabbitstack/sandtrap/pkg/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	plugin string
	image  string
	opts   map[string]any
}

func fakeTool(outputs map[string]string, calls *[]call) Tool {
	return ToolFunc(func(ctx context.Context, plugin, image string, opts map[string]any) ([]byte, error) {
		*calls = append(*calls, call{plugin, image, opts})
		out, ok := outputs[plugin]
		if !ok {
			return nil, errors.Errorf("unknown plugin %s", plugin)
		}
		return []byte(out), nil
	})
}

func TestClient(t *testing.T) {
	var calls []call
	c := NewClient(fakeTool(map[string]string{
		"malfind":     `{"data": [{"process_id": 1337, "vad_start": "0x80000"}]}`,
		"patcher":     `{"data": [{"offset": 4096}, {"offset": "0x2000"}]}`,
		"heapentropy": `{"data": [{"entropy": 7.42}]}`,
		"readmem":     `{"data": [{"data": "5589e5"}]}`,
		"threads":     `{"data": []}`,
	}, &calls), "/dumps/infected.vmem")
	ctx := context.Background()

	recs, err := c.Malfind(ctx, MalfindRequest{PID: 1337, Address: 0x80000, DumpDir: "/artifacts/malfinds"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "malfind", calls[0].plugin)
	assert.Equal(t, "/dumps/infected.vmem", calls[0].image)
	assert.Equal(t, "/artifacts/malfinds", calls[0].opts["dump_dir"])
	assert.Equal(t, true, calls[0].opts["ignore_protect"])

	_, err = c.Malfind(ctx, MalfindRequest{PID: 1337, Address: 0x80000})
	require.NoError(t, err)
	assert.NotContains(t, calls[1].opts, "dump_dir")

	offsets, err := c.PatchOffsets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4096, 0x2000}, offsets)

	entropy, err := c.HeapEntropy(ctx, 1337)
	require.NoError(t, err)
	assert.InDelta(t, 7.42, entropy, 0.0001)

	mem, err := c.ReadMemory(ctx, 1337, 0x401000, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x55, 0x89, 0xe5}, mem)

	_, err = c.Threads(ctx, 1337)
	require.NoError(t, err)

	_, err = c.DLLDump(ctx, DLLDumpRequest{PID: 4})
	assert.Error(t, err)
}

func TestClientEmptyResult(t *testing.T) {
	var calls []call
	c := NewClient(fakeTool(map[string]string{"heapentropy": `{"data": []}`}, &calls), "infected.vmem")
	_, err := c.HeapEntropy(context.Background(), 1)
	assert.Equal(t, ErrEmptyResult, errors.Cause(err))
}

func TestProvider(t *testing.T) {
	var calls []call
	p := NewProvider(fakeTool(map[string]string{"pslist": `{"data": [{"process_id": 4}]}`}, &calls))
	r := snapshot.NewResolver(p)

	s := snapshot.New("/dumps/clean.vmem")
	_, err := r.Resolve(context.Background(), s, []string{"pslist"}, map[string]any{"verbose": true})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "/dumps/clean.vmem", calls[0].image)
	assert.Len(t, s.Records("pslist"), 1)

	_, err = r.Resolve(context.Background(), snapshot.New(""), []string{"pslist"}, nil)
	assert.Error(t, err)
}

func TestCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "vol")
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
if [ "$1" = "pslist" ]; then
  echo '{"data": [{"process_id": 4, "image": "'"$2"'"}]}'
  exit 0
fi
echo "no such plugin $1" >&2
exit 1
`), 0755))

	cmd := NewCommand(script, time.Second*10)
	out, err := cmd.Run(context.Background(), "pslist", "/dumps/clean.vmem", map[string]any{"verbose": true})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"image": "/dumps/clean.vmem"`)

	_, err = cmd.Run(context.Background(), "ssdt", "/dumps/clean.vmem", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such plugin ssdt")
}
