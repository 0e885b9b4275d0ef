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

package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rabbitstack/sandtrap/pkg/capture"
	"github.com/rabbitstack/sandtrap/pkg/config"
	"github.com/rabbitstack/sandtrap/pkg/diff"
	"github.com/rabbitstack/sandtrap/pkg/event"
	"github.com/rabbitstack/sandtrap/pkg/forensics"
	"github.com/rabbitstack/sandtrap/pkg/netlog"
	"github.com/rabbitstack/sandtrap/pkg/trigger"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConfig() *config.Config {
	return &config.Config{
		TriggeredDumps: true,
		Session:        config.SessionConfig{Protocol: config.ProtocolAuto, Correlate: true, HistorySize: 16, QueueSize: 8},
		Triggers:       config.TriggersConfig{Rules: config.DefaultTriggerRules(), DumpDir: "/dumps"},
		Escalation:     config.DefaultEscalation(),
		API:            config.APIConfig{Transport: "127.0.0.1:0", Timeout: time.Second * 5},
		Memory: config.MemoryConfig{
			CleanSnapshot:    "/analysis/clean.json",
			InfectedSnapshot: "/analysis/1/infected.yml",
			InfoFile:         "/analysis/1/info.json",
			ArtifactsDir:     "/analysis/1",
			MonitorProcess:   "python.exe",
			MalwareProcess:   "m.exe",
			MalfindName:      "process.dmp",
			ModdumpName:      "driver.sys",
			ModdumpDest:      "driver.sys",
			Facets:           config.DefaultFacets(),
		},
	}
}

func writeSnapshots(t *testing.T, fs afero.Fs) {
	require.NoError(t, afero.WriteFile(fs, "/analysis/clean.json", []byte(`{
  "source": "/images/clean.vmem",
  "facets": {
    "mutantscan": {"data": [{"mutant_name": "ShimCacheMutex", "offset": 4096}]}
  }
}`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/analysis/1/infected.yml", []byte(`
source: /images/infected.vmem
facets:
  mutantscan:
    data:
      - mutant_name: ShimCacheMutex
        offset: 8192
      - mutant_name: Global\evil
        offset: 12288
`), 0o644))
}

func TestAnalysis(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSnapshots(t, fs)
	info := trigger.NewInfo("s1", "NtCreateMutant", event.Params{{Name: "MutexName", Value: `Global\evil`}})
	b, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/analysis/1/info.json", b, 0o644))

	var images []string
	tool := forensics.ToolFunc(func(ctx context.Context, plugin, image string, opts map[string]any) ([]byte, error) {
		if plugin != "pslist" {
			return nil, errors.New("plugin not available")
		}
		images = append(images, image)
		if image == "/images/clean.vmem" {
			return []byte(`{"data": [{"process_id": 4, "process_name": "System"}]}`), nil
		}
		return []byte(`{"data": [{"process_id": 4, "process_name": "System"}, {"process_id": 1337, "process_name": "m.exe"}]}`), nil
	})

	a, err := NewAnalysis(newConfig(), fs, tool)
	require.NoError(t, err)
	require.NotNil(t, a.Info())
	assert.Equal(t, "NtCreateMutant", a.Info().Trigger.Name)

	res := a.Run(context.Background())

	mutants, ok := res["diff_mutants"]
	require.True(t, ok)
	assert.True(t, mutants.Starred())
	require.Len(t, mutants.New, 1)
	assert.Equal(t, `Global\evil`, mutants.New[0]["mutant_name"])
	assert.Empty(t, mutants.Deleted)

	procs, ok := res["diff_processes"]
	require.True(t, ok)
	assert.False(t, procs.Starred())
	require.Len(t, procs.New, 1)
	assert.ElementsMatch(t, []string{"/images/clean.vmem", "/images/infected.vmem"}, images)

	// facets the tool can't compute are left out
	_, ok = res["diff_ssdt"]
	assert.False(t, ok)
	_, ok = res[diff.HeapEntropy]
	assert.True(t, ok)

	path, err := a.WriteReport(res)
	require.NoError(t, err)
	assert.Equal(t, "/analysis/1/"+ReportFile, path)
	report, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(report, &got))
	assert.Contains(t, got, "diff_mutants")
}

func TestAnalysisWithoutTrigger(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSnapshots(t, fs)

	a, err := NewAnalysis(newConfig(), fs, nil)
	require.NoError(t, err)
	assert.Nil(t, a.Info())

	res := a.Run(context.Background())
	mutants, ok := res["diff_mutants"]
	require.True(t, ok)
	assert.False(t, mutants.Starred())
	_, ok = res["diff_processes"]
	assert.False(t, ok)
}

func TestAnalysisMissingSnapshots(t *testing.T) {
	c := newConfig()
	c.Memory.CleanSnapshot = ""
	_, err := NewAnalysis(c, afero.NewMemMapFs(), nil)
	assert.Equal(t, ErrMissingSnapshots, err)

	_, err = NewAnalysis(newConfig(), afero.NewMemMapFs(), nil)
	assert.Error(t, err)
}

func TestReplayCapture(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := newConfig()
	c.CaptureFile = "/captures/session"

	var enc netlog.Encoder
	idx, ok := netlog.IndexOf("NtCreateMutant")
	require.True(t, ok)
	require.NoError(t, enc.Call(event.Context{Index: int32(idx), Status: 1, Tid: 300}, uint32(0x20), `Global\evil`, uint32(1)))

	w, err := capture.NewWriter(fs, c.CaptureFile, config.ProtocolAuto)
	require.NoError(t, err)
	_, err = w.Write(append([]byte("NETLOG\n"), enc.Bytes()...))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	reader, err := capture.NewReader(fs, c.CaptureFile)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{config: c, fs: fs, reader: reader, ctx: ctx, cancel: cancel}
	require.NoError(t, app.ReadCapture())

	done := make(chan struct{})
	go func() {
		app.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second * 10):
		t.Fatal("replay didn't finish")
	}
	require.NoError(t, app.Shutdown())

	dumps, err := afero.ReadDir(fs, "/dumps")
	require.NoError(t, err)
	require.Len(t, dumps, 1)
	info, err := trigger.LoadInfo(fs, "/dumps/"+dumps[0].Name())
	require.NoError(t, err)
	assert.Equal(t, "NtCreateMutant", info.Trigger.Name)
	assert.NotEmpty(t, info.Session)
}

func TestSingleRegistry(t *testing.T) {
	var r single
	assert.Empty(t, r.Sessions())
	assert.Equal(t, 0, r.ReleaseAll())
	assert.False(t, r.Release("x"))
}
