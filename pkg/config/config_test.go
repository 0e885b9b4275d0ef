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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cfg = `
triggered-dumps: true
session:
  protocol: netlog
  history-size: 128
  suspend-timeout: 30s
triggers:
  consume-two-step-chains: true
  rules:
    NtCreateMutant:
      dump-memory: false
      breakpoint: true
      run-plugins: [handles, mutantscan]
      times: 3
    WriteProcessMemory -> CreateRemoteThread:
      enabled: false
escalation:
  socket: [diff_connections, diff_handles]
memory:
  monitor-process: agent.exe
  facets:
    diff_timers:
      enabled: false
    diff_malfind:
      options:
        dump-dir: /tmp/malfind
  exclusions:
    remote-ports: [2042, 8080]
  cross-view-rules:
    - pslist: false
      csrss: true
`

func newConfig(t *testing.T) (*Config, string) {
	file := filepath.Join(t.TempDir(), "sandtrap.yml")
	require.NoError(t, os.WriteFile(file, []byte(cfg), 0o644))
	c := New()
	c.MustViperize(&cobra.Command{})
	c.viper.Set(configFile, file)
	require.NoError(t, c.TryLoadFile(file))
	return c, file
}

func TestInit(t *testing.T) {
	c, file := newConfig(t)
	require.NoError(t, c.Init())

	assert.Equal(t, file, c.File())
	assert.True(t, c.TriggeredDumps)
	assert.Equal(t, ProtocolNetlog, c.Session.Protocol)
	assert.Equal(t, 128, c.Session.HistorySize)
	assert.Equal(t, 30*time.Second, c.Session.SuspendTimeout)
	assert.Equal(t, uint32(20*1024*1024), c.Session.MaxMessageSize)
	assert.Equal(t, "/tmp/marker", c.Session.MarkerPath)
	assert.True(t, c.Session.Correlate)
	assert.Equal(t, "0.0.0.0:2042", c.ResultServer.Address)

	assert.True(t, c.Triggers.ConsumeTwoStepChains)
	rule, ok := c.Triggers.Rule("NtCreateMutant")
	require.True(t, ok)
	assert.True(t, rule.Enabled)
	assert.False(t, rule.DumpMemory)
	assert.True(t, rule.Breakpoint)
	assert.True(t, rule.RunSmartPlugins)
	assert.Equal(t, 3, rule.Times)
	assert.Equal(t, []string{"handles", "mutantscan"}, rule.RunPlugins)

	rule, ok = c.Triggers.Rule(ChainWriteRemoteThread)
	require.True(t, ok)
	assert.False(t, rule.Enabled)

	rule, ok = c.Triggers.Rule("socket")
	require.True(t, ok)
	assert.True(t, rule.DumpMemory)
	assert.Equal(t, 1, rule.Times)

	assert.Equal(t, []string{"diff_connections", "diff_handles"}, c.Escalation.Facets("socket"))
	assert.Equal(t, []string{"diff_mutants"}, c.Escalation.Facets("NtCreateMutant"))

	assert.Equal(t, "agent.exe", c.Memory.MonitorProcess)
	assert.False(t, c.Memory.Facets["diff_timers"].Enabled)
	assert.True(t, c.Memory.Facets["diff_malfind"].Enabled)
	assert.Equal(t, "/tmp/malfind", c.Memory.ScratchDir("diff_malfind"))
	assert.Equal(t, "", c.Memory.ScratchDir("diff_moddump"))
	assert.Equal(t, []int{2042, 8080}, c.Memory.Exclusions.RemotePorts)
	assert.Equal(t, []int{8000}, c.Memory.Exclusions.LocalPorts)
	require.Len(t, c.Memory.CrossViewRules, 1)
	assert.Equal(t, true, c.Memory.CrossViewRules[0]["csrss"])
	assert.NotEmpty(t, c.Memory.AutostartKeys)
}

func TestValidateConfigFile(t *testing.T) {
	c, _ := newConfig(t)
	require.NoError(t, c.Validate())

	out, err := c.Print()
	require.NoError(t, err)
	assert.Contains(t, out, "ntcreatemutant")
}

func TestDefaultTriggerRules(t *testing.T) {
	rules := DefaultTriggerRules()
	for _, name := range []string{"ZwLoadDriver", ChainWriteThreadLoadDll, "NtCreateFile"} {
		r, ok := TriggersConfig{Rules: rules}.Rule(name)
		require.True(t, ok, name)
		assert.True(t, r.Enabled)
		assert.Equal(t, 1, r.Times)
	}
}

func TestValidateNumericFlags(t *testing.T) {
	c, _ := newConfig(t)
	settings := c.settings()
	logging, ok := settings["logging"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(5), logging["warn-rate"])
	session, ok := settings["session"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, uint64(20*1024*1024), session["max-message-size"])

	require.NoError(t, c.flags.Set("logging.warn-rate", "2.5"))
	require.NoError(t, c.Validate())

	require.NoError(t, c.flags.Set("logging.warn-rate", "-1"))
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warn-rate")
}
