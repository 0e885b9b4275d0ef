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
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	triggerRules         = "triggers.rules"
	consumeTwoStepChains = "triggers.consume-two-step-chains"
	triggersDumpDir      = "triggers.dump-dir"
	escalation           = "escalation"
)

// Trigger names of the recognized call chains.
const (
	ChainSetContextResume   = "NtSetContextThread -> NtResumeThread"
	ChainWriteRemoteThread  = "WriteProcessMemory -> CreateRemoteThread"
	ChainWriteThreadLoadDll = "WriteProcessMemory -> CreateRemoteThread -> LoadLibrary"
)

// TriggerRule describes the actions performed when the trigger with the same name fires.
type TriggerRule struct {
	// Enabled indicates if the trigger is active.
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	// DumpMemory requests a memory dump tagged with the firing call.
	DumpMemory bool `mapstructure:"dump-memory" json:"dump-memory" yaml:"dump-memory"`
	// BreakOnVolshell enters the interactive investigation session.
	BreakOnVolshell bool `mapstructure:"break-on-volshell" json:"break-on-volshell" yaml:"break-on-volshell"`
	// Breakpoint suspends the monitored execution until released.
	Breakpoint bool `mapstructure:"breakpoint" json:"breakpoint" yaml:"breakpoint"`
	// RunPlugins are additional forensic plugins executed when the snapshots are diffed.
	RunPlugins []string `mapstructure:"run-plugins" json:"run-plugins" yaml:"run-plugins"`
	// RunSmartPlugins enables the smart escalation for this trigger.
	RunSmartPlugins bool `mapstructure:"run-smart-plugins" json:"run-smart-plugins" yaml:"run-smart-plugins"`
	// Times is the number of times the trigger may fire in a session.
	Times int `mapstructure:"times" json:"times" yaml:"times"`
}

// TriggersConfig stores trigger rules keyed by the API name or chain name.
type TriggersConfig struct {
	// Rules are the trigger rules. Keys are lowercase.
	Rules map[string]TriggerRule `json:"rules" yaml:"rules"`
	// ConsumeTwoStepChains removes the entries of two-step chains from the
	// call history once they fire. Three-step chains are always consumed.
	ConsumeTwoStepChains bool `json:"consume-two-step-chains" yaml:"consume-two-step-chains"`
	// DumpDir is the spool directory of memory dump requests.
	DumpDir string `json:"dump-dir" yaml:"dump-dir"`
}

// DefaultTriggerRules returns the rule set used when the configuration doesn't
// override a trigger. Every trigger dumps memory once and runs smart escalation.
func DefaultTriggerRules() map[string]TriggerRule {
	names := []string{
		"NtCreateProcess", "monitorCPU", "monitorUnpacking", "UnhookWindowsHookEx",
		"StartServiceA", "StartServiceW", "SetWinEventHook", "socket",
		"SetWindowsHookExA", "SetWindowsHookExW", "ZwLoadDriver", "NtCreateMutant",
		"VirtualProtectEx", "WriteProcessMemory", "NtCreateFile",
		ChainSetContextResume, ChainWriteRemoteThread, ChainWriteThreadLoadDll,
	}
	rules := make(map[string]TriggerRule, len(names))
	for _, name := range names {
		rules[strings.ToLower(name)] = TriggerRule{Enabled: true, DumpMemory: true, RunSmartPlugins: true, Times: 1}
	}
	return rules
}

// Rule returns the trigger rule by its case-insensitive name.
func (c TriggersConfig) Rule(name string) (TriggerRule, bool) {
	r, ok := c.Rules[strings.ToLower(name)]
	return r, ok
}

func (c *TriggersConfig) initFromViper(v *viper.Viper) error {
	c.ConsumeTwoStepChains = v.GetBool(consumeTwoStepChains)
	c.DumpDir = v.GetString(triggersDumpDir)
	c.Rules = DefaultTriggerRules()
	section := v.Get(triggerRules)
	if section == nil {
		return nil
	}
	mapping, ok := section.(map[string]interface{})
	if !ok {
		return fmt.Errorf("expected map[string]interface{} type for trigger rules but found %s", reflect.TypeOf(section))
	}
	for name, raw := range mapping {
		// start from the defaults so partial rules only override what they set
		rule, ok := c.Rules[strings.ToLower(name)]
		if !ok {
			rule = TriggerRule{Times: 1}
		}
		if err := decode(raw, &rule); err != nil {
			return fmt.Errorf("invalid %s trigger rule: %v", name, err)
		}
		c.Rules[strings.ToLower(name)] = rule
	}
	return nil
}

func (c *TriggersConfig) addFlags(flags *pflag.FlagSet) {
	flags.Bool(consumeTwoStepChains, false, "Indicates if the calls of two-step chains are removed from the call history once the chain fires")
	flags.String(triggersDumpDir, filepath.Join(os.TempDir(), "sandtrap", "dumps"), "The spool directory where memory dump requests are written for the hypervisor")
}

// EscalationConfig maps trigger names to the diff facets starred by smart escalation.
type EscalationConfig map[string][]string

// DefaultEscalation returns the default escalation lists.
func DefaultEscalation() EscalationConfig {
	lists := map[string][]string{
		"NtCreateProcess":       {"diff_processes", "diff_hidden_processes"},
		"monitorCPU":            {"diff_processes"},
		"monitorUnpacking":      {"diff_malfind"},
		"UnhookWindowsHookEx":   {"diff_messagehooks"},
		"StartServiceA":         {"diff_services", "diff_processes"},
		"StartServiceW":         {"diff_services", "diff_processes"},
		"SetWinEventHook":       {"diff_messagehooks", "diff_dlllist"},
		"socket":                {"diff_connections"},
		"SetWindowsHookExA":     {"diff_messagehooks", "diff_dlllist"},
		"SetWindowsHookExW":     {"diff_messagehooks", "diff_dlllist"},
		"ZwLoadDriver":          {"diff_moddump", "diff_modules", "diff_devices", "diff_callbacks", "diff_ssdt"},
		"NtCreateMutant":        {"diff_mutants"},
		"VirtualProtectEx":      {"diff_malfind"},
		"WriteProcessMemory":    {"diff_malfind"},
		"NtCreateFile":          {"diff_handles", "diff_autostart"},
		ChainSetContextResume:   {"diff_malfind"},
		ChainWriteRemoteThread:  {"diff_malfind", "diff_dlllist"},
		ChainWriteThreadLoadDll: {"diff_dlllist"},
	}
	c := make(EscalationConfig, len(lists))
	for name, facets := range lists {
		c[strings.ToLower(name)] = facets
	}
	return c
}

// Facets returns the escalation list of the trigger.
func (c EscalationConfig) Facets(trigger string) []string {
	return c[strings.ToLower(trigger)]
}

func (c *EscalationConfig) initFromViper(v *viper.Viper) error {
	*c = DefaultEscalation()
	section := v.Get(escalation)
	if section == nil {
		return nil
	}
	var lists map[string][]string
	if err := decode(section, &lists); err != nil {
		return fmt.Errorf("invalid escalation section: %v", err)
	}
	for name, facets := range lists {
		(*c)[strings.ToLower(name)] = facets
	}
	return nil
}
