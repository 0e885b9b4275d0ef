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
	"path/filepath"
	"reflect"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	memoryCleanSnapshot    = "memory.clean-snapshot"
	memoryInfectedSnapshot = "memory.infected-snapshot"
	memoryInfoFile         = "memory.info-file"
	memoryArtifactsDir     = "memory.artifacts-dir"
	memoryMonitorProcess   = "memory.monitor-process"
	memoryMalwareProcess   = "memory.malware-process"
	memoryMalfindName      = "memory.malfind-name"
	memoryModdumpName      = "memory.moddump-name"
	memoryModdumpDest      = "memory.moddump-dest"
	memoryAutostartKeys    = "memory.autostart-keys"
	memoryTool             = "memory.tool"
	memoryToolTimeout      = "memory.tool-timeout"
	memoryFacets           = "memory.facets"
	memoryExclusions       = "memory.exclusions"
	memoryCrossViewRules   = "memory.cross-view-rules"
)

// FacetConfig stores the settings of a single diff facet.
type FacetConfig struct {
	// Enabled indicates if the facet is diffed.
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	// Desc is the human readable description stored in the diff result.
	Desc string `mapstructure:"desc" json:"desc" yaml:"desc"`
	// Options are handed to the forensics provider when the facet dependencies are computed.
	Options map[string]any `mapstructure:"options" json:"options" yaml:"options"`
}

// ConnectionExclusions suppress connections produced by the sandbox infrastructure.
type ConnectionExclusions struct {
	LocalPorts      []int    `mapstructure:"local-ports" json:"local-ports" yaml:"local-ports"`
	RemotePorts     []int    `mapstructure:"remote-ports" json:"remote-ports" yaml:"remote-ports"`
	RemoteAddresses []string `mapstructure:"remote-addresses" json:"remote-addresses" yaml:"remote-addresses"`
}

// MemoryConfig contains the snapshot differencing settings.
type MemoryConfig struct {
	// CleanSnapshot is the path of the baseline snapshot file.
	CleanSnapshot string `json:"clean-snapshot" yaml:"clean-snapshot"`
	// InfectedSnapshot is the path of the infected snapshot file.
	InfectedSnapshot string `json:"infected-snapshot" yaml:"infected-snapshot"`
	// InfoFile is the path of the analysis info file naming the trigger.
	InfoFile string `json:"info-file" yaml:"info-file"`
	// ArtifactsDir is where dumped regions, drivers and modules are stored.
	ArtifactsDir string `json:"artifacts-dir" yaml:"artifacts-dir"`
	// MonitorProcess is the name of the in-guest monitoring process ignored by the diffs.
	MonitorProcess string `json:"monitor-process" yaml:"monitor-process"`
	// MalwareProcess is the substring identifying the analyzed sample process.
	MalwareProcess string `json:"malware-process" yaml:"malware-process"`
	// MalfindName is the template of the region dump file names in the scratch directory.
	MalfindName string `json:"malfind-name" yaml:"malfind-name"`
	// ModdumpName is the template of the driver dump file names in the scratch directory.
	ModdumpName string `json:"moddump-name" yaml:"moddump-name"`
	// ModdumpDest is the template of the driver file names in the artifacts directory.
	ModdumpDest string `json:"moddump-dest" yaml:"moddump-dest"`
	// AutostartKeys are lowercase registry paths that make a key handle an autostart location.
	AutostartKeys []string `json:"autostart-keys" yaml:"autostart-keys"`
	// Tool is the executable running forensic plugins against memory images.
	Tool string `json:"tool" yaml:"tool"`
	// ToolTimeout bounds a single plugin run.
	ToolTimeout time.Duration `json:"tool-timeout" yaml:"tool-timeout"`
	// Facets stores per facet settings.
	Facets map[string]FacetConfig `json:"facets" yaml:"facets"`
	// Exclusions suppress noisy connections.
	Exclusions ConnectionExclusions `json:"exclusions" yaml:"exclusions"`
	// CrossViewRules flag a process as hidden if all the fields of any rule match.
	CrossViewRules []map[string]any `json:"cross-view-rules" yaml:"cross-view-rules"`
}

// DefaultCrossViewRules returns the rules matching processes found by the
// scanning methods but missing from the active process list.
func DefaultCrossViewRules() []map[string]any {
	return []map[string]any{
		{"pslist": false, "psscan": true},
		{"pslist": false, "thrdproc": true},
		{"pslist": false, "pspcid": true},
	}
}

// DefaultAutostartKeys returns the registry locations used for persistence.
func DefaultAutostartKeys() []string {
	return []string{
		`software\microsoft\windows\currentversion\run`,
		`software\microsoft\windows\currentversion\runonce`,
		`software\microsoft\windows\currentversion\runservices`,
		`software\microsoft\windows\currentversion\policies\explorer\run`,
		`software\microsoft\windows nt\currentversion\winlogon`,
		`software\microsoft\windows nt\currentversion\windows`,
		`software\microsoft\windows nt\currentversion\image file execution options`,
		`software\microsoft\windows\currentversion\explorer\shell folders`,
		`software\microsoft\windows\currentversion\explorer\user shell folders`,
		`system\currentcontrolset\services`,
		`system\currentcontrolset\control\session manager`,
	}
}

// DefaultFacets returns the default facet settings. All facets are enabled.
func DefaultFacets() map[string]FacetConfig {
	descs := map[string]string{
		"diff_processes":        "Finds new processes",
		"diff_hidden_processes": "Finds new hidden processes",
		"diff_dlllist":          "Finds new loaded modules",
		"diff_handles":          "Finds new handles",
		"diff_mutants":          "Finds new mutants",
		"diff_services":         "Finds new services",
		"diff_timers":           "Finds new kernel timers",
		"diff_devices":          "Finds new devices",
		"diff_connections":      "Finds new network connections",
		"diff_malfind":          "Finds new injected code regions",
		"diff_moddump":          "Finds and dumps new kernel modules",
		"diff_modules":          "Finds new kernel modules",
		"diff_messagehooks":     "Finds new message hooks",
		"diff_callbacks":        "Finds new kernel callbacks",
		"diff_ssdt":             "Finds new SSDT hooks",
		"diff_autostart":        "Finds new autostart registry keys",
		"diff_heap_entropy":     "Calculates entropy of malware heap process",
	}
	facets := make(map[string]FacetConfig, len(descs))
	for name, desc := range descs {
		facets[name] = FacetConfig{Enabled: true, Desc: desc, Options: map[string]any{}}
	}
	return facets
}

// Facet returns the settings of the facet.
func (c MemoryConfig) Facet(name string) (FacetConfig, bool) {
	f, ok := c.Facets[name]
	return f, ok
}

// ScratchDir returns the scratch directory of the snapshot facet,
// where the forensic tooling dumps files. It comes from facet options.
func (c MemoryConfig) ScratchDir(facet string) string {
	f, ok := c.Facets[facet]
	if !ok {
		return ""
	}
	if dir, ok := f.Options["dump-dir"].(string); ok {
		return dir
	}
	return ""
}

func (c *MemoryConfig) initFromViper(v *viper.Viper) error {
	c.CleanSnapshot = v.GetString(memoryCleanSnapshot)
	c.InfectedSnapshot = v.GetString(memoryInfectedSnapshot)
	c.InfoFile = v.GetString(memoryInfoFile)
	c.ArtifactsDir = v.GetString(memoryArtifactsDir)
	c.MonitorProcess = v.GetString(memoryMonitorProcess)
	c.MalwareProcess = v.GetString(memoryMalwareProcess)
	c.MalfindName = v.GetString(memoryMalfindName)
	c.ModdumpName = v.GetString(memoryModdumpName)
	c.ModdumpDest = v.GetString(memoryModdumpDest)
	c.AutostartKeys = v.GetStringSlice(memoryAutostartKeys)
	c.Tool = v.GetString(memoryTool)
	c.ToolTimeout = v.GetDuration(memoryToolTimeout)
	if len(c.AutostartKeys) == 0 {
		c.AutostartKeys = DefaultAutostartKeys()
	}
	if c.MonitorProcess == "" {
		c.MonitorProcess = "python.exe"
	}
	if c.MalfindName == "" {
		c.MalfindName = defaultMalfindName
	}
	if c.ModdumpName == "" {
		c.ModdumpName = defaultModdumpName
	}
	if c.ModdumpDest == "" {
		c.ModdumpDest = defaultModdumpDest
	}
	if c.ArtifactsDir == "" && c.InfectedSnapshot != "" {
		c.ArtifactsDir = filepath.Dir(c.InfectedSnapshot)
	}
	if c.InfoFile == "" && c.InfectedSnapshot != "" {
		c.InfoFile = filepath.Join(filepath.Dir(c.InfectedSnapshot), "info.json")
	}

	c.Facets = DefaultFacets()
	if section := v.Get(memoryFacets); section != nil {
		mapping, ok := section.(map[string]interface{})
		if !ok {
			return fmt.Errorf("expected map[string]interface{} type for facets but found %s", reflect.TypeOf(section))
		}
		for name, raw := range mapping {
			facet := c.Facets[name]
			if err := decode(raw, &facet); err != nil {
				return fmt.Errorf("invalid %s facet config: %v", name, err)
			}
			if facet.Options == nil {
				facet.Options = map[string]any{}
			}
			c.Facets[name] = facet
		}
	}

	c.Exclusions = ConnectionExclusions{
		LocalPorts:      []int{8000},
		RemotePorts:     []int{2042},
		RemoteAddresses: []string{"293.268.122.1"},
	}
	if section := v.Get(memoryExclusions); section != nil {
		if err := decode(section, &c.Exclusions); err != nil {
			return fmt.Errorf("invalid connection exclusions: %v", err)
		}
	}

	c.CrossViewRules = DefaultCrossViewRules()
	if section := v.Get(memoryCrossViewRules); section != nil {
		var rules []map[string]any
		if err := decode(section, &rules); err != nil {
			return fmt.Errorf("invalid cross view rules: %v", err)
		}
		c.CrossViewRules = rules
	}
	return nil
}

const (
	defaultMalfindName = `process.{{ printf "%#x" .Offset }}.{{ printf "%#x" .VadStart }}.dmp`
	defaultModdumpName = `driver.{{ printf "%x" .ModuleBase }}.sys`
	defaultModdumpDest = `{{ .ModuleName | trim }}`
)

func (c *MemoryConfig) addFlags(flags *pflag.FlagSet) {
	flags.String(memoryCleanSnapshot, "", "The path of the baseline snapshot file")
	flags.String(memoryInfectedSnapshot, "", "The path of the infected snapshot file")
	flags.String(memoryInfoFile, "", "The path of the analysis info file naming the fired trigger")
	flags.String(memoryArtifactsDir, "", "The directory where dumped memory regions, drivers and modules are stored. Defaults to the infected snapshot directory")
	flags.String(memoryMonitorProcess, "python.exe", "The name of the in-guest monitoring process excluded from the diffs")
	flags.String(memoryMalwareProcess, "m.exe", "The substring of the analyzed sample process name")
	flags.String(memoryMalfindName, defaultMalfindName, "The template of memory region dump file names")
	flags.String(memoryModdumpName, defaultModdumpName, "The template of driver dump file names")
	flags.String(memoryModdumpDest, defaultModdumpDest, "The template of driver file names in the artifacts directory")
	flags.StringSlice(memoryAutostartKeys, DefaultAutostartKeys(), "Registry paths considered autostart locations")
	flags.String(memoryTool, "", "The executable running forensic plugins against memory images. Without it, only facets present in snapshot files are diffed")
	flags.Duration(memoryToolTimeout, time.Minute*5, "The maximum duration of a single forensic plugin run")
}
