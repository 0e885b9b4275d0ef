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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rabbitstack/sandtrap/pkg/util/log"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	configFile     = "config-file"
	captureFile    = "capture.file"
	triggeredDumps = "triggered-dumps"
)

// Config stores configuration options for fine-tuning the behaviour of sandtrap.
type Config struct {
	// Session contains the settings of the decoding sessions.
	Session SessionConfig `json:"session" yaml:"session"`
	// ResultServer contains the settings of the agent listener.
	ResultServer ResultServerConfig `json:"resultserver" yaml:"resultserver"`
	// API stores global HTTP API preferences
	API APIConfig `json:"api" yaml:"api"`
	// TriggeredDumps is the global switch for all trigger actions.
	TriggeredDumps bool `json:"triggered-dumps" yaml:"triggered-dumps"`
	// Triggers stores the per-API trigger rules.
	Triggers TriggersConfig `json:"triggers" yaml:"triggers"`
	// Escalation maps trigger names to the facets starred by smart escalation.
	Escalation EscalationConfig `json:"escalation" yaml:"escalation"`
	// Memory contains the snapshot differencing settings.
	Memory MemoryConfig `json:"memory" yaml:"memory"`
	// Log contains log-specific configuration options
	Log log.Config `json:"logging" yaml:"logging"`

	// CaptureFile represents the name of the capture file.
	CaptureFile string

	flags *pflag.FlagSet
	viper *viper.Viper
	opts  *Options
}

// Options determines which config flags are toggled depending on the command type.
type Options struct {
	capture  bool
	replay   bool
	run      bool
	diff     bool
	stats    bool
	validate bool
}

// Option is the type alias for the config option.
type Option func(*Options)

// WithCapture determines the capture command is executed.
func WithCapture() Option {
	return func(o *Options) {
		o.capture = true
	}
}

// WithReplay determines the replay command is executed.
func WithReplay() Option {
	return func(o *Options) {
		o.replay = true
	}
}

// WithRun determines the main command is executed.
func WithRun() Option {
	return func(o *Options) {
		o.run = true
	}
}

// WithDiff determines the diff command is executed.
func WithDiff() Option {
	return func(o *Options) {
		o.diff = true
	}
}

// WithStats determines the commands querying the API server are executed.
func WithStats() Option {
	return func(o *Options) {
		o.stats = true
	}
}

// WithValidate determines the config validate command is executed.
func WithValidate() Option {
	return func(o *Options) {
		o.validate = true
	}
}

// NewWithOpts builds a new configuration store from a variety of sources such as configuration files,
// environment variables or command line flags.
func NewWithOpts(options ...Option) *Config {
	opts := &Options{}

	for _, opt := range options {
		opt(opts)
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.SetEnvPrefix("sandtrap")

	c := &Config{
		Session:      SessionConfig{},
		ResultServer: ResultServerConfig{},
		API:          APIConfig{},
		Triggers:     TriggersConfig{},
		Escalation:   EscalationConfig{},
		Memory:       MemoryConfig{},
		Log:          log.Config{},
		viper:        v,
		flags:        new(pflag.FlagSet),
		opts:         opts,
	}

	c.addFlags()

	return c
}

// New builds the configuration with all flags registered.
func New() *Config {
	return NewWithOpts(WithRun(), WithReplay(), WithDiff())
}

// MustViperize adds the flag set to the Cobra command and binds them within the Viper flags.
func (c *Config) MustViperize(cmd *cobra.Command) {
	cmd.PersistentFlags().AddFlagSet(c.flags)
	if err := c.viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		panic(err)
	}
	if c.opts.capture || c.opts.replay {
		if err := cmd.MarkPersistentFlagRequired(captureFile); err != nil {
			panic(err)
		}
	}
}

// Init setups the configuration state from Viper.
func (c *Config) Init() error {
	c.Log.InitFromViper(c.viper)
	c.Session.initFromViper(c.viper)
	c.ResultServer.initFromViper(c.viper)
	c.API.initFromViper(c.viper)

	c.TriggeredDumps = c.viper.GetBool(triggeredDumps)
	c.CaptureFile = c.viper.GetString(captureFile)

	if err := c.Triggers.initFromViper(c.viper); err != nil {
		return err
	}
	if err := c.Escalation.initFromViper(c.viper); err != nil {
		return err
	}
	return c.Memory.initFromViper(c.viper)
}

// TryLoadFile attempts to load the configuration file from specified path on the file system.
func (c *Config) TryLoadFile(file string) error {
	c.viper.SetConfigFile(file)
	return c.viper.ReadInConfig()
}

// Validate ensures that all configuration options provided by user have the expected values. It returns
// a list of validation errors prefixed with the offending configuration property/flag.
func (c *Config) Validate() error {
	// we'll first validate the structure and values of the config file
	file := c.viper.GetString(configFile)
	var out interface{}
	b, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	switch filepath.Ext(file) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &out)
	case ".json":
		err = json.Unmarshal(b, &out)
	default:
		return fmt.Errorf("%s is not a supported config file extension", filepath.Ext(file))
	}
	if err != nil {
		return fmt.Errorf("couldn't read the config file: %v", err)
	}
	if valid, errs := validate(out); !valid || len(errs) > 0 {
		return fmt.Errorf("invalid config: %v", joinErrors(errs))
	}
	// now validate the Viper config flags
	if valid, errs := validate(c.settings()); !valid || len(errs) > 0 {
		return fmt.Errorf("invalid config: %v", joinErrors(errs))
	}
	return nil
}

// settings returns all Viper settings with numeric flags coerced to numbers.
// Viper hands out the raw flag string for the flag types it doesn't cast.
func (c *Config) settings() map[string]interface{} {
	settings := c.viper.AllSettings()
	c.flags.VisitAll(func(f *pflag.Flag) {
		var v interface{}
		switch f.Value.Type() {
		case "float32", "float64":
			v = cast.ToFloat64(c.viper.Get(f.Name))
		case "uint", "uint8", "uint16", "uint32", "uint64":
			v = cast.ToUint64(c.viper.Get(f.Name))
		default:
			return
		}
		setKey(settings, strings.Split(f.Name, "."), v)
	})
	return settings
}

func setKey(m map[string]interface{}, path []string, v interface{}) {
	for _, k := range path[:len(path)-1] {
		next, ok := m[k].(map[string]interface{})
		if !ok {
			return
		}
		m = next
	}
	if _, ok := m[path[len(path)-1]]; ok {
		m[path[len(path)-1]] = v
	}
}

// File returns the config file path.
func (c *Config) File() string { return c.viper.GetString(configFile) }

// IsCaptureSet determines if the raw session streams are stored in the capture file.
func (c *Config) IsCaptureSet() bool { return c.CaptureFile != "" }

// Print renders the effective settings as YAML.
func (c *Config) Print() (string, error) {
	b, err := yaml.Marshal(c.viper.AllSettings())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Config) addFlags() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	c.flags.String(configFile, filepath.Join(home, ".sandtrap", "sandtrap.yml"), "Indicates the location of the configuration file")
	if c.opts.capture {
		c.flags.StringP(captureFile, "o", "", "The path of the output capture file")
	}
	if c.opts.replay {
		c.flags.StringP(captureFile, "k", "", "The path of the input capture file")
	}
	if c.opts.run || c.opts.replay || c.opts.capture || c.opts.validate {
		c.flags.Bool(triggeredDumps, true, "Global switch for trigger actions. When disabled, triggers are evaluated but never acted on")
		c.Session.addFlags(c.flags)
		c.Triggers.addFlags(c.flags)
	}
	if c.opts.run || c.opts.capture || c.opts.validate {
		c.ResultServer.addFlags(c.flags)
	}
	if c.opts.run || c.opts.capture || c.opts.replay || c.opts.stats || c.opts.validate {
		c.API.addFlags(c.flags)
	}
	if c.opts.diff || c.opts.validate {
		c.Memory.addFlags(c.flags)
	}
	c.Log.AddFlags(c.flags)
}

func joinErrors(errs []error) string {
	s := make([]string, len(errs))
	for i, err := range errs {
		s[i] = err.Error()
	}
	return strings.Join(s, ", ")
}
