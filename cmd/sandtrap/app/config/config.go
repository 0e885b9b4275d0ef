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

	"github.com/enescakir/emoji"
	"github.com/rabbitstack/sandtrap/internal/bootstrap"
	"github.com/rabbitstack/sandtrap/pkg/config"
	kerrors "github.com/rabbitstack/sandtrap/pkg/errors"
	"github.com/rabbitstack/sandtrap/pkg/util/rest"
	"github.com/spf13/cobra"
)

var Command = &cobra.Command{
	Use:   "config",
	Short: "Show runtime config",
	RunE:  printConfig,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and print the effective settings",
	RunE:  validate,
}

var (
	// config command options
	cfg = config.NewWithOpts(config.WithStats())
	// config validate command options
	validateCfg = config.NewWithOpts(config.WithValidate())
)

func init() {
	cfg.MustViperize(Command)
	validateCfg.MustViperize(validateCmd)
	Command.AddCommand(validateCmd)
}

func printConfig(cmd *cobra.Command, args []string) error {
	if err := bootstrap.InitConfigAndLogger(cfg); err != nil {
		return err
	}
	body, err := rest.Get(rest.WithTransport(cfg.API.Transport), rest.WithURI("config"))
	if err != nil {
		return kerrors.ErrHTTPServerUnavailable(cfg.API.Transport, err)
	}
	_, err = fmt.Fprintln(os.Stdout, string(body))
	if err != nil {
		return err
	}
	return nil
}

func validate(cmd *cobra.Command, args []string) error {
	emo("%v Loading configuration from %s\n", emoji.Package, validateCfg.File())
	if err := validateCfg.TryLoadFile(validateCfg.File()); err != nil {
		return fmt.Errorf("%v %v", emoji.DisappointedFace, err)
	}
	if err := validateCfg.Init(); err != nil {
		return fmt.Errorf("%v %v", emoji.DisappointedFace, err)
	}
	if err := validateCfg.Validate(); err != nil {
		return fmt.Errorf("%v %v", emoji.DisappointedFace, err)
	}
	for name, rule := range validateCfg.Triggers.Rules {
		if rule.Enabled && !rule.DumpMemory && !rule.Breakpoint && !rule.BreakOnVolshell {
			emo("%v %s trigger is enabled but takes no action\n", emoji.Warning, name)
		}
	}
	s, err := validateCfg.Print()
	if err != nil {
		return err
	}
	emo("%v Configuration is valid\n\n%s", emoji.Rocket, s)
	return nil
}

func emo(s string, args ...any) { fmt.Printf(s, args...) }
