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
	"os"

	"github.com/rabbitstack/sandtrap/internal/bootstrap"
	"github.com/rabbitstack/sandtrap/pkg/config"
	"github.com/rabbitstack/sandtrap/pkg/util/spinner"
	"github.com/spf13/cobra"
)

var Command = &cobra.Command{
	Use:   "capture",
	Short: "Capture the raw stream of a single agent session to the capture file",
	RunE:  capture,
	Example: `
	# Wait for the agent and capture its stream
	sandtrap capture -o /tmp/sample
	`,
}

var (
	// capture command config
	cfg = config.NewWithOpts(config.WithCapture())
)

func init() {
	cfg.MustViperize(Command)
}

func capture(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.NewApp(cfg, bootstrap.WithSignals())
	if err != nil {
		return err
	}
	if err := app.WriteCapture(); err != nil {
		return err
	}
	spin := spinner.Show("Capturing")
	app.Wait()
	spin.Stop()
	if err := app.Shutdown(); err != nil {
		return err
	}
	app.PrintCaptureStats(os.Stdout)
	return nil
}
