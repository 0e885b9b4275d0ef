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

package diff

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rabbitstack/sandtrap/internal/bootstrap"
	"github.com/rabbitstack/sandtrap/pkg/config"
	"github.com/rabbitstack/sandtrap/pkg/diff"
	"github.com/rabbitstack/sandtrap/pkg/util/spinner"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var Command = &cobra.Command{
	Use:   "diff",
	Short: "Diff the clean and infected memory snapshots",
	RunE:  run,
	Example: `
	# Diff snapshot files, computing missing facets with the forensic tool
	sandtrap diff --memory.clean-snapshot=clean.json --memory.infected-snapshot=/analysis/1/infected.json --memory.tool=/usr/local/bin/memtool

	# Print the result as JSON
	sandtrap diff --memory.clean-snapshot=clean.json --memory.infected-snapshot=infected.json -f json
	`,
}

var (
	// diff command config
	cfg = config.NewWithOpts(config.WithDiff())

	format      string
	starredOnly bool
)

func init() {
	cfg.MustViperize(Command)
	Command.Flags().StringVarP(&format, "format", "f", "table", "Output format of the diff result (table|json)")
	Command.Flags().BoolVarP(&starredOnly, "starred", "s", false, "Show only facets starred by the escalation")
}

func run(cmd *cobra.Command, args []string) error {
	if err := bootstrap.InitConfigAndLogger(cfg); err != nil {
		return err
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("%q is not a valid output format", format)
	}
	a, err := bootstrap.NewAnalysis(cfg, afero.NewOsFs(), nil)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	spin := spinner.Show("Diffing snapshots")
	res := a.Run(ctx)
	spin.Stop()

	path, err := a.WriteReport(res)
	if err != nil {
		log.Warnf("unable to write the diff report: %v", err)
	} else {
		log.Infof("diff report written to %s", path)
	}

	if starredOnly {
		for name, entry := range res {
			if !entry.Starred() {
				delete(res, name)
			}
		}
	}
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	render(os.Stdout, res)
	return nil
}

func render(w io.Writer, res diff.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Facet", "Description", "New", "Deleted", "Star", "Value"})

	for _, name := range res.Names() {
		entry := res[name]
		value := ""
		if entry.Value != nil {
			value = fmt.Sprintf("%v", entry.Value)
		}
		t.AppendRow(table.Row{name, entry.Desc, len(entry.New), len(entry.Deleted), entry.Star, value})
	}
	t.Render()

	for _, name := range res.Names() {
		if d := res[name].Disassembly; d != "" {
			fmt.Fprintf(w, "\n%s:\n%s", name, d)
		}
	}
}
