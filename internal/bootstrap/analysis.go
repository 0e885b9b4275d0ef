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
	"os"
	"path/filepath"

	"github.com/rabbitstack/sandtrap/pkg/config"
	"github.com/rabbitstack/sandtrap/pkg/diff"
	"github.com/rabbitstack/sandtrap/pkg/escalation"
	"github.com/rabbitstack/sandtrap/pkg/forensics"
	"github.com/rabbitstack/sandtrap/pkg/snapshot"
	"github.com/rabbitstack/sandtrap/pkg/trigger"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ReportFile is the name of the diff report written to the artifacts directory.
const ReportFile = "memory_diff.json"

// ErrMissingSnapshots is returned when either snapshot path is not configured.
var ErrMissingSnapshots = errors.New("both clean and infected snapshots are required")

// Analysis diffs the clean snapshot against the infected one and escalates
// the result according to the trigger that requested the infected snapshot.
type Analysis struct {
	config *config.Config
	fs     afero.Fs
	engine *diff.Engine
	policy *escalation.Policy
	info   *trigger.Info
}

// NewAnalysis loads the snapshots and the trigger info. Facets missing from
// snapshot files are computed by the forensic tool. If tool is nil, the tool
// configured in the memory section is used, if any.
func NewAnalysis(cfg *config.Config, fs afero.Fs, tool forensics.Tool) (*Analysis, error) {
	mc := cfg.Memory
	if mc.CleanSnapshot == "" || mc.InfectedSnapshot == "" {
		return nil, ErrMissingSnapshots
	}
	old, err := snapshot.Load(fs, mc.CleanSnapshot)
	if err != nil {
		return nil, err
	}
	infected, err := snapshot.Load(fs, mc.InfectedSnapshot)
	if err != nil {
		return nil, err
	}

	if tool == nil && mc.Tool != "" {
		tool = forensics.NewCommand(mc.Tool, mc.ToolTimeout)
	}
	opts := []diff.Option{diff.WithFs(fs)}
	var f forensics.Forensics
	if tool != nil {
		client := forensics.NewClient(tool, infected.Source())
		f = client
		opts = append(opts,
			diff.WithResolver(snapshot.NewResolver(forensics.NewProvider(tool))),
			diff.WithForensics(client),
		)
	}
	engine, err := diff.NewEngine(mc, old, infected, opts...)
	if err != nil {
		return nil, err
	}

	a := &Analysis{
		config: cfg,
		fs:     fs,
		engine: engine,
		policy: escalation.New(cfg, f, escalation.WithTool(tool, infected.Source())),
	}
	if mc.InfoFile != "" {
		info, err := trigger.LoadInfo(fs, mc.InfoFile)
		switch {
		case err == nil:
			a.info = &info
		case os.IsNotExist(err):
			log.Infof("no trigger info in %s, the snapshot was taken without a trigger", mc.InfoFile)
		default:
			return nil, err
		}
	}
	return a, nil
}

// Info returns the trigger info of the infected snapshot.
func (a *Analysis) Info() *trigger.Info { return a.info }

// Run diffs all enabled facets and escalates the result. Escalation
// failures are logged since the diff is still usable.
func (a *Analysis) Run(ctx context.Context) diff.Result {
	res := a.engine.RunAll(ctx)
	if a.info == nil {
		return res
	}
	log.Infof("escalating the diff for %s trigger", a.info.Trigger.Name)
	if err := a.policy.Escalate(ctx, a.engine, *a.info); err != nil {
		log.Errorf("escalation: %v", err)
	}
	return a.engine.Result()
}

// WriteReport stores the result as JSON in the artifacts directory and
// returns the path of the report.
func (a *Analysis) WriteReport(res diff.Result) (string, error) {
	dir := a.config.Memory.ArtifactsDir
	if dir == "" {
		dir = "."
	}
	if err := a.fs.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, ReportFile)
	return path, afero.WriteFile(a.fs, path, b, 0o644)
}
