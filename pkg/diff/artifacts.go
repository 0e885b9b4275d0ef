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
	"path/filepath"
	"strings"
	"text/template"

	"github.com/rabbitstack/sandtrap/pkg/snapshot"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// artifact directories
const (
	MalfindsDir = "malfinds"
	DriversDir  = "drivers"
	DLLsDir     = "dlls"
)

// artifactName is the data the artifact name templates are rendered with.
type artifactName struct {
	Offset     uint64
	VadStart   uint64
	ModuleBase uint64
	ModuleName string
	Record     snapshot.Record
}

// ArtifactDir returns the path of the artifact directory.
func (e *Engine) ArtifactDir(kind string) string {
	return filepath.Join(e.config.ArtifactsDir, kind)
}

func (e *Engine) prepareArtifactDirs() {
	if e.config.ArtifactsDir == "" {
		return
	}
	for _, kind := range []string{DLLsDir, DriversDir, MalfindsDir} {
		if err := e.fs.MkdirAll(e.ArtifactDir(kind), 0755); err != nil {
			log.Debugf("unable to create %s: %v", e.ArtifactDir(kind), err)
		}
	}
}

// scratchDir returns the directory where the plugin computing the snapshot
// facet dumped its files.
func (e *Engine) scratchDir(s *snapshot.Snapshot, facet, diffFacet string) string {
	if f, ok := s.Facet(facet); ok && f != nil {
		if dir, ok := f.Config["dump_dir"].(string); ok && dir != "" {
			return dir
		}
	}
	return e.config.ScratchDir(diffFacet)
}

func render(tmpl *template.Template, data artifactName) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// collectMalfinds copies dumped regions of new malfind objects into the
// artifacts directory and removes scratch directories. Failures are ignored.
func (e *Engine) collectMalfinds(p pass, found []snapshot.Record) {
	dep := p.deps[0]
	scratch := e.scratchDir(p.new, dep, "diff_malfind")
	if scratch != "" && e.config.ArtifactsDir != "" {
		for _, m := range found {
			offset, err1 := m.Uint("offset")
			vadStart, err2 := m.Uint("vad_start")
			if err1 != nil || err2 != nil {
				continue
			}
			name, err := render(e.malfindName, artifactName{Offset: offset, VadStart: vadStart, Record: m})
			if err != nil {
				continue
			}
			e.copyArtifact(filepath.Join(scratch, name), filepath.Join(e.ArtifactDir(MalfindsDir), name))
		}
	}
	e.removeScratch(e.scratchDir(p.old, dep, "diff_malfind"), scratch)
}

// collectDrivers copies dumped images of new kernel modules into the
// artifacts directory and removes scratch directories. Failures are ignored.
func (e *Engine) collectDrivers(p pass, found []snapshot.Record) {
	dep := p.deps[0]
	scratch := e.scratchDir(p.new, dep, "diff_moddump")
	if scratch != "" && e.config.ArtifactsDir != "" {
		for _, d := range found {
			base, err := d.Uint("module_base")
			if err != nil {
				continue
			}
			data := artifactName{ModuleBase: base, ModuleName: d.String("module_name"), Record: d}
			src, err := render(e.moddumpName, data)
			if err != nil {
				continue
			}
			dst, err := render(e.moddumpDest, data)
			if err != nil || dst == "" {
				continue
			}
			e.copyArtifact(filepath.Join(scratch, src), filepath.Join(e.ArtifactDir(DriversDir), filepath.Base(dst)))
		}
	}
	e.removeScratch(e.scratchDir(p.old, dep, "diff_moddump"), scratch)
}

func (e *Engine) copyArtifact(src, dst string) {
	b, err := afero.ReadFile(e.fs, src)
	if err != nil {
		log.Debugf("unable to read artifact %s: %v", src, err)
		return
	}
	if err := e.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		log.Debugf("unable to create %s: %v", filepath.Dir(dst), err)
		return
	}
	if err := afero.WriteFile(e.fs, dst, b, 0644); err != nil {
		log.Debugf("unable to write artifact %s: %v", dst, err)
	}
}

func (e *Engine) removeScratch(dirs ...string) {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := e.fs.RemoveAll(dir); err != nil {
			log.Debugf("unable to remove scratch directory %s: %v", dir, err)
		}
	}
}
