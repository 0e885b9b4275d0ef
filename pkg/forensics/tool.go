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

package forensics

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Tool runs forensic plugins against memory images. The output is the JSON
// encoded facet produced by the plugin.
type Tool interface {
	Run(ctx context.Context, plugin, image string, opts map[string]any) ([]byte, error)
}

// ToolFunc adapts the function to the Tool interface.
type ToolFunc func(ctx context.Context, plugin, image string, opts map[string]any) ([]byte, error)

// Run calls f.
func (f ToolFunc) Run(ctx context.Context, plugin, image string, opts map[string]any) ([]byte, error) {
	return f(ctx, plugin, image, opts)
}

// Command is the tool backed by an external executable. It is invoked as
// `<path> <plugin> <image> [--options <json>]` and writes the facet to stdout.
type Command struct {
	path    string
	timeout time.Duration
}

// NewCommand creates the tool running the executable.
func NewCommand(path string, timeout time.Duration) *Command {
	return &Command{path: path, timeout: timeout}
}

// Run executes the plugin.
func (c *Command) Run(ctx context.Context, plugin, image string, opts map[string]any) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	args := []string{plugin, image}
	if len(opts) > 0 {
		b, err := json.Marshal(opts)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s options", plugin)
		}
		args = append(args, "--options", string(b))
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "%s plugin failed: %s", plugin, strings.TrimSpace(stderr.String()))
	}
	log.Debugf("%s plugin finished on %s in %v", plugin, image, time.Since(start))
	return stdout.Bytes(), nil
}
