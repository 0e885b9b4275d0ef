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

package sessions

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rabbitstack/sandtrap/internal/bootstrap"
	"github.com/rabbitstack/sandtrap/pkg/config"
	errs "github.com/rabbitstack/sandtrap/pkg/errors"
	"github.com/rabbitstack/sandtrap/pkg/session"
	"github.com/rabbitstack/sandtrap/pkg/util/rest"
	"github.com/spf13/cobra"
)

var Command = &cobra.Command{
	Use:   "sessions",
	Short: "List agent sessions or release suspended ones",
	RunE:  list,
}

var releaseCmd = &cobra.Command{
	Use:   "release [id]",
	Short: "Release the suspended session or all suspended sessions if no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE:  release,
}

var cfg = config.NewWithOpts(config.WithStats())

func init() {
	cfg.MustViperize(Command)
	Command.AddCommand(releaseCmd)
}

func list(cmd *cobra.Command, args []string) error {
	if err := bootstrap.InitConfigAndLogger(cfg); err != nil {
		return err
	}
	c := cfg.API
	body, err := rest.Get(rest.WithTransport(c.Transport), rest.WithURI("sessions"))
	if err != nil {
		return errs.ErrHTTPServerUnavailable(c.Transport, err)
	}
	var sessions []session.Stats
	if err := json.Unmarshal(body, &sessions); err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Protocol", "Events", "Dropped", "Triggers", "Started", "State"})
	for _, s := range sessions {
		names := make([]string, len(s.Firings))
		for i, f := range s.Firings {
			names[i] = f.Name
		}
		t.AppendRow(table.Row{
			s.ID,
			s.Protocol,
			humanize.Comma(int64(s.Events)),
			humanize.Comma(int64(s.Dropped)),
			strings.Join(names, "\n"),
			humanize.Time(s.Started),
			state(s),
		})
	}
	t.Render()
	return nil
}

func state(s session.Stats) string {
	switch {
	case s.Finished.IsZero():
		return "running"
	case s.Err != "":
		return "failed: " + s.Err
	default:
		return "finished " + humanize.Time(s.Finished)
	}
}

func release(cmd *cobra.Command, args []string) error {
	if err := bootstrap.InitConfigAndLogger(cfg); err != nil {
		return err
	}
	c := cfg.API
	opts := []rest.Option{rest.WithTransport(c.Transport), rest.WithURI("sessions/release")}
	if len(args) > 0 {
		opts = append(opts, rest.WithQuery(url.Values{"id": []string{args[0]}}.Encode()))
	}
	body, err := rest.Post(opts...)
	if err != nil {
		if len(body) > 0 {
			return fmt.Errorf("%v: %s", err, strings.TrimSpace(string(body)))
		}
		return errs.ErrHTTPServerUnavailable(c.Transport, err)
	}
	var res struct {
		Released int `json:"released"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "released %d suspended session(s)\n", res.Released)
	return nil
}
