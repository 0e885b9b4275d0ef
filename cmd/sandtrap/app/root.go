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

package app

import (
	"github.com/rabbitstack/sandtrap/cmd/sandtrap/app/capture"
	"github.com/rabbitstack/sandtrap/cmd/sandtrap/app/config"
	"github.com/rabbitstack/sandtrap/cmd/sandtrap/app/diff"
	"github.com/rabbitstack/sandtrap/cmd/sandtrap/app/replay"
	"github.com/rabbitstack/sandtrap/cmd/sandtrap/app/sessions"
	"github.com/rabbitstack/sandtrap/cmd/sandtrap/app/stats"
	"github.com/spf13/cobra"
)

// RootCmd is the entrance to sandtrap CLI
var RootCmd = &cobra.Command{
	Use:   "sandtrap",
	Short: "Malware sandbox telemetry and memory analysis",
	Long: `
	sandtrap decodes the API call stream reported by the in-guest monitoring agent,
	fires triggers that suspend the guest or request memory dumps when interesting
	calls or call chains are observed, and diffs memory snapshots taken before and
	after the sample ran to surface what the malware changed.
	`,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(capture.Command)
	RootCmd.AddCommand(replay.Command)
	RootCmd.AddCommand(diff.Command)
	RootCmd.AddCommand(sessions.Command)
	RootCmd.AddCommand(stats.Command)
	RootCmd.AddCommand(config.Command)
	RootCmd.AddCommand(versionCmd)
}
