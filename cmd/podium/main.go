// Copyright 2025 The Podium Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command podium runs, validates and resumes ensembles from the command
// line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/podium-run/podium/internal/commands/examplescmd"
	"github.com/podium-run/podium/internal/commands/resume"
	"github.com/podium-run/podium/internal/commands/run"
	"github.com/podium-run/podium/internal/commands/suspension"
	"github.com/podium-run/podium/internal/commands/validate"
	versioncmd "github.com/podium-run/podium/internal/commands/version"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "podium",
		Short: "Declarative multi-agent ensemble execution",
		Long: `Podium executes ensembles: declarative workflows that coordinate
agents through sequential flows, parallel groups, loops, scored retries
and human-in-the-loop suspension points.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		run.NewCommand(),
		resume.NewCommand(),
		suspension.NewCommand(),
		validate.NewCommand(),
		examplescmd.NewCommand(),
		versioncmd.NewCommand(versioncmd.Info{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		}),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "podium: %v\n", err)
		os.Exit(1)
	}
}
