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

// Package resume implements the `podium resume` command.
package resume

import (
	"github.com/spf13/cobra"

	"github.com/podium-run/podium/internal/commands/shared"
	"github.com/podium-run/podium/internal/log"
	"github.com/podium-run/podium/pkg/ensemble"
)

// NewCommand creates the resume command.
func NewCommand() *cobra.Command {
	var (
		inputs    []string
		inputFile string
		storeKind string
		storePath string
	)

	cmd := &cobra.Command{
		Use:   "resume <token>",
		Short: "Resume a suspended execution",
		Long: `Resume consumes a suspension token and continues the execution from
the step that suspended. Inputs given here are delivered to that step as
its resume payload.

Tokens are single-use: a resumed token cannot be replayed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := shared.ParseInputs(inputs, inputFile)
			if err != nil {
				return err
			}
			st, err := shared.OpenStore(storeKind, storePath)
			if err != nil {
				return err
			}

			logger := log.New(log.FromEnv())
			engine := ensemble.New(nil).
				WithLogger(logger).
				WithResumption(ensemble.NewResumptionManager(st).WithLogger(logger))

			result, err := engine.Resume(cmd.Context(), args[0], input)
			if err != nil {
				return err
			}
			return shared.PrintJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringSliceVarP(&inputs, "input", "i", nil, "Resume input in key=value format")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "JSON file with resume inputs (use '-' for stdin)")
	cmd.Flags().StringVar(&storeKind, "store", "memory", "Suspension store: memory, sqlite or redis")
	cmd.Flags().StringVar(&storePath, "store-path", "", "Store location (file path or redis address)")

	return cmd
}
