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

// Package run implements the `podium run` command.
package run

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/podium-run/podium/internal/commands/shared"
	"github.com/podium-run/podium/internal/log"
	"github.com/podium-run/podium/pkg/ensemble"
)

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	var (
		inputs      []string
		inputFile   string
		storeKind   string
		storePath   string
		stepTimeout time.Duration
		rateLimit   float64
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "run <ensemble.yaml>",
		Short: "Execute an ensemble",
		Long: `Run executes an ensemble definition to completion or suspension.

Inputs are provided as repeated -i key=value flags or as a JSON file.
When a step suspends (for example an approval gate), the command prints
the suspension token; continue later with 'podium resume <token>'.

Suspension store:
  --store memory   in-process only; suspensions do not survive exit
  --store sqlite   file-backed (default path podium.db)
  --store redis    shared across processes (path is the redis address)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := shared.LoadDefinition(args[0])
			if err != nil {
				return err
			}
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
				WithResumption(ensemble.NewResumptionManager(st).WithLogger(logger)).
				WithStepTimeout(stepTimeout)
			if rateLimit > 0 {
				engine = engine.WithRateLimiter(rate.NewLimiter(rate.Limit(rateLimit), 1))
			}

			result, err := engine.Run(cmd.Context(), def, input)
			if err != nil {
				return err
			}

			if result.Suspended != nil {
				fmt.Fprintf(os.Stderr, "execution suspended: %s\n", result.Suspended.Reason)
				fmt.Fprintf(os.Stderr, "resume with: podium resume %s\n", result.Suspended.Token)
				return shared.PrintJSON(cmd.OutOrStdout(), result.Suspended)
			}

			if quiet {
				return shared.PrintJSON(cmd.OutOrStdout(), result.Output)
			}
			return shared.PrintJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringSliceVarP(&inputs, "input", "i", nil, "Ensemble input in key=value format")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "JSON file with inputs (use '-' for stdin)")
	cmd.Flags().StringVar(&storeKind, "store", "memory", "Suspension store: memory, sqlite or redis")
	cmd.Flags().StringVar(&storePath, "store-path", "", "Store location (file path or redis address)")
	cmd.Flags().DurationVar(&stepTimeout, "step-timeout", 0, "Default per-step timeout (0 = unbounded)")
	cmd.Flags().Float64Var(&rateLimit, "rate-limit", 0, "Agent invocations per second (0 = unlimited)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print only the run output")

	return cmd
}
