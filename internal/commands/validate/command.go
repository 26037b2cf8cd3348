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

// Package validate implements the `podium validate` command.
package validate

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/podium-run/podium/internal/commands/shared"
)

// NewCommand creates the validate command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <ensemble.yaml>",
		Short: "Validate an ensemble definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := shared.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d top-level steps)\n", def.Name, len(def.Flow))
			return nil
		},
	}
}
