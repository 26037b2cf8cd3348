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

// Package suspension implements the `podium suspension` command group:
// inspecting, approving, rejecting and cancelling stored suspensions.
package suspension

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/podium-run/podium/internal/commands/shared"
	"github.com/podium-run/podium/internal/log"
	"github.com/podium-run/podium/pkg/ensemble"
)

// NewCommand creates the suspension command group.
func NewCommand() *cobra.Command {
	var (
		storeKind string
		storePath string
	)

	cmd := &cobra.Command{
		Use:   "suspension",
		Short: "Manage suspended executions",
	}
	cmd.PersistentFlags().StringVar(&storeKind, "store", "memory", "Suspension store: memory, sqlite or redis")
	cmd.PersistentFlags().StringVar(&storePath, "store-path", "", "Store location (file path or redis address)")

	manager := func() (*ensemble.ResumptionManager, error) {
		st, err := shared.OpenStore(storeKind, storePath)
		if err != nil {
			return nil, err
		}
		return ensemble.NewResumptionManager(st).WithLogger(log.New(log.FromEnv())), nil
	}

	inspect := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Show suspension metadata without consuming the token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := manager()
			if err != nil {
				return err
			}
			meta, err := mgr.Metadata(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return shared.PrintJSON(cmd.OutOrStdout(), meta)
		},
	}

	var by, note string

	approve := &cobra.Command{
		Use:   "approve <token>",
		Short: "Approve a pending suspension so it may resume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := manager()
			if err != nil {
				return err
			}
			if err := mgr.Approve(cmd.Context(), args[0], by, note); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "approved")
			return nil
		},
	}
	approve.Flags().StringVar(&by, "by", "", "Approver identity")
	approve.Flags().StringVar(&note, "note", "", "Decision note")

	reject := &cobra.Command{
		Use:   "reject <token>",
		Short: "Reject a pending suspension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := manager()
			if err != nil {
				return err
			}
			if err := mgr.Reject(cmd.Context(), args[0], by, note); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rejected")
			return nil
		},
	}
	reject.Flags().StringVar(&by, "by", "", "Approver identity")
	reject.Flags().StringVar(&note, "note", "", "Decision note")

	cancel := &cobra.Command{
		Use:   "cancel <token>",
		Short: "Discard a suspension without resuming it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := manager()
			if err != nil {
				return err
			}
			if err := mgr.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
			return nil
		},
	}

	cmd.AddCommand(inspect, approve, reject, cancel)
	return cmd
}
