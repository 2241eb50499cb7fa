// Copyright 2025 Tom Barlow
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

package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aetherframework-ai/aether/internal/client"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show a workflow's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(client.WithBaseURL(*serverURL))
			if err != nil {
				return err
			}

			status, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Workflow:  %s\n", status.WorkflowID)
			fmt.Fprintf(cmd.OutOrStdout(), "Type:      %s\n", status.WorkflowType)
			fmt.Fprintf(cmd.OutOrStdout(), "State:     %s\n", status.State)
			if status.CurrentStep != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Step:      %s\n", status.CurrentStep)
			}
			if status.StartedAt != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Started:   %s\n", status.StartedAt.Format(time.RFC3339))
			}
			if status.CompletedAt != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Completed: %s\n", status.CompletedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Request workflow cancellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(client.WithBaseURL(*serverURL))
			if err != nil {
				return err
			}

			result, err := c.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if result.AlreadyTerminal {
				fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s is already terminal\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation accepted for %s\n", args[0])
			return nil
		},
	}
}

// NewWorkflowCommand creates the workflow command group.
func NewWorkflowCommand(serverURL *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect workflows",
	}
	cmd.AddCommand(newWorkflowListCommand(serverURL))
	return cmd
}

func newWorkflowListCommand(serverURL *string) *cobra.Command {
	var (
		wfType string
		state  string
		active bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(client.WithBaseURL(*serverURL))
			if err != nil {
				return err
			}

			workflows, err := c.List(cmd.Context(), client.ListOptions{
				Type:   wfType,
				State:  state,
				Active: active,
			})
			if err != nil {
				return err
			}

			if len(workflows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No workflows found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATE\tSTEP\tSTARTED")
			for _, wf := range workflows {
				started := ""
				if wf.StartedAt != nil {
					started = wf.StartedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					wf.WorkflowID, wf.WorkflowType, wf.State, wf.CurrentStep, started)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&wfType, "type", "", "Filter by workflow type")
	cmd.Flags().StringVar(&state, "state", "", "Filter by state")
	cmd.Flags().BoolVar(&active, "active", false, "Only non-terminal workflows")

	return cmd
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "aether %s (commit: %s, built: %s)\n", Version, Commit, BuildDate)
			return nil
		},
	}
}
