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

// Package commands implements the aether CLI.
package commands

import (
	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// NewRootCommand creates the aether root command.
func NewRootCommand() *cobra.Command {
	var serverURL string

	root := &cobra.Command{
		Use:   "aether",
		Short: "Workflow orchestration engine",
		Long: `Aether is a workflow orchestration engine: clients define workflows as
ordered sequences of named steps executed remotely by polyglot workers,
with durable state, real-time event streaming, and a monitoring UI.

Run a coordinator with "aether serve", then drive it with the client
commands or any worker SDK speaking the worker protocol.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:7234", "Coordinator HTTP API base URL")

	root.AddCommand(
		NewServeCommand(),
		NewStatusCommand(&serverURL),
		NewCancelCommand(&serverURL),
		NewWorkflowCommand(&serverURL),
		NewInitCommand(),
		NewVersionCommand(),
	)
	return root
}
