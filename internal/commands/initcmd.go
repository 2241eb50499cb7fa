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
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aetherframework-ai/aether/internal/definition"
)

const configTemplate = `[server]
grpc_port = 7233
http_port = 7234
db_path = "aether-data"
workflows_dir = "workflows"

[persistence]
mode = "memory"

[metrics]
enabled = false
port = 9090
`

// NewInitCommand creates the init command.
func NewInitCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Scaffold a workflow project",
		Long: `Scaffold an aether.toml and a declared-mode workflow type definition.

Example:
  aether init order-pipeline --output ./orders`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			dir := output
			if dir == "" {
				dir = "."
			}

			workflowsDir := filepath.Join(dir, "workflows")
			if err := os.MkdirAll(workflowsDir, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", workflowsDir, err)
			}

			configPath := filepath.Join(dir, "aether.toml")
			if _, err := os.Stat(configPath); os.IsNotExist(err) {
				if err := os.WriteFile(configPath, []byte(configTemplate), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", configPath, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", configPath)
			}

			def := definition.Definition{
				Name: name,
				Mode: "declared",
				Steps: []string{
					"step-1-init",
					"step-2-process",
					"step-3-finalize",
				},
				Retry: definition.RetrySpec{
					MaxRetries:    3,
					Backoff:       "1s",
					BackoffFactor: 2,
				},
			}
			data, err := yaml.Marshal(&def)
			if err != nil {
				return fmt.Errorf("failed to marshal definition: %w", err)
			}

			defPath := filepath.Join(workflowsDir, name+".yaml")
			if _, err := os.Stat(defPath); err == nil {
				return fmt.Errorf("%s already exists", defPath)
			}
			if err := os.WriteFile(defPath, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", defPath, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", defPath)
			fmt.Fprintf(cmd.OutOrStdout(), "\nStart the coordinator with:\n  aether serve --config %s --workflows-dir %s\n", configPath, workflowsDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "Target directory (default current directory)")
	return cmd
}
