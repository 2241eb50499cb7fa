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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aetherframework-ai/aether/internal/config"
	"github.com/Aetherframework-ai/aether/internal/daemon"
	"github.com/Aetherframework-ai/aether/internal/log"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	var (
		configPath   string
		dbPath       string
		grpcPort     int
		httpPort     int
		persistence  string
		workflowsDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Long: `Run the Aether coordinator: the client plane, the worker plane, and
the monitoring channel.

Persistence tiers:
  memory             all state in-process, lost on restart
  snapshot           periodic snapshots to SQLite; bounded loss
  state-action-log   write-ahead action log per workflow; full recovery

Examples:
  # In-memory development coordinator
  aether serve

  # Durable coordinator with declared workflow definitions
  aether serve --persistence state-action-log --db /var/lib/aether --workflows-dir ./workflows`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// CLI flags override the config file.
			if dbPath != "" {
				cfg.Server.DBPath = dbPath
			}
			if grpcPort != 0 {
				cfg.Server.GRPCPort = grpcPort
			}
			if httpPort != 0 {
				cfg.Server.HTTPPort = httpPort
			}
			if persistence != "" {
				cfg.Persistence.Mode = persistence
			}
			if workflowsDir != "" {
				cfg.Server.WorkflowsDir = workflowsDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			d, err := daemon.New(cfg, daemon.Options{
				Version:   Version,
				Commit:    Commit,
				BuildDate: BuildDate,
			}, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() {
				errCh <- d.Start(ctx)
			}()

			select {
			case sig := <-sigCh:
				fmt.Fprintf(cmd.ErrOrStderr(), "\nReceived signal %v, shutting down...\n", sig)
				cancel()
				return d.Shutdown(context.Background())
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to aether.toml")
	cmd.Flags().StringVar(&dbPath, "db", "", "Persistence location (SQLite file or data directory)")
	cmd.Flags().IntVar(&grpcPort, "grpc-port", 0, "Port for the client/worker RPC plane")
	cmd.Flags().IntVar(&httpPort, "http-port", 0, "Port for the HTTP API and monitor channel")
	cmd.Flags().StringVar(&persistence, "persistence", "", "Persistence tier: memory, snapshot, state-action-log")
	cmd.Flags().StringVar(&workflowsDir, "workflows-dir", "", "Directory of workflow type definitions")

	return cmd
}
