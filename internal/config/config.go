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

// Package config loads the coordinator configuration from a TOML file.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Aetherframework-ai/aether/pkg/errors"
)

// Persistence modes.
const (
	PersistenceMemory    = "memory"
	PersistenceSnapshot  = "snapshot"
	PersistenceActionLog = "state-action-log"
)

// Retention modes.
const (
	RetentionKeepAll = "keep-all"
	RetentionTTL     = "ttl"
)

// Config is the top-level coordinator configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Persistence PersistenceConfig `toml:"persistence"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Retention   RetentionConfig   `toml:"retention"`
	Workers     WorkersConfig     `toml:"workers"`
}

// ServerConfig configures the coordinator listeners.
type ServerConfig struct {
	// GRPCPort is the port for the client/worker RPC plane.
	GRPCPort int `toml:"grpc_port"`

	// HTTPPort is the port for the HTTP API, monitor channel, and health endpoint.
	HTTPPort int `toml:"http_port"`

	// DBPath is the persistence location: a SQLite file for the snapshot
	// tier, a directory for the state-action-log tier.
	DBPath string `toml:"db_path"`

	// WorkflowsDir holds declared-mode workflow type definitions (*.yaml).
	WorkflowsDir string `toml:"workflows_dir"`
}

// PersistenceConfig selects the durability tier.
type PersistenceConfig struct {
	// Mode is one of memory, snapshot, state-action-log.
	Mode string `toml:"mode"`

	// SnapshotInterval is how often the snapshot tier flushes dirty
	// workflows. Only meaningful in snapshot mode.
	SnapshotInterval duration `toml:"snapshot_interval"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// RetentionConfig controls when terminal workflows are deleted.
type RetentionConfig struct {
	// Mode is keep-all (default) or ttl.
	Mode string `toml:"mode"`

	// TTL is the age after which terminal workflows are deleted in ttl mode.
	TTL duration `toml:"ttl"`
}

// WorkersConfig carries worker-plane timing defaults.
type WorkersConfig struct {
	// HeartbeatTimeout is how long a worker may go silent before it is
	// marked Dead and its claims release.
	HeartbeatTimeout duration `toml:"heartbeat_timeout"`

	// VisibilityTimeout is how long a claimed task stays invisible to other
	// workers without a completion or task heartbeat.
	VisibilityTimeout duration `toml:"visibility_timeout"`

	// CancelDeadline bounds how long the coordinator waits for a worker to
	// acknowledge a cancellation before force-transitioning the workflow.
	CancelDeadline duration `toml:"cancel_deadline"`
}

// duration wraps time.Duration with TOML text unmarshalling ("30s", "5m").
type duration time.Duration

// UnmarshalText implements toml.Unmarshaler via encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCPort:     7233,
			HTTPPort:     7234,
			DBPath:       "aether-data",
			WorkflowsDir: "",
		},
		Persistence: PersistenceConfig{
			Mode:             PersistenceMemory,
			SnapshotInterval: duration(10 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
		Retention: RetentionConfig{
			Mode: RetentionKeepAll,
		},
		Workers: WorkersConfig{
			HeartbeatTimeout:  duration(30 * time.Second),
			VisibilityTimeout: duration(60 * time.Second),
			CancelDeadline:    duration(30 * time.Second),
		},
	}
}

// Load reads the configuration file at path, applying defaults for any
// fields the file omits. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{Reason: "cannot read config file", Cause: err}
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, &errors.ConfigError{Reason: "cannot parse config file", Cause: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Persistence.Mode {
	case PersistenceMemory, PersistenceSnapshot, PersistenceActionLog:
	default:
		return &errors.ConfigError{
			Key:    "persistence.mode",
			Reason: "must be one of memory, snapshot, state-action-log",
		}
	}

	switch c.Retention.Mode {
	case RetentionKeepAll, RetentionTTL, "":
	default:
		return &errors.ConfigError{
			Key:    "retention.mode",
			Reason: "must be keep-all or ttl",
		}
	}
	if c.Retention.Mode == RetentionTTL && c.Retention.TTL.Duration() <= 0 {
		return &errors.ConfigError{
			Key:    "retention.ttl",
			Reason: "ttl mode requires a positive ttl",
		}
	}

	if c.Server.GRPCPort == c.Server.HTTPPort {
		return &errors.ConfigError{
			Key:    "server.http_port",
			Reason: "grpc_port and http_port must differ",
		}
	}

	if c.Persistence.Mode != PersistenceMemory && c.Server.DBPath == "" {
		return &errors.ConfigError{
			Key:    "server.db_path",
			Reason: "durable persistence requires db_path",
		}
	}

	return nil
}
