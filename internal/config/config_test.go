package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aether.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7233, cfg.Server.GRPCPort)
	assert.Equal(t, 7234, cfg.Server.HTTPPort)
	assert.Equal(t, PersistenceMemory, cfg.Persistence.Mode)
	assert.Equal(t, RetentionKeepAll, cfg.Retention.Mode)
	assert.Equal(t, 30*time.Second, cfg.Workers.HeartbeatTimeout.Duration())
	assert.Equal(t, 60*time.Second, cfg.Workers.VisibilityTimeout.Duration())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
[server]
grpc_port = 8233
http_port = 8234
db_path = "/var/lib/aether"

[persistence]
mode = "state-action-log"

[metrics]
enabled = true
port = 9191

[workers]
heartbeat_timeout = "10s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8233, cfg.Server.GRPCPort)
	assert.Equal(t, "/var/lib/aether", cfg.Server.DBPath)
	assert.Equal(t, PersistenceActionLog, cfg.Persistence.Mode)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, 10*time.Second, cfg.Workers.HeartbeatTimeout.Duration())
	// Unspecified fields keep defaults.
	assert.Equal(t, 60*time.Second, cfg.Workers.VisibilityTimeout.Duration())
}

func TestLoad_InvalidPersistenceMode(t *testing.T) {
	path := writeConfig(t, `
[persistence]
mode = "etcd"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persistence.mode")
}

func TestLoad_TTLRequiresDuration(t *testing.T) {
	path := writeConfig(t, `
[retention]
mode = "ttl"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention.ttl")
}

func TestLoad_PortCollision(t *testing.T) {
	path := writeConfig(t, `
[server]
grpc_port = 9000
http_port = 9000
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
