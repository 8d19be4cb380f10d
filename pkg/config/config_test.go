package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("workflow-engine")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Engine.MaxParallelNodes)
	assert.Equal(t, "workflow-engine", cfg.Telemetry.ServiceName)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0o755))
	yaml := []byte(`
database:
  driver: sqlite
  path: ":memory:"
recovery:
  checkpoint_retention_hours: 2
  max_concurrent_replays: 1
engine:
  workers: 3
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "engine.yaml"), yaml, 0o644))
	chdir(t, dir)
	t.Setenv("ONEO_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("ONEO_SERVER_PORT", "9090")

	cfg, err := Load("engine")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Engine.Workers)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)

	rc := cfg.Recovery.ToRecoveryConfiguration()
	assert.Equal(t, 2*time.Hour, rc.CheckpointRetention)
	assert.Equal(t, 1, rc.MaxConcurrentReplays)

	oc := cfg.Engine.ToOrchestratorConfig(cfg.Recovery)
	assert.Equal(t, 60, oc.DefaultTimeoutMinutes)
	assert.Equal(t, 30*time.Second, oc.LeaseTTL)
	assert.Equal(t, 2*time.Hour, oc.Recovery.CheckpointRetention)

	db := cfg.Database.ToDatabaseConfig()
	assert.Equal(t, "sqlite", db.Driver)
	assert.Equal(t, ":memory:", db.Path)
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
