package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobstore/db"
	"jobstore/models"
)

func TestSetDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, db.DefaultEndpoint, cfg.Mongo.Endpoint)
	assert.Equal(t, db.DefaultDatabase, cfg.Mongo.Database)
	assert.Equal(t, db.DefaultCollection, cfg.Mongo.Collection)
	assert.Equal(t, time.Duration(0), cfg.RecordExpiry)
	assert.Equal(t, db.DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, models.DefaultLimits, cfg.Limits)
	assert.Equal(t, "localhost:8080", cfg.Server.Addr())
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Sweeper.Enabled)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
region: EU
record_expiry: 5m
mongo:
  database: Jobs
  read_only: true
limits:
  max_payload_length: 10
sweeper:
  enabled: true
  schedule: "@every 1m"
`), 0o600))

	t.Setenv("JOBSTORE_REGION", "US")
	t.Setenv("JOBSTORE_SERVER_PORT", "9000")

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "US", cfg.Region)
	assert.Equal(t, 5*time.Minute, cfg.RecordExpiry)
	assert.Equal(t, "Jobs", cfg.Mongo.Database)
	assert.True(t, cfg.Mongo.ReadOnly)
	assert.Equal(t, 10, cfg.Limits.MaxPayloadLength)
	assert.Equal(t, models.DefaultLimits.MaxResultLength, cfg.Limits.MaxResultLength)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.True(t, cfg.Sweeper.Enabled)

	opts := cfg.StoreOptions()
	assert.Equal(t, "US", opts.Region)
	assert.Equal(t, "Jobs", opts.Database)
	assert.Equal(t, 5*time.Minute, opts.RecordExpiry)
	assert.True(t, opts.ReadOnly)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"negative expiry", "record_expiry: -1m\n"},
		{"port out of range", "server:\n  port: 70000\n"},
		{"bad schedule", "sweeper:\n  enabled: true\n  schedule: sometimes\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "jobstore.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))

			_, err := Load(New(), path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
