package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 4000, cfg.Queue.Size)
	assert.Equal(t, "/webs", cfg.WebSocket.Path)
	assert.True(t, cfg.WebSocket.CheckOrigin)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.True(t, cfg.Metrics.EnablePrometheus)
	assert.Equal(t, 5, cfg.Metrics.SystemSampleInterval)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broadcaster.yaml")
	contents := "server:\n  port: 9100\nqueue:\n  size: 100\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 100, cfg.Queue.Size)
	// untouched keys keep their defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("BROADCASTER_SERVER_PORT", "9200")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	_, err := Load("/nonexistent/path/broadcaster.yaml")
	require.NoError(t, err)
}

func TestSystemSampleDuration(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.SystemSampleDuration())
}
