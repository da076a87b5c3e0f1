package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	t.Run("parses duration strings", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		content := `{
			"baseURL": "http://panel.example",
			"listenAddr": ":9090",
			"databasePath": "/tmp/test.db",
			"transcoderURL": "http://transcoder:8000",
			"transcoderTimeout": "15s",
			"transcoderRateLimit": 20,
			"outputBaseURL": "http://panel.example/streams",
			"reconcileInterval": "1m",
			"reconcileMaxAttempts": 3,
			"reconcileBaseDelay": "10s",
			"startingGracePeriod": "5m",
			"snapshotCacheTTL": "2s",
			"workerThreads": 4,
			"defaultQuality": "1080p",
			"defaultBitrate": "4000k",
			"logLevel": "debug"
		}`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := LoadFromFile(path)
		require.NoError(t, err)

		assert.Equal(t, ":9090", cfg.ListenAddr)
		assert.Equal(t, 15*time.Second, cfg.TranscoderTimeout)
		assert.Equal(t, time.Minute, cfg.ReconcileInterval)
		assert.Equal(t, 10*time.Second, cfg.ReconcileBaseDelay)
		assert.Equal(t, 5*time.Minute, cfg.StartingGracePeriod)
		assert.Equal(t, 2*time.Second, cfg.SnapshotCacheTTL)
		assert.Equal(t, "1080p", cfg.DefaultQuality)
	})

	t.Run("bad duration fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"transcoderTimeout": "soon"}`), 0644))

		_, err := LoadFromFile(path)
		assert.Error(t, err)
	})

	t.Run("missing file fails", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})

	t.Run("invalid json fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

		_, err := LoadFromFile(path)
		assert.Error(t, err)
	})
}

func TestValidateAndSetDefaults(t *testing.T) {
	cfg := &Config{}
	validateAndSetDefaults(cfg)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.TranscoderTimeout)
	assert.Equal(t, 10, cfg.TranscoderRateLimit)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 5, cfg.ReconcileMaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.StartingGracePeriod)
	assert.Equal(t, 8, cfg.WorkerThreads)
	assert.Equal(t, "720p", cfg.DefaultQuality)
	assert.Equal(t, "2000k", cfg.DefaultBitrate)
	assert.Equal(t, "info", cfg.LogLevel)

	t.Run("output base derives from base url", func(t *testing.T) {
		cfg := &Config{BaseURL: "http://panel.example"}
		validateAndSetDefaults(cfg)
		assert.Equal(t, "http://panel.example/streams", cfg.OutputBaseURL)
	})
}

func TestCreateExampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.json")
	require.NoError(t, CreateExampleConfig(path))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "720p", cfg.DefaultQuality)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
}
