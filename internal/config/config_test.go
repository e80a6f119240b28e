package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() *AppConfig {
	return &AppConfig{
		ServerAddr:     ":8081",
		GinMode:        "release",
		DownloadDir:    "./data/files",
		DataDir:        "./data",
		UserAgent:      "test-agent",
		ChunkSize:      4096,
		ConnectTimeout: 10 * time.Second,
		EventQueueSize: 1024,
		StorageMode:    "bbolt",
	}
}

func TestAppConfigValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	cfg = validConfig()
	cfg.ChunkSize = 0
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.ConnectTimeout = 0
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.StorageMode = "postgres"
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.MaxConcurrent = -1
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.MaxConcurrent = 0
	cfg.DownloadTimeout = 0
	require.NoError(t, cfg.Validate(), "zero means unbounded, not invalid")
}

func TestLoadAppConfigDefaults(t *testing.T) {
	cfg, err := LoadAppConfig("no-such-config", "env", t.TempDir())
	require.NoError(t, err)

	require.Equal(t, ":8081", cfg.ServerAddr)
	require.Equal(t, "debug", cfg.GinMode)
	require.Equal(t, 4096, cfg.ChunkSize)
	require.Equal(t, 0, cfg.MaxConcurrent)
	require.Equal(t, time.Duration(0), cfg.DownloadTimeout)
	require.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	require.Equal(t, 1024, cfg.EventQueueSize)
	require.Equal(t, "bbolt", cfg.StorageMode)
}

func TestLoadAppConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	content := "SERVER_ADDR=:9090\nCHUNK_SIZE=8192\nMAX_CONCURRENT=4\nSTORAGE_MODE=memory\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.env"), []byte(content), 0o644))

	cfg, err := LoadAppConfig("app", "env", dir)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.ServerAddr)
	require.Equal(t, 8192, cfg.ChunkSize)
	require.Equal(t, 4, cfg.MaxConcurrent)
	require.Equal(t, "memory", cfg.StorageMode)
	// untouched keys keep their defaults
	require.Equal(t, "debug", cfg.GinMode)
}
