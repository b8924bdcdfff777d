package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ExampleFile(t *testing.T) {
	path, err := filepath.Abs("config.example.yaml")
	require.NoError(t, err)

	chdir(t)
	t.Setenv("CATIMAGE_CONFIG", path)
	t.Setenv("PORT", "")
	t.Setenv("REDIS_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	defaults := buildDefaultConfig()
	assert.Equal(t, defaults.Server.Port, cfg.Server.Port)
	assert.Equal(t, defaults.Loader, cfg.Loader)
	assert.Equal(t, defaults.HTTP, cfg.HTTP)
	assert.Equal(t, defaults.Cache.Local, cfg.Cache.Local)
	assert.Equal(t, defaults.Memory, cfg.Memory)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Cache.Redis.URL)
	assert.Equal(t, "info", cfg.Logging.Level)
}
