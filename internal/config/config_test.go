package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		// Viper errors on an explicit missing file; defaults path uses search.
		cfg, err = Load("")
	}
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Service.Port)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 1, cfg.Queue.Concurrency)
	assert.Equal(t, 540*time.Second, cfg.Queue.SoftDeadline)
	assert.Equal(t, 600*time.Second, cfg.Queue.HardDeadline)
	assert.Equal(t, 20, cfg.Retrieval.TopK)
	assert.True(t, cfg.Retrieval.QueryExpansion)
	assert.Equal(t, 4000, cfg.Generation.MaxContextTokens)
	assert.Equal(t, "ollama", cfg.LLM.DefaultProvider)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	data := `
service:
  port: 9001
retrieval:
  top_k: 5
queue:
  soft_deadline: 10s
  hard_deadline: 20s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Service.Port)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 10*time.Second, cfg.Queue.SoftDeadline)
	// Untouched sections keep defaults.
	assert.Equal(t, "postgres", cfg.Database.Host)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ENGINE_SERVICE_PORT", "7777")
	t.Setenv("ENGINE_LLM_DEFAULT_MODEL", "llama3")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Service.Port)
	assert.Equal(t, "llama3", cfg.LLM.DefaultModel)
}

func TestValidateRejectsBadDeadlines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  soft_deadline: 30s\n  hard_deadline: 30s\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
