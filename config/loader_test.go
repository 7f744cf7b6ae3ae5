package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, cfg.LLM.Provider)
	assert.Equal(t, 5, cfg.Search.MaxResults)
	assert.Equal(t, 6, cfg.Engine.MaxIterations)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
search:
  api_key: "abc123"
  max_results: 8
engine:
  max_iterations: 4
`), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "abc123", cfg.Search.APIKey)
	assert.Equal(t, 8, cfg.Search.MaxResults)
	assert.Equal(t, 4, cfg.Engine.MaxIterations)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
search:
  max_result: 8
`), 0o644))

	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ORCHESTRATOR_SEARCH_MAX_RESULTS", "3")
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Search.MaxResults)
}

func TestValidateRejectsBadProvider(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "nonsense"
	assert.Error(t, cfg.Validate())
}
