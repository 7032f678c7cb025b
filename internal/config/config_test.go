package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("GUARDIAN_DATA_DIR", dataDir)

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dataDir, "guardian.db"), cfg.DBPath)
	assert.Equal(t, "guardian_team", cfg.ProjectTeamDir)
	assert.Equal(t, "llama3.2", cfg.Defaults.Model)
	assert.Equal(t, "ollama", cfg.Defaults.Provider)
}

func TestNewLoadsTOML(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("GUARDIAN_DATA_DIR", dataDir)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "config.toml"), []byte(`
[defaults]
model = "gpt-4o-mini"
provider = "openai"
api_key = "sk-test"
`), 0o644))

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", cfg.Defaults.Model)
	assert.Equal(t, "openai", cfg.Defaults.Provider)
	assert.Equal(t, "sk-test", cfg.Defaults.APIKey)
}

func TestEnvOverridesTOML(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("GUARDIAN_DATA_DIR", dataDir)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "config.toml"), []byte(`
[defaults]
model = "from-file"
`), 0o644))
	t.Setenv("GUARDIAN_MODEL", "from-env")
	t.Setenv("GUARDIAN_API_URL", "http://localhost:1234/v1")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Defaults.Model)
	assert.Equal(t, "http://localhost:1234/v1", cfg.Defaults.APIURL)
}

func TestBadTOMLFails(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("GUARDIAN_DATA_DIR", dataDir)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "config.toml"), []byte("[defaults\n"), 0o644))

	_, err := New()
	assert.Error(t, err)
}

func TestEnsureDataDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested", "data")
	t.Setenv("GUARDIAN_DATA_DIR", dataDir)

	cfg, err := New()
	require.NoError(t, err)
	require.NoError(t, cfg.EnsureDataDir())

	info, err := os.Stat(dataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
