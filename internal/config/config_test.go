package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-flash", cfg.LLM.Model)
	assert.Equal(t, 3, cfg.Agent.MaxCorrections)
	assert.Equal(t, 10, cfg.Agent.MaxPlannerHops)
	assert.Equal(t, 180*time.Second, cfg.ReplyTimeout())
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scimate.yaml")
	raw := `
llm:
  model: gemini-2.5-pro
  timeout: 30s
server:
  addr: 0.0.0.0:9000
policy:
  blocked_modules: [os, net]
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-pro", cfg.LLM.Model)
	assert.Equal(t, 30*time.Second, cfg.LLMTimeout())
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, []string{"os", "net"}, cfg.Policy.BlockedModules)

	// Untouched sections keep their defaults.
	assert.Equal(t, "data/scimate.db", cfg.Storage.DatabasePath)
}

func TestLoadRejectsConflictingPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scimate.yaml")
	raw := `
policy:
  allowed_modules: [fmt]
  blocked_modules: [os]
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("model, addr and db", func(t *testing.T) {
		t.Setenv("SCIMATE_MODEL", "gemini-exp")
		t.Setenv("SCIMATE_ADDR", "127.0.0.1:1234")
		t.Setenv("SCIMATE_DB", "/tmp/other.db")

		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)

		assert.Equal(t, "gemini-exp", cfg.LLM.Model)
		assert.Equal(t, "127.0.0.1:1234", cfg.Server.Addr)
		assert.Equal(t, "/tmp/other.db", cfg.Storage.DatabasePath)
	})

	t.Run("SCIMATE_API_KEY wins over GEMINI_API_KEY", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "gemini-key")
		t.Setenv("SCIMATE_API_KEY", "scimate-key")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "scimate-key", cfg.LLM.APIKey)
	})

	t.Run("plugin paths split on list separator", func(t *testing.T) {
		t.Setenv("SCIMATE_PLUGIN_PATHS", "a"+string(os.PathListSeparator)+"b")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, []string{"a", "b"}, cfg.Plugins.Paths)
	})
}

func TestInvalidTimeoutFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Timeout = "not-a-duration"
	assert.Equal(t, 120*time.Second, cfg.LLMTimeout())

	cfg.Execution.ReplyTimeout = "also bad"
	assert.Equal(t, 180*time.Second, cfg.ReplyTimeout())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "scimate.yaml")

	cfg := DefaultConfig()
	cfg.LLM.Model = "gemini-custom"
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gemini-custom", got.LLM.Model)
}
