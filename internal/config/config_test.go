package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	root := t.TempDir()
	path := Path(root)
	require.NoError(t, WriteDefault(path))

	var raw map[string]any
	_, err := toml.DecodeFile(path, &raw)
	require.NoError(t, err)
	assert.Equal(t, "docs", raw["docs_dir"])
	assert.Equal(t, "30s", raw["lock"].(map[string]any)["timeout"])

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)

	assert.Error(t, WriteDefault(path), "existing file is kept")
}

func TestFileAndEnvironmentOverride(t *testing.T) {
	root := t.TempDir()
	path := Path(root)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`
docs_dir = "planning"

[lock]
policy = "fail-fast"

[context]
max_notes = 5

[daemon]
auto_repair = true
`), 0644))

	t.Setenv("WST_LOCK_TIMEOUT", "2s")
	t.Setenv("WST_CONTEXT_MAX_ACTION_ITEMS", "7")

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, "planning", cfg.DocsDir)
	assert.Equal(t, "fail-fast", cfg.Lock.Policy)
	assert.Equal(t, 2*time.Second, cfg.Lock.Timeout)
	assert.Equal(t, 7, cfg.Context.MaxActionItems)
	assert.Equal(t, 5, cfg.Context.MaxNotes)
	assert.True(t, cfg.Daemon.AutoRepair)
	assert.Equal(t, Default().Migration, cfg.Migration)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown lock policy", func(c *Config) { c.Lock.Policy = "spin" }, "Config.Lock.Policy"},
		{"zero timeout", func(c *Config) { c.Lock.Timeout = 0 }, "Config.Lock.Timeout"},
		{"branch prefix needs slash", func(c *Config) { c.Migration.BranchPrefix = "migration" }, "Config.Migration.BranchPrefix"},
		{"feed address", func(c *Config) { c.Feed.Addr = "nowhere" }, "Config.Feed.Addr"},
		{"empty docs dir", func(c *Config) { c.DocsDir = "" }, "Config.DocsDir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestInvalidFileIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("[context]\nmax_notes = 0\n"), 0644))
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MaxNotes")

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
