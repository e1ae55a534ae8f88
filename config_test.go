package dealersync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadConfig_MissingFileUsesDefaults verifies a missing config file is
// not an error.
func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

// TestLoadConfig_OverridesDefaults verifies file values layer over the
// defaults.
func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dealersync.yaml")
	data := []byte("database_path: /tmp/x.db\nrecycle_every: 25\nrequests_per_second: 2.0\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.DatabasePath)
	assert.Equal(t, 25, cfg.RecycleEvery)
	assert.Equal(t, 2.0, cfg.RequestsPerSecond)
	assert.Equal(t, DefaultConfig().TierAttempts, cfg.TierAttempts, "unset fields keep defaults")
}

// TestLoadConfig_InvalidYAML verifies parse failures surface.
func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dealersync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database_path: [unclosed"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}
