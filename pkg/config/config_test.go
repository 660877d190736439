package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	Init(v)
	require.NoError(t, ReadFile(v, filepath.Join(t.TempDir(), "missing.toml"), false))

	s, err := Load(v)
	require.NoError(t, err)
	assert.True(t, s.VersionLock.Latest())
	assert.Equal(t, uint8(3), s.TriesBudget)
	assert.Equal(t, 5*time.Minute, s.Timeout)
	assert.Empty(t, s.HealthUnits)
	assert.Error(t, s.RequireRepository())
}

func TestFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flipset.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
metadata-base-url = "https://updates.example.com/metadata"
targets-base-url = "https://updates.example.com/targets"
version-lock = "1.2.0"
tries-budget = 5
health-units = ["containerd.service", "kubelet.service"]
health-timeout = "90s"
`), 0o644))
	t.Setenv("FLIPSET_IGNORE_WAVES", "true")
	t.Setenv("FLIPSET_TRIES_BUDGET", "7")

	v := viper.New()
	Init(v)
	require.NoError(t, ReadFile(v, path, true))
	s, err := Load(v)
	require.NoError(t, err)

	assert.NoError(t, s.RequireRepository())
	assert.Equal(t, "1.2.0", s.VersionLock.String())
	assert.True(t, s.IgnoreWaves)
	assert.Equal(t, uint8(7), s.TriesBudget, "environment wins over the file")
	assert.Equal(t, []string{"containerd.service", "kubelet.service"}, s.HealthUnits)
	assert.Equal(t, 90*time.Second, s.HealthTimeout)
}

func TestExplicitMissingFile(t *testing.T) {
	v := viper.New()
	Init(v)
	assert.Error(t, ReadFile(v, filepath.Join(t.TempDir(), "missing.toml"), true))
}

func TestLoadInvalid(t *testing.T) {
	v := viper.New()
	Init(v)
	v.Set(KeyVersionLock, "not-a-version")
	v.Set(KeyTriesBudget, 16)
	v.Set(KeyTimeout, "0s")

	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), KeyVersionLock)
	assert.Contains(t, err.Error(), KeyTriesBudget)
	assert.Contains(t, err.Error(), KeyTimeout)
}
