package hostid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flipset/flipset/pkg/wave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lib", "seed")

	seed, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Less(t, seed, uint32(wave.MaxSeed))
	assert.FileExists(t, path)

	for i := 0; i < 3; i++ {
		again, err := LoadOrCreate(path)
		require.NoError(t, err)
		assert.Equal(t, seed, again)
	}
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed")
	require.NoError(t, os.WriteFile(path, []byte("2048\n"), 0o644))
	_, err := LoadOrCreate(path)
	assert.ErrorContains(t, err, "out of range")

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2048\n", string(got), "a bad seed must not be replaced")
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"0", 0, false},
		{" 2047\n", 2047, false},
		{"2048", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerateRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		seed, err := Generate()
		require.NoError(t, err)
		assert.Less(t, seed, uint32(wave.MaxSeed))
	}
}
