// Package hostid keeps the host's rollout seed. The seed is drawn once and never changes, so a
// host keeps its place across every rollout.
package hostid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/flipset/flipset/pkg/wave"
	"github.com/moby/sys/atomicwriter"
	log "github.com/sirupsen/logrus"
)

// DefaultSeedFile survives updates on the persistent data partition.
const DefaultSeedFile = "/var/lib/flipset/seed"

// Generate draws a seed uniformly from [0, wave.MaxSeed).
func Generate() (uint32, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(wave.MaxSeed))
	if err != nil {
		return 0, fmt.Errorf("generating seed: %w", err)
	}
	return uint32(n.Int64()), nil
}

// Parse reads a seed file's content.
func Parse(data []byte) (uint32, error) {
	s := strings.TrimSpace(string(data))
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid seed %q: %w", s, err)
	}
	if n >= wave.MaxSeed {
		return 0, fmt.Errorf("seed %d out of range [0, %d)", n, wave.MaxSeed)
	}
	return uint32(n), nil
}

// LoadOrCreate returns the seed stored at path, generating and storing one on first use.
// An unreadable or corrupt seed file is an error, never silently regenerated.
func LoadOrCreate(path string) (uint32, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return Parse(data)
	case !errors.Is(err, os.ErrNotExist):
		return 0, fmt.Errorf("reading seed: %w", err)
	}

	seed, err := Generate()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("creating seed directory: %w", err)
	}
	if err := atomicwriter.WriteFile(path, []byte(strconv.FormatUint(uint64(seed), 10)+"\n"), 0o644); err != nil {
		return 0, fmt.Errorf("writing seed: %w", err)
	}
	log.Infof("Generated rollout seed %d", seed)
	return seed, nil
}
