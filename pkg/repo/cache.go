package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flipset/flipset/pkg/manifest"
	"github.com/flipset/flipset/pkg/types"
	"github.com/moby/sys/atomicwriter"
	log "github.com/sirupsen/logrus"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

// saved in this order so that an interrupted save never leaves a newer timestamp next to an
// older snapshot
var cacheOrder = []string{rootFile, manifest.TargetName, targetsFile, snapshotFile, timestampFile}

// loadCache builds the starting trust: the newer of the shipped and the cached root, plus
// whatever cached roles still verify against it. Cached roles are rollback references only;
// they may be expired.
func (c *Client) loadCache() (*trustedSet, error) {
	shipped, err := c.loadRoot(c.opts.TrustedRoot)
	if err != nil {
		return nil, fmt.Errorf("trusted root: %w", err)
	}
	set := &trustedSet{root: shipped, raw: map[string][]byte{rootFile: c.opts.TrustedRoot}}
	if c.opts.CacheDir == "" {
		return set, nil
	}

	if data, ok := c.readCached(rootFile); ok {
		cached, err := c.loadRoot(data)
		switch {
		case err != nil:
			log.Warnf("Ignoring cached root: %v", err)
		case cached.Signed.Version > shipped.Signed.Version:
			set.root, set.raw[rootFile] = cached, data
		}
	}

	if data, ok := c.readCached(timestampFile); ok {
		if md, err := decode[metadata.TimestampType](metadata.TIMESTAMP, data); err == nil && verify(set.root, metadata.TIMESTAMP, md) == nil {
			set.timestamp = md
		} else {
			log.Debugf("Ignoring cached %s", timestampFile)
		}
	}
	if data, ok := c.readCached(snapshotFile); ok {
		if md, err := decode[metadata.SnapshotType](metadata.SNAPSHOT, data); err == nil && verify(set.root, metadata.SNAPSHOT, md) == nil {
			set.snapshot = md
		} else {
			log.Debugf("Ignoring cached %s", snapshotFile)
		}
	}
	if data, ok := c.readCached(targetsFile); ok {
		if md, err := decode[metadata.TargetsType](metadata.TARGETS, data); err == nil && verify(set.root, metadata.TARGETS, md) == nil {
			set.targets = md
		} else {
			log.Debugf("Ignoring cached %s", targetsFile)
		}
	}
	return set, nil
}

func (c *Client) loadRoot(data []byte) (*metadata.Metadata[metadata.RootType], error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty root", types.ErrMalformedMetadata)
	}
	root, err := decode[metadata.RootType](metadata.ROOT, data)
	if err != nil {
		return nil, err
	}
	if err := verify(root, metadata.ROOT, root); err != nil {
		return nil, err
	}
	return root, nil
}

func (c *Client) readCached(name string) ([]byte, bool) {
	data, err := os.ReadFile(filepath.Join(c.opts.CacheDir, name))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("Reading cached %s: %v", name, err)
		}
		return nil, false
	}
	return data, true
}

func (c *Client) saveCache(set *trustedSet) error {
	if c.opts.CacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.opts.CacheDir, 0o755); err != nil {
		return fmt.Errorf("creating metadata cache: %w", err)
	}
	for _, name := range cacheOrder {
		data, ok := set.raw[name]
		if !ok {
			continue
		}
		if err := atomicwriter.WriteFile(filepath.Join(c.opts.CacheDir, name), data, 0o644); err != nil {
			return fmt.Errorf("caching %s: %w", name, err)
		}
	}
	return nil
}
