// Package repo is a client for the signed update repository. Metadata follows the TUF role model
// (root, timestamp, snapshot, targets); the targets role signs the update manifest, the images and
// the migrations.
package repo

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/flipset/flipset/pkg/manifest"
	"github.com/flipset/flipset/pkg/types"
	log "github.com/sirupsen/logrus"
	"github.com/theupdateframework/go-tuf/v2/metadata"
	"golang.org/x/exp/slices"
)

const (
	timestampFile = "timestamp.json"
	snapshotFile  = "snapshot.json"
	targetsFile   = "targets.json"
	rootFile      = "root.json"
)

// Limits caps the size of files whose length is not pinned by another role.
type Limits struct {
	Root             int64
	Timestamp        int64
	MaxRootRotations int
}

// DefaultLimits are used for zero fields of Options.Limits.
var DefaultLimits = Limits{
	Root:             1 << 20,
	Timestamp:        1 << 20,
	MaxRootRotations: 1024,
}

// Options configure a Client.
type Options struct {
	// MetadataURL and TargetsURL are the base URLs of the repository (http, https or file).
	MetadataURL string
	TargetsURL  string
	// TrustedRoot is the root role shipped with the OS, used until a newer root is cached.
	TrustedRoot []byte
	// CacheDir keeps the last trusted metadata. Empty disables caching.
	CacheDir  string
	Transport Transport
	Limits    Limits
	// Now defaults to time.Now.
	Now func() time.Time
}

// Versions reports the version of each trusted role.
type Versions struct {
	Root      int64 `json:"root"`
	Timestamp int64 `json:"timestamp"`
	Snapshot  int64 `json:"snapshot"`
	Targets   int64 `json:"targets"`
}

// trustedSet is one consistent view of the repository. Everything but root may be nil when it
// was only loaded from the cache.
type trustedSet struct {
	root      *metadata.Metadata[metadata.RootType]
	timestamp *metadata.Metadata[metadata.TimestampType]
	snapshot  *metadata.Metadata[metadata.SnapshotType]
	targets   *metadata.Metadata[metadata.TargetsType]
	manifest  *manifest.Manifest

	raw map[string][]byte
}

// Client verifies and caches repository metadata.
type Client struct {
	opts Options

	mu        sync.RWMutex
	trusted   *trustedSet
	refreshed bool
}

// New loads the trusted root, preferring the cached one when it is newer, and the cached roles
// used as rollback reference.
func New(opts Options) (*Client, error) {
	if opts.MetadataURL == "" || opts.TargetsURL == "" {
		return nil, errors.New("metadata and targets URLs are required")
	}
	if opts.Transport == nil {
		opts.Transport = DefaultTransport()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Limits.Root == 0 {
		opts.Limits.Root = DefaultLimits.Root
	}
	if opts.Limits.Timestamp == 0 {
		opts.Limits.Timestamp = DefaultLimits.Timestamp
	}
	if opts.Limits.MaxRootRotations == 0 {
		opts.Limits.MaxRootRotations = DefaultLimits.MaxRootRotations
	}

	c := &Client{opts: opts}
	trusted, err := c.loadCache()
	if err != nil {
		return nil, err
	}
	c.trusted = trusted
	return c, nil
}

// Refresh updates the trusted metadata and the manifest. Nothing changes unless the whole chain
// verifies.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := c.update(ctx)
	if err != nil {
		return err
	}
	if err := c.saveCache(next); err != nil {
		return err
	}
	c.trusted = next
	c.refreshed = true
	log.Infof("Repository refreshed: root v%d, timestamp v%d, snapshot v%d, targets v%d",
		next.root.Signed.Version, next.timestamp.Signed.Version, next.snapshot.Signed.Version, next.targets.Signed.Version)
	return nil
}

func (c *Client) update(ctx context.Context) (*trustedSet, error) {
	now := c.opts.Now()
	prev := c.trusted
	next := &trustedSet{raw: make(map[string][]byte)}

	root, rootRaw, err := c.updateRoot(ctx, prev.root, prev.raw[rootFile])
	if err != nil {
		return nil, err
	}
	if now.After(root.Signed.Expires) {
		return nil, expired(metadata.ROOT, root.Signed.Version, root.Signed.Expires)
	}
	next.root, next.raw[rootFile] = root, rootRaw
	if rotatedKeys(prev.root, root, metadata.TIMESTAMP) || rotatedKeys(prev.root, root, metadata.SNAPSHOT) {
		// rotating these keys is how a repository recovers from a fast-forward attack
		log.Infof("Timestamp or snapshot keys rotated, forgetting cached versions")
		prev = &trustedSet{root: prev.root, targets: prev.targets, raw: prev.raw}
	}

	if next.timestamp, next.raw[timestampFile], err = c.updateTimestamp(ctx, root, prev.timestamp, now); err != nil {
		return nil, err
	}
	if next.snapshot, next.raw[snapshotFile], err = c.updateSnapshot(ctx, root, next.timestamp, prev.snapshot, now); err != nil {
		return nil, err
	}
	if next.targets, next.raw[targetsFile], err = c.updateTargets(ctx, root, next.snapshot, prev.targets, now); err != nil {
		return nil, err
	}

	var manifestRaw []byte
	if next.manifest, manifestRaw, err = c.fetchManifest(ctx, next); err != nil {
		return nil, err
	}
	next.raw[manifest.TargetName] = manifestRaw
	return next, nil
}

// updateRoot follows root rotations: N+1.root.json must be signed by a threshold of both root N
// and itself.
func (c *Client) updateRoot(ctx context.Context, root *metadata.Metadata[metadata.RootType], raw []byte) (*metadata.Metadata[metadata.RootType], []byte, error) {
	for i := 0; i < c.opts.Limits.MaxRootRotations; i++ {
		v := root.Signed.Version + 1
		data, err := fetch(ctx, c.opts.Transport, c.metadataURL(fmt.Sprintf("%d.%s", v, rootFile)), c.opts.Limits.Root)
		if err != nil {
			var te *types.TransportError
			if errors.As(err, &te) && te.NotFound() {
				break
			}
			return nil, nil, err
		}
		next, err := decode[metadata.RootType](metadata.ROOT, data)
		if err != nil {
			return nil, nil, err
		}
		if err := verify(root, metadata.ROOT, next); err != nil {
			return nil, nil, fmt.Errorf("root v%d against root v%d: %w", v, root.Signed.Version, err)
		}
		if err := verify(next, metadata.ROOT, next); err != nil {
			return nil, nil, fmt.Errorf("root v%d against itself: %w", v, err)
		}
		if next.Signed.Version != v {
			return nil, nil, fmt.Errorf("%w: %d.%s has version %d", types.ErrRollback, v, rootFile, next.Signed.Version)
		}
		log.Infof("Rotated to root v%d", v)
		root, raw = next, data
	}
	return root, raw, nil
}

func (c *Client) updateTimestamp(ctx context.Context, root *metadata.Metadata[metadata.RootType], prev *metadata.Metadata[metadata.TimestampType], now time.Time) (*metadata.Metadata[metadata.TimestampType], []byte, error) {
	data, err := fetch(ctx, c.opts.Transport, c.metadataURL(timestampFile), c.opts.Limits.Timestamp)
	if err != nil {
		return nil, nil, err
	}
	ts, err := decode[metadata.TimestampType](metadata.TIMESTAMP, data)
	if err != nil {
		return nil, nil, err
	}
	if err := verify(root, metadata.TIMESTAMP, ts); err != nil {
		return nil, nil, err
	}
	snapMeta, ok := ts.Signed.Meta[snapshotFile]
	if !ok {
		return nil, nil, fmt.Errorf("%w: timestamp does not list %s", types.ErrMalformedMetadata, snapshotFile)
	}
	if prev != nil {
		if ts.Signed.Version < prev.Signed.Version {
			return nil, nil, rollback(metadata.TIMESTAMP, ts.Signed.Version, prev.Signed.Version)
		}
		if old, ok := prev.Signed.Meta[snapshotFile]; ok && snapMeta.Version < old.Version {
			return nil, nil, rollback(metadata.SNAPSHOT, snapMeta.Version, old.Version)
		}
	}
	if now.After(ts.Signed.Expires) {
		return nil, nil, expired(metadata.TIMESTAMP, ts.Signed.Version, ts.Signed.Expires)
	}
	return ts, data, nil
}

func (c *Client) updateSnapshot(ctx context.Context, root *metadata.Metadata[metadata.RootType], ts *metadata.Metadata[metadata.TimestampType], prev *metadata.Metadata[metadata.SnapshotType], now time.Time) (*metadata.Metadata[metadata.SnapshotType], []byte, error) {
	pin := ts.Signed.Meta[snapshotFile]
	data, err := c.fetchPinned(ctx, root, snapshotFile, pin)
	if err != nil {
		return nil, nil, err
	}
	snap, err := decode[metadata.SnapshotType](metadata.SNAPSHOT, data)
	if err != nil {
		return nil, nil, err
	}
	if err := verify(root, metadata.SNAPSHOT, snap); err != nil {
		return nil, nil, err
	}
	if snap.Signed.Version != pin.Version {
		return nil, nil, fmt.Errorf("%w: snapshot version %d, timestamp expects %d", types.ErrIntegrityMismatch, snap.Signed.Version, pin.Version)
	}
	if prev != nil {
		if snap.Signed.Version < prev.Signed.Version {
			return nil, nil, rollback(metadata.SNAPSHOT, snap.Signed.Version, prev.Signed.Version)
		}
		for name, old := range prev.Signed.Meta {
			cur, ok := snap.Signed.Meta[name]
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s was removed from the snapshot", types.ErrRollback, name)
			}
			if cur.Version < old.Version {
				return nil, nil, rollback(name, cur.Version, old.Version)
			}
		}
	}
	if now.After(snap.Signed.Expires) {
		return nil, nil, expired(metadata.SNAPSHOT, snap.Signed.Version, snap.Signed.Expires)
	}
	return snap, data, nil
}

func (c *Client) updateTargets(ctx context.Context, root *metadata.Metadata[metadata.RootType], snap *metadata.Metadata[metadata.SnapshotType], prev *metadata.Metadata[metadata.TargetsType], now time.Time) (*metadata.Metadata[metadata.TargetsType], []byte, error) {
	pin, ok := snap.Signed.Meta[targetsFile]
	if !ok {
		return nil, nil, fmt.Errorf("%w: snapshot does not list %s", types.ErrMalformedMetadata, targetsFile)
	}
	data, err := c.fetchPinned(ctx, root, targetsFile, pin)
	if err != nil {
		return nil, nil, err
	}
	targets, err := decode[metadata.TargetsType](metadata.TARGETS, data)
	if err != nil {
		return nil, nil, err
	}
	if err := verify(root, metadata.TARGETS, targets); err != nil {
		return nil, nil, err
	}
	if targets.Signed.Version != pin.Version {
		return nil, nil, fmt.Errorf("%w: targets version %d, snapshot expects %d", types.ErrIntegrityMismatch, targets.Signed.Version, pin.Version)
	}
	if prev != nil && targets.Signed.Version < prev.Signed.Version {
		return nil, nil, rollback(metadata.TARGETS, targets.Signed.Version, prev.Signed.Version)
	}
	if now.After(targets.Signed.Expires) {
		return nil, nil, expired(metadata.TARGETS, targets.Signed.Version, targets.Signed.Expires)
	}
	return targets, data, nil
}

// fetchPinned downloads a role file whose length, hashes and version are pinned by its parent.
func (c *Client) fetchPinned(ctx context.Context, root *metadata.Metadata[metadata.RootType], name string, pin *metadata.MetaFiles) ([]byte, error) {
	limit := pin.Length
	if limit == 0 {
		limit = c.opts.Limits.Timestamp * 16
	}
	file := name
	if root.Signed.ConsistentSnapshot {
		file = fmt.Sprintf("%d.%s", pin.Version, name)
	}
	data, err := fetch(ctx, c.opts.Transport, c.metadataURL(file), limit)
	if err != nil {
		return nil, err
	}
	if err := pin.VerifyLengthHashes(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", types.ErrIntegrityMismatch, name, err)
	}
	return data, nil
}

func (c *Client) fetchManifest(ctx context.Context, set *trustedSet) (*manifest.Manifest, []byte, error) {
	tf, err := set.target(manifest.TargetName)
	if err != nil {
		return nil, nil, err
	}
	data, err := fetch(ctx, c.opts.Transport, c.targetURL(set, manifest.TargetName, tf), tf.Length)
	if err != nil {
		return nil, nil, err
	}
	if err := tf.VerifyLengthHashes(data); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", types.ErrIntegrityMismatch, manifest.TargetName, err)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return m, data, nil
}

// Manifest returns the manifest of the last successful refresh.
func (c *Client) Manifest() (*manifest.Manifest, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.refreshed {
		return nil, types.ErrNotRefreshed
	}
	return c.trusted.manifest, nil
}

// AvailableVersions returns every update listed in the manifest.
func (c *Client) AvailableVersions() ([]manifest.Update, error) {
	m, err := c.Manifest()
	if err != nil {
		return nil, err
	}
	return slices.Clone(m.Updates), nil
}

// Target returns the signed description of a target.
func (c *Client) Target(name string) (*metadata.TargetFiles, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.refreshed {
		return nil, types.ErrNotRefreshed
	}
	return c.trusted.target(name)
}

// TargetNames lists the signed targets, sorted.
func (c *Client) TargetNames() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.refreshed {
		return nil, types.ErrNotRefreshed
	}
	names := make([]string, 0, len(c.trusted.targets.Signed.Targets))
	for n := range c.trusted.targets.Signed.Targets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// TrustedVersions reports the versions of the trusted roles; zero means not known.
func (c *Client) TrustedVersions() Versions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var v Versions
	t := c.trusted
	v.Root = t.root.Signed.Version
	if t.timestamp != nil {
		v.Timestamp = t.timestamp.Signed.Version
	}
	if t.snapshot != nil {
		v.Snapshot = t.snapshot.Signed.Version
	}
	if t.targets != nil {
		v.Targets = t.targets.Signed.Version
	}
	return v
}

func (t *trustedSet) target(name string) (*metadata.TargetFiles, error) {
	if t.targets == nil {
		return nil, types.ErrNotRefreshed
	}
	tf, ok := t.targets.Signed.Targets[name]
	if !ok {
		return nil, fmt.Errorf("%w: target %q is not signed", types.ErrMalformedMetadata, name)
	}
	if tf.Length <= 0 {
		return nil, fmt.Errorf("%w: target %q has no length", types.ErrMalformedMetadata, name)
	}
	return tf, nil
}

func (c *Client) metadataURL(name string) string {
	u, err := url.JoinPath(c.opts.MetadataURL, name)
	if err != nil {
		return c.opts.MetadataURL + "/" + name
	}
	return u
}

// targetURL honours consistent snapshots, where targets are published under their sha256 prefix.
func (c *Client) targetURL(set *trustedSet, name string, tf *metadata.TargetFiles) string {
	file := name
	if set.root.Signed.ConsistentSnapshot {
		if sum, ok := tf.Hashes["sha256"]; ok {
			file = hex.EncodeToString(sum) + "." + name
		}
	}
	u, err := url.JoinPath(c.opts.TargetsURL, file)
	if err != nil {
		return c.opts.TargetsURL + "/" + file
	}
	return u
}

func decode[T metadata.Roles](role string, data []byte) (*metadata.Metadata[T], error) {
	md, err := new(metadata.Metadata[T]).FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", types.ErrMalformedMetadata, role, err)
	}
	return md, nil
}

func verify(root *metadata.Metadata[metadata.RootType], role string, md any) error {
	if err := root.VerifyDelegate(role, md); err != nil {
		return fmt.Errorf("%w: %s: %w", types.ErrSignatureThresholdNotMet, role, err)
	}
	return nil
}

func expired(role string, version int64, at time.Time) error {
	return fmt.Errorf("%w: %s v%d expired at %s", types.ErrExpiredMetadata, role, version, at.Format(time.RFC3339))
}

func rollback(role string, got, trusted int64) error {
	return fmt.Errorf("%w: %s version %d is lower than trusted version %d", types.ErrRollback, role, got, trusted)
}

func rotatedKeys(prev, cur *metadata.Metadata[metadata.RootType], role string) bool {
	if prev.Signed.Version == cur.Signed.Version {
		return false
	}
	a, b := prev.Signed.Roles[role], cur.Signed.Roles[role]
	if a == nil || b == nil {
		return a != b
	}
	x, y := slices.Clone(a.KeyIDs), slices.Clone(b.KeyIDs)
	slices.Sort(x)
	slices.Sort(y)
	return !slices.Equal(x, y)
}
