package testutils

import (
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/stretchr/testify/require"
	"github.com/theupdateframework/go-tuf/v2/metadata"
)

var roles = []string{metadata.ROOT, metadata.TIMESTAMP, metadata.SNAPSHOT, metadata.TARGETS}

// Repo is a signed repository on disk with one ed25519 key per role.
type Repo struct {
	Dir         string
	TrustedRoot []byte

	Root      *metadata.Metadata[metadata.RootType]
	Timestamp *metadata.Metadata[metadata.TimestampType]
	Snapshot  *metadata.Metadata[metadata.SnapshotType]
	Targets   *metadata.Metadata[metadata.TargetsType]

	Signers   map[string]signature.Signer
	published bool

	mu       sync.Mutex
	requests []*http.Request
}

func newSigner(t *testing.T) (signature.Signer, *metadata.Key) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer, err := signature.LoadSigner(priv, crypto.Hash(0))
	require.NoError(t, err)
	key, err := metadata.KeyFromPublicKey(pub)
	require.NoError(t, err)
	return signer, key
}

// NewRepo creates a repository whose roles expire in a week. Nothing is published yet except
// 1.root.json.
func NewRepo(t *testing.T, dir string) *Repo {
	t.Helper()
	expires := time.Now().UTC().Add(7 * 24 * time.Hour).Truncate(time.Second)
	r := &Repo{
		Dir:       dir,
		Root:      metadata.Root(expires),
		Timestamp: metadata.Timestamp(expires),
		Snapshot:  metadata.Snapshot(expires),
		Targets:   metadata.Targets(expires),
		Signers:   make(map[string]signature.Signer),
	}
	for _, role := range roles {
		signer, key := newSigner(t)
		require.NoError(t, r.Root.Signed.AddKey(key, role))
		r.Signers[role] = signer
	}
	require.NoError(t, os.MkdirAll(r.MetadataDir(), 0o755))
	require.NoError(t, os.MkdirAll(r.TargetsDir(), 0o755))

	r.TrustedRoot = Sign(t, r.Root, r.Signers[metadata.ROOT])
	r.write(t, "1.root.json", r.TrustedRoot)
	return r
}

func (r *Repo) MetadataDir() string { return filepath.Join(r.Dir, "metadata") }
func (r *Repo) TargetsDir() string  { return filepath.Join(r.Dir, "targets") }

// FileURLs returns file:// base URLs of the repository.
func (r *Repo) FileURLs() (string, string) {
	return "file://" + r.MetadataDir(), "file://" + r.TargetsDir()
}

// Serve exposes the repository over HTTP for the lifetime of the test.
func (r *Repo) Serve(t *testing.T) (string, string) {
	t.Helper()
	files := http.FileServer(http.Dir(r.Dir))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.requests = append(r.requests, req.Clone(req.Context()))
		r.mu.Unlock()
		files.ServeHTTP(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/metadata", srv.URL + "/targets"
}

// Requests returns the requests served so far.
func (r *Repo) Requests() []*http.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*http.Request(nil), r.requests...)
}

// AddTarget stores a target file and lists it in the targets role. It takes effect on Publish.
func (r *Repo) AddTarget(t *testing.T, name string, data []byte) {
	t.Helper()
	sum := sha256.Sum256(data)
	r.Targets.Signed.Targets[name] = &metadata.TargetFiles{
		Length: int64(len(data)),
		Hashes: metadata.Hashes{"sha256": sum[:]},
		Path:   name,
	}
	writeFile(t, r.TargetsDir(), name, data)
	writeFile(t, r.TargetsDir(), hex.EncodeToString(sum[:])+"."+name, data)
}

// Publish signs and writes targets, snapshot and timestamp. Every publish after the first bumps
// the three versions.
func (r *Repo) Publish(t *testing.T) {
	t.Helper()
	if r.published {
		r.Targets.Signed.Version++
		r.Snapshot.Signed.Version++
		r.Timestamp.Signed.Version++
	}
	r.published = true

	targets := Sign(t, r.Targets, r.Signers[metadata.TARGETS])
	r.writeVersioned(t, "targets.json", r.Targets.Signed.Version, targets)

	r.Snapshot.Signed.Meta["targets.json"] = MetaFile(r.Targets.Signed.Version, targets)
	snapshot := Sign(t, r.Snapshot, r.Signers[metadata.SNAPSHOT])
	r.writeVersioned(t, "snapshot.json", r.Snapshot.Signed.Version, snapshot)

	r.Timestamp.Signed.Meta["snapshot.json"] = MetaFile(r.Snapshot.Signed.Version, snapshot)
	r.PublishTimestamp(t)
}

// PublishTimestamp re-signs and writes only the timestamp role, at its current version.
func (r *Repo) PublishTimestamp(t *testing.T) {
	t.Helper()
	r.write(t, "timestamp.json", Sign(t, r.Timestamp, r.Signers[metadata.TIMESTAMP]))
}

// RotateRoot publishes the next root with a fresh key for role. The new root is signed by the
// new root key, and by the previous one when signOld is set.
func (r *Repo) RotateRoot(t *testing.T, role string, signOld bool) {
	t.Helper()
	oldRoot := r.Signers[metadata.ROOT]
	signer, key := newSigner(t)
	r.Root.Signed.Keys[key.ID()] = key
	r.Root.Signed.Roles[role].KeyIDs = []string{key.ID()}
	r.Root.Signed.Version++
	r.Signers[role] = signer

	r.Root.Signatures = []metadata.Signature{}
	if signOld && role == metadata.ROOT {
		_, err := r.Root.Sign(oldRoot)
		require.NoError(t, err)
	}
	_, err := r.Root.Sign(r.Signers[metadata.ROOT])
	require.NoError(t, err)
	data, err := r.Root.ToBytes(true)
	require.NoError(t, err)
	r.write(t, fmt.Sprintf("%d.root.json", r.Root.Signed.Version), data)
}

// WriteMetadata overwrites a metadata file as is.
func (r *Repo) WriteMetadata(t *testing.T, name string, data []byte) {
	t.Helper()
	r.write(t, name, data)
}

// ReadMetadata returns the current content of a metadata file.
func (r *Repo) ReadMetadata(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(r.MetadataDir(), name))
	require.NoError(t, err)
	return data
}

func (r *Repo) writeVersioned(t *testing.T, name string, version int64, data []byte) {
	r.write(t, name, data)
	r.write(t, fmt.Sprintf("%d.%s", version, name), data)
}

func (r *Repo) write(t *testing.T, name string, data []byte) {
	t.Helper()
	writeFile(t, r.MetadataDir(), name, data)
}

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

// Sign replaces the signatures of md with one by signer and returns the encoded metadata.
func Sign[T metadata.Roles](t *testing.T, md *metadata.Metadata[T], signer signature.Signer) []byte {
	t.Helper()
	md.Signatures = []metadata.Signature{}
	_, err := md.Sign(signer)
	require.NoError(t, err)
	data, err := md.ToBytes(true)
	require.NoError(t, err)
	return data
}

// MetaFile describes data the way a parent role pins it.
func MetaFile(version int64, data []byte) *metadata.MetaFiles {
	sum := sha256.Sum256(data)
	return &metadata.MetaFiles{
		Version: version,
		Length:  int64(len(data)),
		Hashes:  metadata.Hashes{"sha256": sum[:]},
	}
}
