package repo

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/flipset/flipset/pkg/types"
	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
	"github.com/theupdateframework/go-tuf/v2/metadata"

	_ "crypto/sha256"
	_ "crypto/sha512"
)

// targetVerifiers returns a digest verifier for every supported hash the target is signed with.
func targetVerifiers(name string, tf *metadata.TargetFiles) ([]digest.Verifier, error) {
	var verifiers []digest.Verifier
	for alg, sum := range tf.Hashes {
		a := digest.Algorithm(alg)
		if !a.Available() {
			log.Debugf("Skipping unsupported %s hash of %s", alg, name)
			continue
		}
		d := digest.NewDigestFromEncoded(a, hex.EncodeToString(sum))
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s hash of %s: %w", types.ErrMalformedMetadata, alg, name, err)
		}
		verifiers = append(verifiers, d.Verifier())
	}
	if len(verifiers) == 0 {
		return nil, fmt.Errorf("%w: %s has no supported hash", types.ErrMalformedMetadata, name)
	}
	return verifiers, nil
}

// FetchTarget streams a signed target into w. The length and every supported hash are checked
// against the targets role; on ErrIntegrityMismatch w has received unverified data and must be
// discarded by the caller.
func (c *Client) FetchTarget(ctx context.Context, name string, w io.Writer) error {
	c.mu.RLock()
	set, refreshed := c.trusted, c.refreshed
	c.mu.RUnlock()
	if !refreshed {
		return types.ErrNotRefreshed
	}

	tf, err := set.target(name)
	if err != nil {
		return err
	}
	verifiers, err := targetVerifiers(name, tf)
	if err != nil {
		return err
	}

	rawURL := c.targetURL(set, name, tf)
	rc, err := c.opts.Transport.Open(ctx, rawURL)
	if err != nil {
		return err
	}
	defer rc.Close()

	writers := []io.Writer{w}
	for _, v := range verifiers {
		writers = append(writers, v)
	}
	n, err := io.Copy(io.MultiWriter(writers...), io.LimitReader(rc, tf.Length+1))
	if err != nil {
		if ctx.Err() != nil {
			return &types.TransportError{URL: rawURL, Err: ctx.Err()}
		}
		return &types.TransportError{URL: rawURL, Err: err}
	}
	if n != tf.Length {
		return fmt.Errorf("%w: %s is %d bytes, signed length is %d", types.ErrIntegrityMismatch, name, n, tf.Length)
	}
	for _, v := range verifiers {
		if !v.Verified() {
			return fmt.Errorf("%w: %s does not match its signed hash", types.ErrIntegrityMismatch, name)
		}
	}
	log.Debugf("Fetched target %s (%d bytes)", name, n)
	return nil
}

// FetchMigration downloads a signed migration document.
func (c *Client) FetchMigration(ctx context.Context, name string) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.FetchTarget(ctx, name, &buf); err != nil {
		return nil, fmt.Errorf("migration %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
