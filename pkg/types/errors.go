package types

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
)

var (
	// ErrExpiredMetadata indicates that a repository role's expiration has passed.
	ErrExpiredMetadata = errors.New("repository metadata has expired")

	// ErrSignatureThresholdNotMet indicates that a role does not carry enough valid signatures.
	ErrSignatureThresholdNotMet = errors.New("signature threshold not met")

	// ErrIntegrityMismatch indicates that fetched content does not match its signed length or hashes.
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrRollback indicates that a role version is lower than the trusted one.
	ErrRollback = errors.New("metadata version rollback detected")

	// ErrMalformedMetadata indicates metadata that cannot be decoded or is structurally invalid.
	ErrMalformedMetadata = errors.New("malformed repository metadata")

	// ErrNotRefreshed is returned when repository data is requested before a successful refresh.
	ErrNotRefreshed = errors.New("repository has not been refreshed")

	// ErrTransport is matched by every *TransportError.
	ErrTransport = errors.New("transport error")

	// ErrNoMigrationPath indicates that the migration graph has no contiguous path between two versions.
	ErrNoMigrationPath = errors.New("no migration path")

	// ErrUpdateInProgress indicates that another update workflow owns the update state.
	ErrUpdateInProgress = errors.New("an update is already in progress")

	// ErrNoUpdateAvailable indicates that no update can be chosen for this host.
	ErrNoUpdateAvailable = errors.New("no update available")

	// ErrNotStaged indicates an operation that requires a staged update.
	ErrNotStaged = errors.New("no update is staged")

	// ErrDurability indicates that a partition table write could not be verified.
	ErrDurability = errors.New("partition table write could not be verified")
)

// TransportError wraps a failed fetch of a repository file.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// NotFound reports whether the server or filesystem definitively answered that the file does
// not exist.
func (e *TransportError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound || errors.Is(e.Err, fs.ErrNotExist)
}

// Retryable reports whether repeating the request may succeed.
// Network failures, 5xx and 429 answers are retryable; any other 4xx is definitive.
func (e *TransportError) Retryable() bool {
	switch {
	case e.NotFound():
		return false
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// MigrationError reports the migration whose operation aborted a migration run.
type MigrationError struct {
	MigrationID string
	Cause       error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s failed: %v", e.MigrationID, e.Cause)
}

func (e *MigrationError) Unwrap() error {
	return e.Cause
}

// IsRetryable classifies err as a transient transport failure.
// Trust, planning, execution and durability failures are never retryable.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	return false
}
