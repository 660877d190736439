package types

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportErrorRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       *TransportError
		retryable bool
		notFound  bool
	}{
		{"network failure", &TransportError{URL: "http://repo/x", Err: io.ErrUnexpectedEOF}, true, false},
		{"server error", &TransportError{URL: "http://repo/x", StatusCode: http.StatusBadGateway}, true, false},
		{"rate limited", &TransportError{URL: "http://repo/x", StatusCode: http.StatusTooManyRequests}, true, false},
		{"not found", &TransportError{URL: "http://repo/x", StatusCode: http.StatusNotFound}, false, true},
		{"forbidden", &TransportError{URL: "http://repo/x", StatusCode: http.StatusForbidden}, false, false},
		{"missing file", &TransportError{URL: "file:///repo/x", Err: &fs.PathError{Op: "open", Path: "/repo/x", Err: fs.ErrNotExist}}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.err.Retryable())
			assert.Equal(t, tt.notFound, tt.err.NotFound())
			assert.Equal(t, tt.retryable, IsRetryable(fmt.Errorf("refresh: %w", tt.err)))
			assert.ErrorIs(t, tt.err, ErrTransport)
		})
	}
}

func TestIsRetryableNonTransport(t *testing.T) {
	assert.False(t, IsRetryable(ErrExpiredMetadata))
	assert.False(t, IsRetryable(&MigrationError{MigrationID: "m", Cause: errors.New("boom")}))
	assert.False(t, IsRetryable(nil))
}

func TestMigrationError(t *testing.T) {
	cause := errors.New("key not found")
	err := fmt.Errorf("stage: %w", &MigrationError{MigrationID: "migrate_v1.1.0_foo", Cause: cause})

	var me *MigrationError
	assert.True(t, errors.As(err, &me))
	assert.Equal(t, "migrate_v1.1.0_foo", me.MigrationID)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "migrate_v1.1.0_foo")
}
