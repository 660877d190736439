// Package bootmon confirms a boot once the system has proven healthy. A boot that is never
// confirmed keeps consuming tries, and the bootloader eventually falls back on its own.
package bootmon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// ErrUnhealthy is returned when the health checks did not pass within the timeout.
var ErrUnhealthy = errors.New("health checks did not pass")

const (
	DefaultTimeout  = 5 * time.Minute
	DefaultInterval = 2 * time.Second
	maxInterval     = 30 * time.Second
)

// Monitor waits for Checker to pass and then calls Confirm, at most once per boot.
type Monitor struct {
	Checker Checker
	// Confirm marks the booted set successful and finalizes the update state.
	Confirm func(ctx context.Context) error
	Timeout time.Duration
	// Interval is the first polling interval; it doubles up to 30s.
	Interval time.Duration
	// Marker is created after a confirmed boot. It should live on a filesystem cleared on boot,
	// such as /run. Empty disables the once-per-boot check.
	Marker string
}

// Run blocks until the boot is confirmed, the timeout expires or ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.Marker != "" {
		if _, err := os.Stat(m.Marker); err == nil {
			log.Infof("Boot already confirmed (%s exists)", m.Marker)
			return nil
		}
	}

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0

	start := time.Now()
	notify := func(err error, next time.Duration) {
		log.Debugf("System not healthy yet, checking again in %s: %v", next, err)
	}
	if err := backoff.RetryNotify(func() error { return m.Checker.Check(checkCtx) }, backoff.WithContext(b, checkCtx), notify); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warnf("Health checks did not pass within %s, leaving the boot unconfirmed", timeout)
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	log.Infof("System healthy after %s", time.Since(start).Round(time.Millisecond))

	if err := m.Confirm(ctx); err != nil {
		return fmt.Errorf("confirming boot: %w", err)
	}
	if m.Marker != "" {
		if err := os.MkdirAll(filepath.Dir(m.Marker), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(m.Marker, nil, 0o644); err != nil {
			return err
		}
	}
	return nil
}
