package repo

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flipset/flipset/pkg/types"
	log "github.com/sirupsen/logrus"
)

// RetryPolicy bounds RefreshWithRetry.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: time.Second,
	MaxInterval:     8 * time.Second,
	MaxElapsedTime:  time.Minute,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

// Refresher is implemented by *Client.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RefreshWithRetry refreshes c, retrying transport failures with exponential backoff.
// Trust failures are returned at once.
func RefreshWithRetry(ctx context.Context, c Refresher, p RetryPolicy) error {
	op := func() error {
		err := c.Refresh(ctx)
		if err != nil && !types.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warnf("Repository refresh failed, retrying in %s: %v", next, err)
	}
	return backoff.RetryNotify(op, p.backOff(ctx), notify)
}
