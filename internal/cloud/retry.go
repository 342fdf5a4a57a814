package cloud

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jbweber/kiln/internal/hypervisor"
)

// RetryPolicy bounds the retries of read operations. Create, restart and
// terminate are never retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt. Zero
	// disables retrying.
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// read runs fn until it succeeds, the retries are exhausted or ctx ends.
// Missing objects are final.
func (p RetryPolicy) read(ctx context.Context, fn func() error) error {
	if p.MaxRetries == 0 {
		return fn()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && (hypervisor.IsNotFound(err) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
