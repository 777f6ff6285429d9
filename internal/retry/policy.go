package retry

import (
	"context"
	"time"
)

// Policy decides how many times an external call is attempted and how long to
// wait in between.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Once attempts exactly one time.
var Once = Policy{MaxAttempts: 1}

// Backoff returns the wait before the given retry (1-based): base, 2*base, 4*base... capped at MaxDelay.
func (p Policy) Backoff(retry int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	if retry <= 0 {
		return base
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		if d > time.Hour {
			return time.Hour
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, the attempts run out, ctx is done, or
// retryable reports false for the returned error. The last error is returned.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			t := time.NewTimer(p.Backoff(i))
			select {
			case <-ctx.Done():
				t.Stop()
				return err
			case <-t.C:
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}
