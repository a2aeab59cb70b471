// Package retry wraps cenkalti/backoff with the project's retry policy:
// only xerrors.KindTransient failures are retried, and only up to a
// caller-supplied attempt budget.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// Policy configures a bounded exponential backoff loop.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy matches the intent-republish budget named in §4.4 of
// the group state machine spec: five attempts before an intent is
// marked Error.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Do runs fn, retrying while it returns a transient xerrors.Error, up
// to p.MaxAttempts. A non-transient error is returned immediately
// without further attempts.
func Do(ctx context.Context, p Policy, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	bounded := backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	withCtx := backoff.WithContext(bounded, ctx)

	var lastErr error
	op := func() error {
		err := fn()
		lastErr = err
		if err == nil {
			return nil
		}
		if !xerrors.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, withCtx); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
