package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	pkgerrors "pulse/pkg/errors"
)

// Policy bounds the retry loop used for broker message handling.
// MaxElapsedTime of zero means attempts alone limit the loop.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

func (p Policy) backoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.MaxElapsedTime = p.MaxElapsedTime

	b := backoff.WithContext(exp, ctx)
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}

// nextDelay mirrors the exponential schedule for reporting purposes only;
// the backoff instance owns the actual sleep.
func (p Policy) nextDelay(attempt int) time.Duration {
	d := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

func Retry(ctx context.Context, policy Policy, fn func() error) error {
	return RetryWithCallback(ctx, policy, fn, nil)
}

// RetryWithCallback retries fn under policy. An error whose chain carries
// IsFatal()==true stops the loop immediately; everything else is retried.
// onRetry, when set, observes each failed attempt that will be retried.
func RetryWithCallback(ctx context.Context, policy Policy, fn func() error, onRetry func(attempt int, err error, nextDelay time.Duration)) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}

		var fatal pkgerrors.FatalError
		if errors.As(err, &fatal) && fatal.IsFatal() {
			return backoff.Permanent(err)
		}

		if onRetry != nil && attempt < policy.MaxAttempts {
			onRetry(attempt, err, policy.nextDelay(attempt))
		}
		return err
	}

	return backoff.Retry(operation, policy.backoff(ctx))
}
