// Package retry runs an operation with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the randomization factor applied to each delay (0..1).
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts:  5,
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  5 * time.Second,
		Jitter:    0.5,
	}
}

// Func is one attempt. attempt starts at 1.
type Func[T any] func(ctx context.Context, attempt int) (T, error)

// Permanent marks an error that must not be retried. WithBackoff returns the
// wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// WithBackoff calls fn until it succeeds, returns a permanent error, the
// attempt budget runs out or ctx is done. The last error is returned.
func WithBackoff[T any](ctx context.Context, p Policy, fn Func[T]) (T, error) {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
	}
	b.Reset()

	attempt := 0
	op := func() (T, error) {
		attempt++
		return fn(ctx, attempt)
	}
	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.Attempts)),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return v, err
}
