// Package retry runs an operation again on transient failure with jittered
// exponential backoff. It covers the non-HTTP paths; HTTP calls go through
// the failsafe pipeline in pkg/httpclient instead.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy bounds the attempts and the backoff window.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy suits short exchange calls: three tries inside ~3 seconds.
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc reports whether an error is worth another attempt.
type IsTransientFunc func(error) bool

// Do runs fn until it succeeds, fails permanently, exhausts the policy, or
// the context ends. The last error is returned on exhaustion.
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	if policy.MaxAttempts < 1 {
		return fmt.Errorf("retry: MaxAttempts must be positive, got %d", policy.MaxAttempts)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) || attempt == policy.MaxAttempts {
			return lastErr
		}
		if err := sleep(ctx, policy.delay(attempt)); err != nil {
			return err
		}
	}
}

// delay doubles per attempt up to MaxBackoff, plus up to 50% jitter so
// concurrent callers do not reconverge on the same instant.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.InitialBackoff << (attempt - 1)
	if d > p.MaxBackoff || d <= 0 {
		d = p.MaxBackoff
	}
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
