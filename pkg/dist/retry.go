package dist

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds the attempts of an operation.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Delay is the wait after the failed attempt with the given zero-based
	// index.
	Delay func(attempt int) time.Duration
	// Sleep waits for d or until ctx is done. Nil means a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetry is used for group initialisation: 5 attempts, waiting 2, 4, 8
// and 16 seconds in between.
var DefaultRetry = RetryPolicy{Attempts: 5, Delay: Exponential(2 * time.Second)}

// Exponential returns base, 2*base, 4*base, ...
func Exponential(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base << attempt
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry runs op until it succeeds or the policy is exhausted. After every
// failure teardown is called, so that the next attempt starts clean. The
// last failure is returned.
func Retry(ctx context.Context, policy RetryPolicy, op func(context.Context) error, teardown func()) error {
	wait := policy.Sleep
	if wait == nil {
		wait = sleep
	}
	delay := policy.Delay
	if delay == nil {
		delay = DefaultRetry.Delay
	}
	attempts := max(policy.Attempts, 1)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if teardown != nil {
			teardown()
		}
		if attempt == attempts-1 {
			break
		}
		if err := wait(ctx, delay(attempt)); err != nil {
			return fmt.Errorf("retry interrupted after attempt %d: %w", attempt+1, err)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, err)
}
