package fn

import (
	"context"
	"math/rand"
	"time"
)

// RetryOpts configures retry behavior. MaxAttempts counts the first call.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
	// OnRetry, if set, is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// Retry calls f until it returns Ok or MaxAttempts is reached, backing off
// exponentially between attempts. The last failed Result is returned as-is.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	var result Result[T]
	wait := opts.InitialWait

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result = f(ctx)
		if result.IsOk() || attempt == opts.MaxAttempts {
			return result
		}
		if err := ctx.Err(); err != nil {
			return Err[T](err)
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, result.err)
		}

		sleepDur := wait
		if opts.Jitter {
			sleepDur = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		if opts.MaxWait > 0 && sleepDur > opts.MaxWait {
			sleepDur = opts.MaxWait
		}
		if sleepDur > 0 {
			select {
			case <-ctx.Done():
				return Err[T](ctx.Err())
			case <-time.After(sleepDur):
			}
		}

		wait *= 2
		if opts.MaxWait > 0 && wait > opts.MaxWait {
			wait = opts.MaxWait
		}
	}
	return result
}
