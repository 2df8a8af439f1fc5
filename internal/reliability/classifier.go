package reliability

import (
	"context"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Sleeper waits for d or until ctx is cancelled. Tests inject an instant
// sleeper so retry behavior is checked without real timers.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FixedRetry runs an operation up to MaxAttempts times with a fixed Delay
// between attempts. It exists for short eventual-consistency windows where
// exponential backoff would only add latency.
type FixedRetry struct {
	MaxAttempts int
	Delay       time.Duration
}

// Do runs op until it succeeds, returns a non-retryable error, the attempt
// budget is exhausted, or ctx is cancelled. It reports the number of attempts
// made alongside the last error.
func (r FixedRetry) Do(ctx context.Context, sleep Sleeper, op func(ctx context.Context) error, retryable func(error) bool) (int, error) {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	for i := 1; i <= attempts; i++ {
		err = op(ctx)
		if err == nil {
			return i, nil
		}
		if retryable != nil && !retryable(err) {
			return i, err
		}
		if i == attempts {
			return i, err
		}
		if serr := sleep(ctx, r.Delay); serr != nil {
			return i, serr
		}
	}
	return attempts, err
}
