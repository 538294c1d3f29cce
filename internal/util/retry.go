package util

import (
	"context"
	"fmt"
	"time"
)

// maxRetryDelay caps the exponential backoff. Tick backfills retry against
// rate-limited market-data APIs; waiting longer than this per attempt just
// stalls the day loop.
const maxRetryDelay = 30 * time.Second

// Retry runs fn until it succeeds, up to maxAttempts times, doubling the
// delay between attempts from baseDelay up to a fixed cap. The final failure
// is returned wrapped with the attempt count; cancellation between attempts
// returns the context error instead.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	delay := baseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == maxAttempts {
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}
