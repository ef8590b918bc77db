package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Retry runs fn up to maxAttempts times, sleeping delay between failures.
// It stops early when ctx is done so a shutting-down caller never waits out
// the full retry schedule.
func Retry(ctx context.Context, logger *logrus.Logger, maxAttempts int, delay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			logger.Errorf("Attempt %d/%d failed: %v", attempt, maxAttempts, err)
			if attempt < maxAttempts {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return fmt.Errorf("retry aborted: %w", ctx.Err())
				}
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}
