package backoff

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been exhausted.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Retry runs fn until it succeeds, the context ends, or maxAttempts calls
// have failed. Sleeps between attempts run on clk and follow policy with
// zero-based attempts. The returned error wraps both ErrMaxAttemptsExhausted
// and the last failure.
func Retry(ctx context.Context, clk clock.Clock, policy Policy, maxAttempts int, fn func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt < maxAttempts-1 {
			if err := Sleep(ctx, clk, Delay(policy, attempt)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: %w", ErrMaxAttemptsExhausted, lastErr)
}
