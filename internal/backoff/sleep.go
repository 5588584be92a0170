package backoff

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Sleep waits duration on clk or until ctx is done, returning ctx.Err() in
// that case. A nil clk is the wall clock.
func Sleep(ctx context.Context, clk clock.Clock, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	if clk == nil {
		clk = clock.New()
	}

	timer := clk.Timer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
