package runtime

import (
	"context"
	"time"

	"github.com/ocx/backend/internal/domain"
)

// backoffDelay computes the delay before retry attempt n (1-indexed: the
// delay before the 2nd attempt is backoffDelay(policy, 1)).
func backoffDelay(policy domain.RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := policy.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}

	var d time.Duration
	switch policy.Backoff {
	case "exp":
		d = base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				d = max
				break
			}
		}
	default:
		d = base
	}
	if d > max {
		d = max
	}
	return d
}

// sleep waits out a retry delay, returning early if ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
