package util

import (
	"context"
	"time"
)

// Backoff is a doubling retry delay capped at Max.
type Backoff struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int // 0 = retry until ctx is done
}

// DefaultBackoff is used for store writes.
var DefaultBackoff = Backoff{Initial: 50 * time.Millisecond, Max: 2 * time.Second, Attempts: 6}

// Retry calls fn until it returns nil, retryable(err) is false, the attempt
// budget is spent or ctx is cancelled. The last error is returned.
func (b Backoff) Retry(ctx context.Context, retryable func(error) bool, fn func() error) error {
	delay := b.Initial
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) {
			return err
		}
		if b.Attempts > 0 && attempt >= b.Attempts {
			return err
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		if b.Max <= 0 || delay < b.Max {
			delay *= 2
			if b.Max > 0 && delay > b.Max {
				delay = b.Max
			}
		}
	}
}
