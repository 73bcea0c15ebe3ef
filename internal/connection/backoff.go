package connection

import (
	"fmt"
	"time"
)

// InfiniteDelay is returned once the attempts are exhausted: no reconnect is
// scheduled and the connection is failed.
const InfiniteDelay time.Duration = 1000000000 * time.Second

// Backoff is the reconnect policy: after k consecutive failures the wait is
// BaseDelay × 2^(k−1), for at most MaxAttempts failures.
type Backoff struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

func (b Backoff) String() string {
	return fmt.Sprintf("%v x2 up to %d attempts", b.BaseDelay, b.MaxAttempts)
}

// DelayAfter returns the wait before the next attempt, or InfiniteDelay when
// failedAttempts exceeds MaxAttempts. Finite delays saturate just below
// InfiniteDelay.
func (b Backoff) DelayAfter(failedAttempts int) time.Duration {
	if failedAttempts <= 0 {
		panic("failed attempts must be positive")
	}
	if failedAttempts > b.MaxAttempts {
		return InfiniteDelay
	}

	delay := b.BaseDelay
	for i := 1; i < failedAttempts; i++ {
		if delay >= InfiniteDelay/2 {
			return InfiniteDelay - 1
		}
		delay *= 2
	}
	if delay >= InfiniteDelay {
		return InfiniteDelay - 1
	}
	return delay
}
