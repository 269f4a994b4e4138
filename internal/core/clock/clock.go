// Package clock provides an injectable time source so liveness checks and
// recovery delays can be driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Clock abstracts wall-clock reads and interruptible sleeps.
type Clock interface {
	Now() time.Time

	// Sleep blocks for d or until ctx is cancelled, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the production clock backed by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
