// Package clock abstracts time so campaign scheduling can be driven by a
// fake in tests.
package clock

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// Clock is the time source used for stagger delays, retry delays and the
// polling tick. It is the part of k8s.io/utils/clock.Clock the scheduler
// needs, and also satisfies retry-go's Timer interface.
type Clock interface {
	clock.PassiveClock
	After(d time.Duration) <-chan time.Time
}

var _ Clock = clock.RealClock{}

// Real returns a Clock backed by the time package.
func Real() Clock { return clock.RealClock{} }

// Sleep blocks for d or until ctx is done. A non-positive d returns
// immediately unless ctx is already cancelled.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-c.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
