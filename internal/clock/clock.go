// Package clock is the time source shared by the limiter, the retry loop,
// the cache and the token manager.
package clock

import (
	"context"
	"time"

	jujuclock "github.com/juju/clock"
)

// Clock is the subset of juju's clock.Clock the services rely on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Wall is the real clock.
var Wall Clock = jujuclock.WallClock

// Sleep blocks for d on c, returning early with ctx.Err() if ctx is done.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
