// Package clock holds the wakeable sleep shared by the admission loop and
// the registry. Time itself comes from a clockwork.Clock so tests can drive
// both with a clockwork.FakeClock.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Sleep blocks for d on clk, or until ctx is done or one of the wake
// channels fires. It returns ctx.Err() on cancellation and nil otherwise.
// Nil wake channels never fire; at most two are consulted.
func Sleep(ctx context.Context, clk clockwork.Clock, d time.Duration, wake ...<-chan struct{}) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clk.NewTimer(d)
	defer t.Stop()

	var w0, w1 <-chan struct{}
	if len(wake) > 0 {
		w0 = wake[0]
	}
	if len(wake) > 1 {
		w1 = wake[1]
	}

	select {
	case <-t.Chan():
		return nil
	case <-w0:
		return nil
	case <-w1:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
