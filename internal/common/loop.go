package common

import (
	"context"
	"time"
)

// RunTimerLoop runs fn on a timer chain until ctx is cancelled or fn
// returns a non-positive delay.
//
// Semantics:
// - fn returns the delay until the next invocation ("re-arm only if still
//   active"); returning <= 0 ends the loop.
// - two invocations of the same loop never overlap.
//
// This replaces the ticker-based loop where the interval changes between
// iterations (e.g. backing off after a fill).
func RunTimerLoop(ctx context.Context, initial time.Duration, fn func(ctx context.Context) time.Duration) {
	timer := time.NewTimer(initial)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := fn(ctx)
		if next <= 0 {
			return
		}
		timer.Reset(next)
	}
}

// RunTickerLoop runs fn at a fixed interval until ctx is cancelled.
func RunTickerLoop(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// RunTickerLoopUntil runs fn at a fixed interval until ctx is cancelled or
// fn returns false.
func RunTickerLoopUntil(ctx context.Context, interval time.Duration, fn func(ctx context.Context) bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !fn(ctx) {
				return
			}
		}
	}
}
