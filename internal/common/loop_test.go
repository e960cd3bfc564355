package common

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunTimerLoopStopsOnNonPositiveDelay(t *testing.T) {
	var calls int32
	RunTimerLoop(context.Background(), time.Millisecond, func(ctx context.Context) time.Duration {
		if atomic.AddInt32(&calls, 1) >= 3 {
			return 0
		}
		return time.Millisecond
	})
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls got=%d want=3", got)
	}
}

func TestRunTimerLoopHonoursVariableDelay(t *testing.T) {
	var gaps []time.Duration
	last := time.Now()
	RunTimerLoop(context.Background(), time.Millisecond, func(ctx context.Context) time.Duration {
		now := time.Now()
		gaps = append(gaps, now.Sub(last))
		last = now
		if len(gaps) >= 2 {
			return 0
		}
		return 50 * time.Millisecond
	})
	if len(gaps) != 2 {
		t.Fatalf("iterations got=%d want=2", len(gaps))
	}
	if gaps[1] < 50*time.Millisecond {
		t.Fatalf("second gap %v shorter than requested delay", gaps[1])
	}
}

func TestRunTimerLoopStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		RunTimerLoop(ctx, time.Hour, func(ctx context.Context) time.Duration {
			t.Error("fn must not run after cancel")
			return 0
		})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit on cancelled context")
	}
}

func TestRunTickerLoopUntil(t *testing.T) {
	var calls int32
	RunTickerLoopUntil(context.Background(), time.Millisecond, func(ctx context.Context) bool {
		return atomic.AddInt32(&calls, 1) < 4
	})
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("calls got=%d want=4", got)
	}
}

func TestInFlightLimiter(t *testing.T) {
	l := NewInFlightLimiter(2)

	if !l.TryAcquire() || !l.TryAcquire() {
		t.Fatal("first two acquisitions must succeed")
	}
	if l.TryAcquire() {
		t.Fatal("third acquisition must fail at limit")
	}
	if got := l.InFlight(); got != 2 {
		t.Fatalf("InFlight got=%d want=2", got)
	}

	l.Release()
	if !l.TryAcquire() {
		t.Fatal("acquisition after release must succeed")
	}
}

func TestSendLatestEvictsOldest(t *testing.T) {
	ch := make(chan int, 1)
	SendLatest(ch, 1)
	SendLatest(ch, 2)
	SendLatest(ch, 3)
	if got := <-ch; got != 3 {
		t.Fatalf("receiver must see the most recent value, got=%d", got)
	}
	select {
	case extra := <-ch:
		t.Fatalf("stale value left in buffer: %d", extra)
	default:
	}
}

func TestTrySignal(t *testing.T) {
	ch := make(chan struct{}, 1)
	if !TrySignal(ch) {
		t.Fatal("signal into empty buffer must succeed")
	}
	if TrySignal(ch) {
		t.Fatal("signal into full buffer must not block or succeed")
	}
	<-ch
	if !TrySignal(ch) {
		t.Fatal("signal after drain must succeed")
	}
}
