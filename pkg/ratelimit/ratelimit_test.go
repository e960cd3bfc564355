package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketAllow(t *testing.T) {
	tb := NewTokenBucket(3, 1)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d within capacity must be allowed", i+1)
		}
	}
	if tb.Allow() {
		t.Fatal("request beyond capacity must be rejected")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	tb := NewTokenBucket(1, 10)
	if !tb.Allow() {
		t.Fatal("first request must be allowed")
	}
	if tb.Allow() {
		t.Fatal("bucket must be empty")
	}

	// 人为把上次补充时间拨回 1 秒，验证补充逻辑
	tb.mu.Lock()
	tb.lastRefill = time.Now().Add(-time.Second)
	tb.mu.Unlock()

	if !tb.Allow() {
		t.Fatal("request after refill must be allowed")
	}
}

func TestTokenBucketWaitCancellation(t *testing.T) {
	tb := NewTokenBucket(1, 1)
	tb.Allow() // 掏空

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); err == nil {
		t.Fatal("Wait must honour context cancellation")
	}
}

func TestTokenBucketWaitEventuallyAllows(t *testing.T) {
	tb := NewTokenBucket(1, 10)
	tb.Allow()

	tb.mu.Lock()
	tb.lastRefill = time.Now().Add(-time.Second)
	tb.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("Wait should succeed after refill: %v", err)
	}
}
