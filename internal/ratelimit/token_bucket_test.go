package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64, now *time.Time) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refill, time.Minute, WithClock(func() time.Time { return *now })), mr
}

func TestSiteBucket(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	bucket, mr := newBucket(t, 2, 1, &now)

	for i := 0; i < 2; i++ {
		wait, err := bucket.Take(ctx, "site-a")
		if err != nil || wait != 0 {
			t.Fatalf("token %d: expected grant, got wait=%s err=%v", i+1, wait, err)
		}
	}
	if wait, _ := bucket.Take(ctx, "site-a"); wait != time.Second {
		t.Fatalf("expected a 1s wait on an empty bucket, got %s", wait)
	}
	if wait, _ := bucket.Take(ctx, "site-b"); wait != 0 {
		t.Fatalf("sites must not share a bucket")
	}

	now = now.Add(1500 * time.Millisecond)
	if wait, _ := bucket.Take(ctx, "site-a"); wait != 0 {
		t.Fatalf("expected a refilled token after 1.5s, got wait %s", wait)
	}
	if wait, _ := bucket.Take(ctx, "site-a"); wait != 500*time.Millisecond {
		t.Fatalf("half a token left, expected 500ms wait, got %s", wait)
	}
	if !mr.Exists(SiteKey("site-a")) {
		t.Fatalf("expected bucket stored under %s", SiteKey("site-a"))
	}
}

func TestWaitScalesWithRefill(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	bucket, _ := newBucket(t, 1, 4, &now)

	_, _ = bucket.Take(ctx, "s")
	if wait, _ := bucket.Take(ctx, "s"); wait != 250*time.Millisecond {
		t.Fatalf("expected 250ms at 4 tokens/s, got %s", wait)
	}
}

func TestNoRefillReportsStarved(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	bucket, _ := newBucket(t, 1, 0, &now)

	_, _ = bucket.Take(ctx, "s")
	now = now.Add(time.Hour)
	if wait, _ := bucket.Take(ctx, "s"); wait != starved {
		t.Fatalf("expected %s, got %s", starved, wait)
	}
}
