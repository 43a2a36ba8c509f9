package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newQueue(t *testing.T) (*RedisQueue, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueue(client, Options{PriorityQueues: []string{"high", "default", "low"}, VisibilityTimeout: time.Minute})
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, &now
}

func TestDequeueRespectsPriority(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)

	if err := q.Enqueue(ctx, "job-low", "low", *now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "job-high", "high", *now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 2 {
		t.Fatalf("expected depth 2, got %d", depth)
	}

	first, err := q.DequeueWithLease(ctx)
	if err != nil || first != "job-high" {
		t.Fatalf("expected job-high first, got %q err=%v", first, err)
	}
	second, _ := q.DequeueWithLease(ctx)
	if second != "job-low" {
		t.Fatalf("expected job-low second, got %q", second)
	}
	empty, err := q.DequeueWithLease(ctx)
	if err != nil || empty != "" {
		t.Fatalf("expected empty queue, got %q err=%v", empty, err)
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)

	_ = q.Enqueue(ctx, "job-1", "default", *now)
	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("expected job-1, got %q", id)
	}
	if ids, _ := q.RequeueExpired(ctx, now.Add(30*time.Second), 10); len(ids) != 0 {
		t.Fatalf("lease must not expire early: %v", ids)
	}
	ids, err := q.RequeueExpired(ctx, now.Add(2*time.Minute), 10)
	if err != nil || len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected job-1 reclaimed, got %v err=%v", ids, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("reclaimed job must be ready again, got %q", id)
	}
}

func TestRescheduleKeepsFailureCount(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)

	_ = q.Enqueue(ctx, "job-1", "high", *now)
	_, _ = q.DequeueWithLease(ctx)
	if n, err := q.RecordFailure(ctx, "job-1"); err != nil || n != 1 {
		t.Fatalf("expected failure count 1, got %d err=%v", n, err)
	}
	if err := q.Reschedule(ctx, "job-1", now.Add(10*time.Second)); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if n, _ := q.PromoteScheduled(ctx, *now, 10); n != 0 {
		t.Fatalf("job promoted before its run time")
	}
	if n, _ := q.PromoteScheduled(ctx, now.Add(11*time.Second), 10); n != 1 {
		t.Fatalf("expected one promotion, got %d", n)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("expected job-1 back on the high queue, got %q", id)
	}
	if n, _ := q.RecordFailure(ctx, "job-1"); n != 2 {
		t.Fatalf("failure count must survive a reschedule, got %d", n)
	}
}

func TestDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)

	_ = q.Enqueue(ctx, "job-1", "", *now)
	_, _ = q.DequeueWithLease(ctx)
	if err := q.DeadLetter(ctx, "job-1"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	ids, err := q.DLQPeek(ctx, 10)
	if err != nil || len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected job-1 in DLQ, got %v err=%v", ids, err)
	}
	if reclaimed, _ := q.RequeueExpired(ctx, now.Add(time.Hour), 10); len(reclaimed) != 0 {
		t.Fatalf("dead-lettered job must not hold a lease: %v", reclaimed)
	}
}

func TestCancelRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)

	_ = q.Enqueue(ctx, "ready", "default", *now)
	_ = q.Enqueue(ctx, "later", "default", now.Add(time.Hour))
	for _, id := range []string{"ready", "later"} {
		if err := q.Cancel(ctx, id); err != nil {
			t.Fatalf("cancel %s: %v", id, err)
		}
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("expected empty ready lists, got %d", depth)
	}
	if n, _ := q.PromoteScheduled(ctx, now.Add(2*time.Hour), 10); n != 0 {
		t.Fatalf("cancelled job must not be promoted, got %d", n)
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)

	if err := q.Enqueue(ctx, "job-1", "high", *now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "job-1", "low", *now); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected one ready entry, got %d", depth)
	}

	_, _ = q.DequeueWithLease(ctx)
	if err := q.Enqueue(ctx, "job-1", "high", *now); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("leased job must count as queued, got %v", err)
	}
	_ = q.Ack(ctx, "job-1")
	if err := q.Enqueue(ctx, "job-1", "high", *now); err != nil {
		t.Fatalf("acked job can be queued again: %v", err)
	}
}

func TestUnknownPriorityFallsBackToMiddle(t *testing.T) {
	ctx := context.Background()
	q, now := newQueue(t)

	_ = q.Enqueue(ctx, "odd", "urgent", now.Add(time.Second))
	_ = q.Enqueue(ctx, "low", "low", *now)
	if n, err := q.PromoteScheduled(ctx, now.Add(time.Second), 10); err != nil || n != 1 {
		t.Fatalf("expected one promotion, got %d err=%v", n, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "odd" {
		t.Fatalf("expected the default-priority job ahead of low, got %q", id)
	}
}
