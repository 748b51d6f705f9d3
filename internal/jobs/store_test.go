package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb, ttl), mr
}

func TestInitCreatesQueuedRecord(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	if err := store.Init(ctx, "job-1", Request{URL: "https://example.com/v"}); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	record, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record == nil {
		t.Fatal("expected record, got nil")
	}
	if record.Status != StatusQueued {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.Progress != 0 {
		t.Fatalf("unexpected progress: %f", record.Progress)
	}
	if record.CreatedAt.IsZero() || record.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be set")
	}
}

func TestGetUnknownJobReturnsNil(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)

	record, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record != nil {
		t.Fatalf("expected nil record, got %#v", record)
	}
}

func TestSetStatusUpdatesProgressAndRefreshesTTL(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	ctx := context.Background()

	if err := store.Init(ctx, "job-1", Request{URL: "https://example.com/v"}); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	// TTL を半分消化してから書き込み、保持期間が戻ることを確認する
	mr.FastForward(30 * time.Minute)
	if err := store.SetStatus(ctx, "job-1", StatusRunning, 50); err != nil {
		t.Fatalf("SetStatus returned error: %v", err)
	}

	record, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != StatusRunning || record.Progress != 50 {
		t.Fatalf("unexpected record: status=%s progress=%f", record.Status, record.Progress)
	}

	if ttl := mr.TTL(jobKey("job-1")); ttl < 59*time.Minute {
		t.Fatalf("expected TTL to be refreshed, got %v", ttl)
	}
}

func TestSetStatusClampsProgress(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	if err := store.Init(ctx, "job-1", Request{URL: "https://example.com/v"}); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if err := store.SetStatus(ctx, "job-1", StatusRunning, 150); err != nil {
		t.Fatalf("SetStatus returned error: %v", err)
	}

	record, _ := store.Get(ctx, "job-1")
	if record.Progress != 100 {
		t.Fatalf("expected progress to be clamped to 100, got %f", record.Progress)
	}
}

func TestSetResultForcesTerminalInvariants(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	if err := store.Init(ctx, "job-1", Request{URL: "https://example.com/v"}); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if err := store.SetStatus(ctx, "job-1", StatusRunning, 42); err != nil {
		t.Fatalf("SetStatus returned error: %v", err)
	}

	result := Result{
		Mime:        "video/mp4",
		FileName:    "clip.mp4",
		SizeBytes:   1234,
		StoragePath: "/storage/2026/08/30/job-1/clip.mp4",
	}
	if err := store.SetResult(ctx, "job-1", result); err != nil {
		t.Fatalf("SetResult returned error: %v", err)
	}

	record, _ := store.Get(ctx, "job-1")
	if record.Status != StatusSucceeded {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.Progress != 100 {
		t.Fatalf("expected progress 100, got %f", record.Progress)
	}
	if record.Error != "" {
		t.Fatalf("expected error to be cleared, got %q", record.Error)
	}
	if record.Result == nil || record.Result.FileName != "clip.mp4" {
		t.Fatalf("unexpected result: %#v", record.Result)
	}
}

func TestSetErrorClearsResult(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	if err := store.Init(ctx, "job-1", Request{URL: "https://example.com/v"}); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if err := store.SetResult(ctx, "job-1", Result{FileName: "clip.mp4"}); err != nil {
		t.Fatalf("SetResult returned error: %v", err)
	}
	if err := store.SetError(ctx, "job-1", "extraction failed"); err != nil {
		t.Fatalf("SetError returned error: %v", err)
	}

	record, _ := store.Get(ctx, "job-1")
	if record.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.Result != nil {
		t.Fatalf("expected result to be cleared, got %#v", record.Result)
	}
	if record.Error != "extraction failed" {
		t.Fatalf("unexpected error message: %q", record.Error)
	}
}

func TestSetStatusRejectsTerminalDowngrade(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	if err := store.Init(ctx, "job-1", Request{URL: "https://example.com/v"}); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if err := store.SetResult(ctx, "job-1", Result{FileName: "clip.mp4"}); err != nil {
		t.Fatalf("SetResult returned error: %v", err)
	}

	err := store.SetStatus(ctx, "job-1", StatusRunning, 10)
	if !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}

	record, _ := store.Get(ctx, "job-1")
	if record.Status != StatusSucceeded {
		t.Fatalf("terminal state was overwritten: %s", record.Status)
	}
}

func TestMarkRunningCompareAndSet(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	if err := store.Init(ctx, "job-1", Request{URL: "https://example.com/v"}); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	if err := store.MarkRunning(ctx, "job-1"); err != nil {
		t.Fatalf("MarkRunning returned error: %v", err)
	}

	// 再配送を模した 2 回目の遷移は拒否される
	if err := store.MarkRunning(ctx, "job-1"); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("expected ErrNotQueued, got %v", err)
	}

	if err := store.SetError(ctx, "job-1", "boom"); err != nil {
		t.Fatalf("SetError returned error: %v", err)
	}
	if err := store.MarkRunning(ctx, "job-1"); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("expected ErrNotQueued after terminal state, got %v", err)
	}
}

func TestUpdateUnknownJobReturnsNotFound(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)

	err := store.SetStatus(context.Background(), "missing", StatusRunning, 10)
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRecordExpiresAfterTTL(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	if err := store.Init(ctx, "job-1", Request{URL: "https://example.com/v"}); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	record, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record != nil {
		t.Fatalf("expected record to be expired, got %#v", record)
	}
}
