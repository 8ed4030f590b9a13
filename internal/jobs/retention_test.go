package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	deleted int64
	err     error
}

func (f *fakePruner) DeleteChatMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.deleted, f.err
}

func TestRunOnce_UsesMaxAge(t *testing.T) {
	store := &fakePruner{deleted: 7}
	job := NewRetentionJob(store, RetentionConfig{MaxAge: 48 * time.Hour}, nil)

	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	deleted, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if deleted != 7 {
		t.Errorf("expected 7 deleted, got %d", deleted)
	}
	if len(store.cutoffs) != 1 || !store.cutoffs[0].Equal(now.Add(-48*time.Hour)) {
		t.Errorf("unexpected cutoffs: %v", store.cutoffs)
	}
}

func TestRunOnce_StoreError(t *testing.T) {
	store := &fakePruner{err: errors.New("disk full")}
	job := NewRetentionJob(store, RetentionConfig{MaxAge: time.Hour}, nil)

	if _, err := job.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error from failing store")
	}
}

func TestRunOnce_Disabled(t *testing.T) {
	store := &fakePruner{}
	job := NewRetentionJob(store, RetentionConfig{}, nil)

	if _, err := job.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error when max age is unset")
	}
	if len(store.cutoffs) != 0 {
		t.Errorf("store should not be touched, got %d calls", len(store.cutoffs))
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	job := NewRetentionJob(&fakePruner{}, RetentionConfig{Schedule: "not a schedule"}, nil)

	if err := job.Start(); err != nil {
		t.Fatalf("disabled job should not validate its schedule, got %v", err)
	}
	if err := job.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	job := NewRetentionJob(&fakePruner{}, RetentionConfig{Schedule: "every tuesday-ish", MaxAge: time.Hour}, nil)

	if err := job.Start(); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestStartStop(t *testing.T) {
	job := NewRetentionJob(&fakePruner{}, RetentionConfig{Schedule: "@hourly", MaxAge: time.Hour}, nil)

	if err := job.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := job.Stop(ctx); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
}
