package ratelimit

import (
	"testing"
	"time"
)

func TestState_RecordStartsNewWindow(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := State{WindowCapacity: 100, WindowDuration: 300 * time.Second}

	s.record(start)
	s.record(start.Add(time.Minute))
	if s.RequestCount != 2 {
		t.Fatalf("RequestCount = %d, want 2", s.RequestCount)
	}

	s.record(start.Add(300 * time.Second))
	if s.RequestCount != 1 {
		t.Errorf("RequestCount after window = %d, want 1", s.RequestCount)
	}
	if !s.WindowStart.Equal(start.Add(300 * time.Second)) {
		t.Errorf("WindowStart = %v, want new window start", s.WindowStart)
	}
}

func TestState_Remaining(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		count    int
		want     int
	}{
		{"fresh", 100, 0, 100},
		{"partial", 100, 40, 60},
		{"over", 100, 120, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := State{WindowCapacity: tt.capacity, RequestCount: tt.count}
			if got := s.Remaining(); got != tt.want {
				t.Errorf("Remaining() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestState_Blocking(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	s := State{}
	if s.IsBlocked(now) {
		t.Error("zero state should not be blocked")
	}
	if d := s.TimeUntilUnblocked(now); d != 0 {
		t.Errorf("TimeUntilUnblocked() = %v, want 0", d)
	}

	s.BlockedUntil = now.Add(10 * time.Second)
	if !s.IsBlocked(now) {
		t.Error("IsBlocked() = false during block")
	}
	if d := s.TimeUntilUnblocked(now.Add(4 * time.Second)); d != 6*time.Second {
		t.Errorf("TimeUntilUnblocked() = %v, want 6s", d)
	}
	if s.IsBlocked(now.Add(10 * time.Second)) {
		t.Error("IsBlocked() = true at block end")
	}
}

func TestMemoryStore_Reserve(t *testing.T) {
	ctx := t.Context()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()

	first, _ := store.Reserve(ctx, now, 3*time.Second)
	second, _ := store.Reserve(ctx, now, 3*time.Second)
	if !first.Equal(now) {
		t.Errorf("first slot = %v, want now", first)
	}
	if got := second.Sub(first); got != 3*time.Second {
		t.Errorf("second slot offset = %v, want 3s", got)
	}

	_ = store.Block(ctx, now.Add(20*time.Second))
	_ = store.Block(ctx, now.Add(5*time.Second))

	blocked, _ := store.BlockedUntil(ctx)
	if !blocked.Equal(now.Add(20 * time.Second)) {
		t.Errorf("BlockedUntil = %v, block must only extend", blocked)
	}

	third, _ := store.Reserve(ctx, now, 3*time.Second)
	if !third.Equal(now.Add(20 * time.Second)) {
		t.Errorf("slot during block = %v, want block end", third)
	}
}

func TestMemoryStore_Release(t *testing.T) {
	ctx := t.Context()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	interval := 3 * time.Second
	store := NewMemoryStore()

	_, _ = store.Reserve(ctx, now, interval)
	second, _ := store.Reserve(ctx, now, interval)
	if err := store.Release(ctx, second, interval); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	again, _ := store.Reserve(ctx, now, interval)
	if !again.Equal(second) {
		t.Errorf("slot after release = %v, want %v", again, second)
	}

	// Once a later slot exists, releasing an earlier one changes nothing.
	later, _ := store.Reserve(ctx, now, interval)
	_ = store.Release(ctx, again, interval)
	next, _ := store.Reserve(ctx, now, interval)
	if !next.Equal(later.Add(interval)) {
		t.Errorf("slot after stale release = %v, want %v", next, later.Add(interval))
	}
}
