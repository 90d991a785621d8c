package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store hands out request slots. Implementations must make Reserve atomic so
// slots are never closer than interval, even across processes sharing a store.
type Store interface {
	// Reserve returns the release time of the next slot at or after now and
	// advances the schedule by interval.
	Reserve(ctx context.Context, now time.Time, interval time.Duration) (time.Time, error)

	// Block prevents any slot from starting before until.
	Block(ctx context.Context, until time.Time) error

	// BlockedUntil returns the current block end (zero if none).
	BlockedUntil(ctx context.Context) (time.Time, error)

	// Release hands back a slot returned by Reserve that was never used.
	// It only rewinds the schedule while slot is still the latest
	// reservation; otherwise it is a no-op.
	Release(ctx context.Context, slot time.Time, interval time.Duration) error
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu           sync.Mutex
	nextSlot     time.Time
	blockedUntil time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, now time.Time, interval time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := latest(now, s.nextSlot, s.blockedUntil)
	s.nextSlot = slot.Add(interval)
	return slot, nil
}

// Block implements Store.
func (s *MemoryStore) Block(_ context.Context, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if until.After(s.blockedUntil) {
		s.blockedUntil = until
	}
	return nil
}

// BlockedUntil implements Store.
func (s *MemoryStore) BlockedUntil(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockedUntil, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, slot time.Time, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextSlot.Equal(slot.Add(interval)) {
		s.nextSlot = slot
	}
	return nil
}

func latest(times ...time.Time) time.Time {
	var out time.Time
	for _, t := range times {
		if t.After(out) {
			out = t
		}
	}
	return out
}
