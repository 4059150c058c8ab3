// Package replay suppresses duplicate requests inside a short TTL
// window. The store only participates when the caller sent an
// idempotency header; requests without one bypass it entirely.
package replay

import (
	"context"
	"log"
	"sync"
	"time"
)

// Store is the replay set. CheckAndRemember is the atomic primitive the
// pipeline uses: for two concurrent requests with the same fingerprint,
// exactly one observes seen=false.
type Store interface {
	// Seen reports whether fp was remembered within its TTL.
	Seen(ctx context.Context, fp string) (bool, error)
	// Remember records fp for at least ttl. Idempotent.
	Remember(ctx context.Context, fp string, ttl time.Duration) error
	// CheckAndRemember atomically checks fp and records it when absent.
	// Returns true when fp had already been seen.
	CheckAndRemember(ctx context.Context, fp string, ttl time.Duration) (bool, error)
	Close() error
}

// MemoryStore is the single-node default: a mutex-guarded map of
// fingerprint to expiry deadline, with a background sweep for expired
// entries.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
	done    chan struct{}
	closed  sync.Once
	logger  *log.Logger
}

// NewMemoryStore creates the in-memory replay set and starts its sweep
// goroutine.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
		done:    make(chan struct{}),
		logger:  log.New(log.Writer(), "[ReplayStore] ", log.LstdFlags),
	}
	go s.sweep()
	return s
}

// SetClock overrides the time source for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Seen(_ context.Context, fp string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.entries[fp]
	if !ok {
		return false, nil
	}
	if s.now().After(deadline) {
		delete(s.entries, fp)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Remember(_ context.Context, fp string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := s.now().Add(ttl)
	if cur, ok := s.entries[fp]; !ok || deadline.After(cur) {
		s.entries[fp] = deadline
	}
	return nil
}

func (s *MemoryStore) CheckAndRemember(_ context.Context, fp string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if deadline, ok := s.entries[fp]; ok && now.Before(deadline) {
		return true, nil
	}
	s.entries[fp] = now.Add(ttl)
	return false, nil
}

// Close stops the sweep goroutine.
func (s *MemoryStore) Close() error {
	s.closed.Do(func() { close(s.done) })
	return nil
}

// sweep periodically drops expired fingerprints so the map does not
// grow without bound under sustained traffic.
func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			removed := 0
			for fp, deadline := range s.entries {
				if now.After(deadline) {
					delete(s.entries, fp)
					removed++
				}
			}
			remaining := len(s.entries)
			s.mu.Unlock()
			if removed > 0 {
				s.logger.Printf("swept %d expired fingerprints (%d live)", removed, remaining)
			}
		}
	}
}
