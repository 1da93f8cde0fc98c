package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of counting one request against a key.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Store counts requests per key in fixed windows.
type Store interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// counter is the fixed-window state for one key.
type counter struct {
	windowStart time.Time
	count       int
}

// MemoryStore keeps counters in a sharded in-process map. Each increment
// happens under its shard's mutex.
type MemoryStore struct {
	counters *shardedMap[counter]
	limit    int
	window   time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMemoryStore creates a store and starts its sweeper.
func NewMemoryStore(limit int, window time.Duration) *MemoryStore {
	s := &MemoryStore{
		counters: newShardedMap[counter](),
		limit:    limit,
		window:   window,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Allow increments the counter for key. The window resets once
// now >= windowStart+window.
func (s *MemoryStore) Allow(_ context.Context, key string) (Decision, error) {
	now := s.now()
	c := s.counters.update(key, func(c counter, ok bool) counter {
		if !ok || !now.Before(c.windowStart.Add(s.window)) {
			return counter{windowStart: now, count: 1}
		}
		c.count++
		return c
	})

	remaining := s.limit - c.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   c.count <= s.limit,
		Limit:     s.limit,
		Remaining: remaining,
		ResetAt:   c.windowStart.Add(s.window),
	}, nil
}

// sweep drops counters whose window has ended.
func (s *MemoryStore) sweep() {
	defer close(s.done)

	interval := s.window
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := s.now()
			s.counters.deleteFunc(func(_ string, c counter) bool {
				return !now.Before(c.windowStart.Add(s.window))
			})
		}
	}
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}
