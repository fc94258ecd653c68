package throttle

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps throttle state in a go-cache map; expired entries are
// swept by its janitor.
type MemoryStore struct {
	c  *gocache.Cache
	mu sync.Mutex // serializes CheckAndSet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{c: gocache.New(time.Minute, 5*time.Minute)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (State, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return State{}, false, nil
	}
	return v.(State), true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, st State, ttl time.Duration) error {
	s.c.Set(key, st, ttl)
	return nil
}

func (s *MemoryStore) CheckAndSet(ctx context.Context, key string, rate time.Duration, now time.Time, ttl time.Duration) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, found, _ := s.Get(ctx, key)
	d, next := evaluate(prev, found, rate, now)
	s.c.Set(key, next, ttl)
	return d, nil
}

// Len reports how many keys are live.
func (s *MemoryStore) Len() int { return s.c.ItemCount() }

// DeleteExpired drops expired entries now instead of waiting for the janitor.
func (s *MemoryStore) DeleteExpired() { s.c.DeleteExpired() }
