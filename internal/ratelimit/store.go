package ratelimit

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Store records admissions for sliding windows.
//
// Reserve admits one call on key if fewer than capacity calls were admitted
// in (now-period, now], where now is read by the store itself at the moment
// of admission. When it refuses, retryAfter is the time until the oldest
// admission leaves the window.
type Store interface {
	Reserve(ctx context.Context, key string, capacity int, period time.Duration) (ok bool, retryAfter time.Duration, err error)
}

// MemoryStore keeps one sliding log per key in a go-cache map. Logs expire
// after a period of inactivity.
type MemoryStore struct {
	logs *gocache.Cache
	now  func() time.Time
}

type MemoryOption func(*MemoryStore)

// StoreClock replaces time.Now for admission timestamps.
func StoreClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

type slidingLog struct {
	mu    sync.Mutex
	times []time.Time
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{logs: gocache.New(time.Minute, 2*time.Minute), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemoryStore) log(key string, ttl time.Duration) *slidingLog {
	if v, ok := s.logs.Get(key); ok {
		s.logs.Set(key, v, ttl)
		return v.(*slidingLog)
	}
	l := &slidingLog{}
	if err := s.logs.Add(key, l, ttl); err != nil {
		// lost the race; use the winner
		if v, ok := s.logs.Get(key); ok {
			return v.(*slidingLog)
		}
	}
	return l
}

func (s *MemoryStore) Reserve(_ context.Context, key string, capacity int, period time.Duration) (bool, time.Duration, error) {
	l := s.log(key, max(period, time.Minute))
	l.mu.Lock()
	defer l.mu.Unlock()

	// read under the lock so the log stays ordered
	now := s.now()
	cut := now.Add(-period)
	i := 0
	for i < len(l.times) && !l.times[i].After(cut) {
		i++
	}
	l.times = l.times[i:]

	if len(l.times) < capacity {
		l.times = append(l.times, now)
		return true, 0, nil
	}
	wait := l.times[0].Add(period).Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return false, wait, nil
}
