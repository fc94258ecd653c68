package throttle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func stores(t *testing.T) map[string]Store {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(rdb, "test:"),
	}
}

func TestCheckWaitsForRemainder(t *testing.T) {
	t.Parallel()
	for name, st := range stores(t) {
		for _, strict := range []bool{false, true} {
			st, strict := st, strict
			t.Run(fmt.Sprintf("%s/strict=%v", name, strict), func(t *testing.T) {
				clk := &clock{t: time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)}
				g := NewGuard(st, Config{Strict: strict}, WithClock(clk.Now))
				rule := Rule{Key: "subscribe", Rate: 2 * time.Second}
				user := int64(1)
				if strict {
					user = 2
				}

				d, err := g.Check(context.Background(), rule, user, 10)
				require.NoError(t, err)
				assert.True(t, d.Allowed)
				assert.Equal(t, int64(1), d.Exceeded)

				clk.Advance(500 * time.Millisecond)
				d, err = g.Check(context.Background(), rule, user, 10)
				require.NoError(t, err)
				assert.False(t, d.Allowed)
				assert.InDelta(t, 1.5, d.Wait.Seconds(), 0.001)
				assert.Equal(t, int64(2), d.Exceeded)
				assert.Equal(t, "Too many requests. Try again in 1.50 seconds.", d.Notice())

				// the throttled call moved the reference point
				clk.Advance(1900 * time.Millisecond)
				d, err = g.Check(context.Background(), rule, user, 10)
				require.NoError(t, err)
				assert.False(t, d.Allowed)
				assert.Equal(t, int64(3), d.Exceeded)

				clk.Advance(2 * time.Second)
				d, err = g.Check(context.Background(), rule, user, 10)
				require.NoError(t, err)
				assert.True(t, d.Allowed)
				assert.Equal(t, int64(1), d.Exceeded)
			})
		}
	}
}

func TestCheckAllowsClockSkew(t *testing.T) {
	t.Parallel()
	clk := &clock{t: time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)}
	g := NewGuard(NewMemoryStore(), Config{}, WithClock(clk.Now))
	rule := Rule{Key: "events", Rate: time.Second}

	_, err := g.Check(context.Background(), rule, 1, 1)
	require.NoError(t, err)
	clk.Advance(-time.Second)
	d, err := g.Check(context.Background(), rule, 1, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckKeysAreIndependent(t *testing.T) {
	t.Parallel()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	g := NewGuard(NewMemoryStore(), Config{}, WithClock(clk.Now))
	rule := Rule{Key: "subscribe", Rate: time.Minute}

	for _, tc := range []struct{ user, chat int64 }{{1, 1}, {2, 1}, {1, 2}} {
		d, err := g.Check(context.Background(), rule, tc.user, tc.chat)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := g.Check(context.Background(), Rule{Key: "events", Rate: time.Minute}, 1, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestResolve(t *testing.T) {
	t.Parallel()
	g := NewGuard(NewMemoryStore(), Config{
		Default: time.Second,
		Rules:   map[string]time.Duration{"subscribe": 5 * time.Second, "help": 0},
	})
	assert.Equal(t, 5*time.Second, g.Resolve(Rule{Key: "subscribe", Rate: 2 * time.Second}).Rate)
	assert.Equal(t, 2*time.Second, g.Resolve(Rule{Key: "events", Rate: 2 * time.Second}).Rate)
	assert.Equal(t, time.Second, g.Resolve(Rule{Key: "start"}).Rate)

	d, err := g.Check(context.Background(), Rule{Key: "help", Rate: time.Hour}, 1, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a zero configured rate disables the rule")

	g.Apply(Config{})
	assert.Equal(t, time.Duration(0), g.Resolve(Rule{Key: "start"}).Rate)
}

func TestRedisStateFieldsAndTTL(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	g := NewGuard(NewRedisStore(rdb, ""), Config{}, WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))
	_, err := g.Check(context.Background(), Rule{Key: "subscribe", Rate: 2 * time.Second}, 7, 8)
	require.NoError(t, err)

	key := StateKey("subscribe", 7, 8)
	assert.Equal(t, "throttle:subscribe:7:8", key)
	assert.Equal(t, "2.000000", mr.HGet(key, "rate_limit"))
	assert.Equal(t, "1", mr.HGet(key, "exceeded_count"))
	assert.Equal(t, time.Minute, mr.TTL(key))
}

func TestStateTTL(t *testing.T) {
	t.Parallel()
	assert.Equal(t, time.Minute, StateTTL(2*time.Second))
	assert.Equal(t, 10*time.Minute, StateTTL(5*time.Minute))
}
