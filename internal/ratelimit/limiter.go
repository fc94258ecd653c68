package ratelimit

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	logx "deadlinebot/pkg/logx"
	"deadlinebot/pkg/metrics"
)

// scope is a cached limiter for one key. It pins the window that was in
// force when it was created; Apply flushes the cache.
type scope struct {
	key    string
	window Window
}

type Limiter struct {
	store Store
	log   logx.Logger
	m     *metrics.Metrics

	mu     sync.RWMutex
	cfg    Config
	scopes *gocache.Cache

	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Limiter)

func WithLogger(log logx.Logger) Option { return func(l *Limiter) { l.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(l *Limiter) { l.m = m } }

// WithSleep replaces the blocking wait between refused reservations.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

func New(store Store, cfg Config, opts ...Option) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		store:  store,
		cfg:    cfg,
		scopes: gocache.New(cfg.ScopeTTL, 2*cfg.ScopeTTL),
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		if o != nil {
			o(l)
		}
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	l.log = l.log.With(logx.Component("ratelimit"))
	return l
}

// Apply swaps the windows. Cached scopes are dropped so new calls pick up
// the new limits; admissions already recorded in the store still count.
func (l *Limiter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	old := l.cfg
	l.cfg = cfg
	l.mu.Unlock()
	l.scopes.Flush()
	if old != cfg {
		l.log.Info("rate limits applied",
			logx.String("global", cfg.Global.String()),
			logx.String("chat", cfg.Chat.String()),
			logx.String("group", cfg.Group.String()),
		)
	}
}

func (l *Limiter) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// CachedScopes reports how many per-chat scopes are cached.
func (l *Limiter) CachedScopes() int { return l.scopes.ItemCount() }

// Acquire blocks until one call to chatID is admitted by the global scope
// and by the chat or group scope. chatID 0 only takes the global scope.
// It returns only store errors or ctx.Err().
func (l *Limiter) Acquire(ctx context.Context, chatID int64) error {
	if err := l.AcquireGlobal(ctx); err != nil {
		return err
	}
	if chatID == 0 {
		return nil
	}
	return l.wait(ctx, l.scopeFor(chatID))
}

func (l *Limiter) AcquireGlobal(ctx context.Context) error {
	l.mu.RLock()
	w := l.cfg.Global
	l.mu.RUnlock()
	return l.wait(ctx, &scope{key: GlobalScope, window: w})
}

func (l *Limiter) scopeFor(chatID int64) *scope {
	key := ScopeKey(chatID)
	if v, ok := l.scopes.Get(key); ok {
		l.scopes.SetDefault(key, v)
		return v.(*scope)
	}
	l.mu.RLock()
	w := l.cfg.Chat
	if chatID < 0 {
		w = l.cfg.Group
	}
	l.mu.RUnlock()
	sc := &scope{key: key, window: w}
	l.scopes.SetDefault(key, sc)
	return sc
}

func (l *Limiter) wait(ctx context.Context, sc *scope) error {
	var waited time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, retry, err := l.store.Reserve(ctx, sc.key, sc.window.Capacity(), sc.window.Period)
		if err != nil {
			return err
		}
		if ok {
			if waited > 0 {
				l.m.RateLimitWaited(scopeLabel(sc.key), waited)
				l.log.Debug("rate limit wait done", logx.String("scope", sc.key), logx.Duration("waited", waited))
			}
			return nil
		}
		if err := l.sleep(ctx, retry); err != nil {
			return err
		}
		waited += retry
	}
}

func scopeLabel(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
