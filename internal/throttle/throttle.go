// Package throttle rejects inbound commands that a user repeats faster than
// the handler's declared rate.
//
// State is one record per (handler key, user, chat). A call is allowed when
// no record exists, when at least rate has passed since the previous call,
// or when the clock went backwards. Every call, allowed or not, becomes the
// new reference point.
package throttle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	logx "deadlinebot/pkg/logx"
	"deadlinebot/pkg/metrics"
)

// NoticeFormat is shown to throttled users; the argument is seconds.
const NoticeFormat = "Too many requests. Try again in %.2f seconds."

// Rule is what a handler declares: its key and the minimum spacing between
// two calls by the same user in the same chat.
type Rule struct {
	Key  string
	Rate time.Duration
}

// State is the stored record for one key.
type State struct {
	RateLimit     time.Duration
	Delta         time.Duration
	LastCall      time.Time
	ExceededCount int64
}

type Decision struct {
	Allowed  bool
	Wait     time.Duration
	Exceeded int64
}

func (d Decision) Notice() string {
	return fmt.Sprintf(NoticeFormat, d.Wait.Seconds())
}

// Store persists throttle state. CheckAndSet evaluates and writes in one
// atomic step; Get and Put are the two halves of the best-effort path.
type Store interface {
	Get(ctx context.Context, key string) (State, bool, error)
	Put(ctx context.Context, key string, st State, ttl time.Duration) error
	CheckAndSet(ctx context.Context, key string, rate time.Duration, now time.Time, ttl time.Duration) (Decision, error)
}

// StateKey is the storage key for a handler, user and chat.
func StateKey(handler string, userID, chatID int64) string {
	return fmt.Sprintf("throttle:%s:%d:%d", handler, userID, chatID)
}

// StateTTL keeps state at least a minute and at least two periods.
func StateTTL(rate time.Duration) time.Duration {
	return max(2*rate, time.Minute)
}

// evaluate applies the admission rule to the previous state.
func evaluate(prev State, found bool, rate time.Duration, now time.Time) (Decision, State) {
	var delta time.Duration
	if found {
		delta = now.Sub(prev.LastCall)
	}
	allowed := !found || delta >= rate || delta <= 0

	next := State{RateLimit: rate, Delta: delta, LastCall: now}
	if allowed {
		next.ExceededCount = 1
	} else {
		next.ExceededCount = prev.ExceededCount + 1
	}
	d := Decision{Allowed: allowed, Exceeded: next.ExceededCount}
	if !allowed {
		d.Wait = rate - delta
	}
	return d, next
}

type Config struct {
	// Strict makes every check a single atomic read-modify-write.
	Strict bool
	// Default applies to handlers that declare no rate of their own.
	Default time.Duration
	// Rules override declared rates per handler key.
	Rules map[string]time.Duration
}

type Guard struct {
	store Store
	log   logx.Logger
	m     *metrics.Metrics
	now   func() time.Time

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Guard)

func WithLogger(log logx.Logger) Option     { return func(g *Guard) { g.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(g *Guard) { g.m = m } }
func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

func NewGuard(store Store, cfg Config, opts ...Option) *Guard {
	g := &Guard{store: store, cfg: cfg, now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(g)
		}
	}
	if g.log.IsZero() {
		g.log = logx.Nop()
	}
	g.log = g.log.With(logx.Component("throttle"))
	return g
}

// Apply swaps the rules and the strict flag.
func (g *Guard) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	g.log.Info("throttle rules applied", logx.Bool("strict", cfg.Strict), logx.Int("rules", len(cfg.Rules)))
}

// Resolve fills the key and rate of a declared rule from config: a
// configured override wins, then the declared rate, then the default.
func (g *Guard) Resolve(r Rule) Rule {
	r.Key = strings.TrimSpace(r.Key)
	g.mu.RLock()
	defer g.mu.RUnlock()
	if d, ok := g.cfg.Rules[r.Key]; ok {
		r.Rate = d
	} else if r.Rate <= 0 {
		r.Rate = g.cfg.Default
	}
	return r
}

// Check records a call and reports whether it may proceed. A zero rate
// always allows without touching the store.
func (g *Guard) Check(ctx context.Context, rule Rule, userID, chatID int64) (Decision, error) {
	rule = g.Resolve(rule)
	if rule.Rate <= 0 || rule.Key == "" {
		return Decision{Allowed: true}, nil
	}
	key := StateKey(rule.Key, userID, chatID)
	now := g.now()
	ttl := StateTTL(rule.Rate)

	g.mu.RLock()
	strict := g.cfg.Strict
	g.mu.RUnlock()

	var (
		d   Decision
		err error
	)
	if strict {
		d, err = g.store.CheckAndSet(ctx, key, rule.Rate, now, ttl)
	} else {
		d, err = g.checkBestEffort(ctx, key, rule.Rate, now, ttl)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("throttle %s: %w", rule.Key, err)
	}

	g.m.ThrottleDecision(rule.Key, d.Allowed)
	if !d.Allowed {
		g.log.Debug("throttled",
			logx.String("key", rule.Key),
			logx.UserID(userID),
			logx.ChatID(chatID),
			logx.Duration("wait", d.Wait),
			logx.Int64("exceeded", d.Exceeded),
		)
	}
	return d, nil
}

// checkBestEffort reads then writes. Two concurrent calls may both pass.
func (g *Guard) checkBestEffort(ctx context.Context, key string, rate time.Duration, now time.Time, ttl time.Duration) (Decision, error) {
	prev, found, err := g.store.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	d, next := evaluate(prev, found, rate, now)
	if err := g.store.Put(ctx, key, next, ttl); err != nil {
		return Decision{}, err
	}
	return d, nil
}
