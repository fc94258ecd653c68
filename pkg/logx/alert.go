package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "deadlinebot/internal/transport"
)

// AlertConfig forwards warnings and errors to an admin chat.
type AlertConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Sender is the part of the bot transport the alert sink needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

const (
	alertQueueSize   = 256
	alertSendTimeout = 10 * time.Second
	maxAlertBytes    = 3500
	maxAlertValue    = 600
)

type alert struct {
	to   kit.ChatTarget
	text string
}

// alertSink is a zerolog.LevelWriter that turns entries at or above
// MinLevel into chat messages. It never blocks logging: entries are
// dropped when the rate is exceeded or the queue is full.
type alertSink struct {
	sender atomic.Pointer[Sender]
	queue  chan alert

	start sync.Once
	wg    sync.WaitGroup

	mu       sync.Mutex
	cancel   context.CancelFunc
	to       kit.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter
}

func newAlertSink() *alertSink {
	return &alertSink{queue: make(chan alert, alertQueueSize)}
}

func (a *alertSink) setSender(s Sender) {
	if s == nil {
		a.sender.Store(nil)
		return
	}
	a.sender.Store(&s)
}

func (a *alertSink) currentSender() Sender {
	if p := a.sender.Load(); p != nil {
		return *p
	}
	return nil
}

// apply reports whether alerts are enabled and starts the delivery worker
// the first time they are.
func (a *alertSink) apply(cfg AlertConfig) bool {
	rps := max(1, cfg.RatePerSec)
	a.mu.Lock()
	a.to = kit.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.mu.Unlock()

	if !cfg.Enabled {
		return false
	}
	a.start.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.mu.Lock()
		a.cancel = cancel
		a.mu.Unlock()
		a.wg.Add(1)
		go a.run(ctx)
	})
	return true
}

func (a *alertSink) stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.wg.Wait()
	}
}

func (a *alertSink) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-a.queue:
			s := a.currentSender()
			if s == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			_, _ = s.SendText(sctx, it.to, it.text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.InfoLevel, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	to, minLevel, lim := a.to, a.minLevel, a.limiter
	a.mu.Unlock()

	if to.ChatID == 0 || level < minLevel || a.currentSender() == nil || !lim.Allow() {
		return len(p), nil
	}
	if text := alertText(p); text != "" {
		select {
		case a.queue <- alert{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// alertText renders one JSON entry as
//
//	[LEVEL] message
//	• key: value
//
// with keys sorted. Lines that are not JSON are sent as they are.
func alertText(p []byte) string {
	line := strings.TrimSpace(string(p))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return clip(line, maxAlertBytes)
	}

	var b strings.Builder
	if lvl, _ := entry[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := entry[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n• %s: %s", k, clip(fmt.Sprint(entry[k]), maxAlertValue))
	}
	return clip(b.String(), maxAlertBytes)
}

// clip cuts s to at most n bytes on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len("…")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
