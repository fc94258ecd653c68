package ratelimit

import (
	"fmt"
	"time"
)

// Window admits at most Limit+Slack calls in any trailing Period.
type Window struct {
	Limit  int
	Period time.Duration
	Slack  int
}

func (w Window) Capacity() int { return w.Limit + w.Slack }

func (w Window) valid() bool { return w.Limit > 0 && w.Period > 0 && w.Slack >= 0 }

func (w Window) String() string {
	if w.Slack > 0 {
		return fmt.Sprintf("%d+%d/%s", w.Limit, w.Slack, w.Period)
	}
	return fmt.Sprintf("%d/%s", w.Limit, w.Period)
}

type Config struct {
	Global Window
	Chat   Window
	Group  Window
	// ScopeTTL is how long an idle scope stays cached.
	ScopeTTL time.Duration
}

// Telegram's documented limits: 30 messages per second bot-wide, about one
// per second per chat, 20 per minute per group.
func DefaultConfig() Config {
	return Config{
		Global:   Window{Limit: 30, Period: time.Second},
		Chat:     Window{Limit: 1, Period: time.Second, Slack: 3},
		Group:    Window{Limit: 20, Period: time.Minute},
		ScopeTTL: 60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if !c.Global.valid() {
		c.Global = d.Global
	}
	if !c.Chat.valid() {
		c.Chat = d.Chat
	}
	if !c.Group.valid() {
		c.Group = d.Group
	}
	if c.ScopeTTL <= 0 {
		c.ScopeTTL = d.ScopeTTL
	}
	return c
}

// ScopeKey names the limiter scope for a chat id.
func ScopeKey(chatID int64) string {
	if chatID < 0 {
		return fmt.Sprintf("group:%d", chatID)
	}
	return fmt.Sprintf("chat:%d", chatID)
}

const GlobalScope = "global"
