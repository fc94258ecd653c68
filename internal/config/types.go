package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets (telegram.token, redis.url, storage.dsn, ops.token) are usually
// injected through DEADLINEBOT_* environment variables instead (see ApplyEnv).
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Redis     RedisConfig     `json:"redis"`
	Storage   StorageConfig   `json:"storage"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Throttle  ThrottleConfig  `json:"throttle"`
	Queue     QueueConfig     `json:"queue"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Notifier  NotifierConfig  `json:"notifier"`
	Janitor   JanitorConfig   `json:"janitor"`
	Ops       OpsConfig       `json:"ops"`
}

type TelegramConfig struct {
	Token string `json:"token" validate:"required"`
	// PollTimeout is the long-poll timeout (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty" validate:"omitempty,duration"`
	// UpdateBuffer is the capacity of the inbound update channel (default 256).
	UpdateBuffer int `json:"update_buffer,omitempty" validate:"gte=0"`
	// DispatchWorkers bounds concurrent command handlers (default 8).
	DispatchWorkers int `json:"dispatch_workers,omitempty" validate:"gte=0,lte=256"`
	// CommandTimeout bounds a single handler run (default "30s").
	CommandTimeout string `json:"command_timeout,omitempty" validate:"omitempty,duration"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `json:"max_backups,omitempty" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days,omitempty" validate:"gte=0"`
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingTelegram forwards warnings/errors to an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// RedisConfig points at the shared counter store and job queue.
type RedisConfig struct {
	URL       string `json:"url" validate:"required"`
	PoolSize  int    `json:"pool_size,omitempty" validate:"gte=0"`
	KeyPrefix string `json:"key_prefix,omitempty"`
	// DialTimeout bounds the startup ping (default "5s").
	DialTimeout string `json:"dial_timeout,omitempty" validate:"omitempty,duration"`
}

// StorageConfig controls the relational store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "dsn": "./data/deadlinebot.db" }
type StorageConfig struct {
	Driver       string `json:"driver" validate:"required,oneof=sqlite sqlite3 postgres"`
	DSN          string `json:"dsn" validate:"required"`
	BusyTimeout  string `json:"busy_timeout,omitempty" validate:"omitempty,duration"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty" validate:"gte=0"`
}

// WindowConfig is one sliding-window budget: Limit calls (+Slack burst) per Period.
type WindowConfig struct {
	Limit  int    `json:"limit" validate:"gte=0"`
	Period string `json:"period,omitempty" validate:"omitempty,duration"`
	Slack  int    `json:"slack,omitempty" validate:"gte=0"`
}

// RateLimitConfig controls the outbound limiter.
//
// Defaults: global 30/1s, chat 1/1s slack 3, group 20/60s, scope_ttl 60s.
type RateLimitConfig struct {
	Backend  string       `json:"backend,omitempty" validate:"omitempty,oneof=redis memory"`
	Global   WindowConfig `json:"global"`
	Chat     WindowConfig `json:"chat"`
	Group    WindowConfig `json:"group"`
	ScopeTTL string       `json:"scope_ttl,omitempty" validate:"omitempty,duration"`
}

// ThrottleConfig controls the inbound per-user cooldown guard.
type ThrottleConfig struct {
	Backend string `json:"backend,omitempty" validate:"omitempty,oneof=redis memory"`
	// Strict switches to an atomic check-and-set. Off by default (best-effort).
	Strict bool `json:"strict,omitempty"`
	// Default is the cooldown for throttled commands without an explicit rule.
	Default string `json:"default,omitempty" validate:"omitempty,duration"`
	// Rules maps a handler key (command name) to its cooldown.
	Rules map[string]string `json:"rules,omitempty" validate:"dive,duration"`
}

// QueueConfig controls the delayed job queue and its worker.
type QueueConfig struct {
	Concurrency   int    `json:"concurrency,omitempty" validate:"gte=0,lte=1024"`
	PollInterval  string `json:"poll_interval,omitempty" validate:"omitempty,duration"`
	JobTimeout    string `json:"job_timeout,omitempty" validate:"omitempty,duration"`
	MaxTries      int    `json:"max_tries,omitempty" validate:"gte=0"`
	RetryBase     string `json:"retry_base,omitempty" validate:"omitempty,duration"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty" validate:"omitempty,duration"`
	// Expiry keeps a job record alive this long past its fire time (default "24h").
	Expiry string `json:"expiry,omitempty" validate:"omitempty,duration"`
}

type DeliveryConfig struct {
	// OverduePolicy decides what Schedule does with a time already in the past:
	// "skip" (default) drops it with a warning, "send" delivers immediately.
	OverduePolicy string `json:"overdue_policy,omitempty" validate:"omitempty,oneof=skip send"`
	// Breaker trips after this many consecutive gateway failures (default 5).
	BreakerFailures int `json:"breaker_failures,omitempty" validate:"gte=0"`
	// BreakerTimeout is how long the breaker stays open (default "30s").
	BreakerTimeout string `json:"breaker_timeout,omitempty" validate:"omitempty,duration"`
}

// NotifierConfig controls how reminders are derived from deadlines.
type NotifierConfig struct {
	// Timezone for "noon the day before" (default "Europe/Moscow").
	Timezone     string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	ReminderHour int    `json:"reminder_hour,omitempty" validate:"gte=0,lte=23"`
	DaysBefore   int    `json:"days_before,omitempty" validate:"gte=0,lte=60"`
	// FanoutLimit bounds concurrent queue calls per subscription (default 16).
	FanoutLimit int `json:"fanout_limit,omitempty" validate:"gte=0"`
}

// JanitorConfig controls the worker's periodic cleanup.
type JanitorConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty" validate:"omitempty,cronspec"`
	// StaleAfter removes notification rows this long past their send time.
	StaleAfter string `json:"stale_after,omitempty" validate:"omitempty,duration"`
}

// OpsConfig controls the optional ops HTTP server (health, metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty" validate:"omitempty,duration"`
	WriteTimeout string `json:"write_timeout,omitempty" validate:"omitempty,duration"`
	IdleTimeout  string `json:"idle_timeout,omitempty" validate:"omitempty,duration"`
}
