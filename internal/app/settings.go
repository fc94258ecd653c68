package app

import (
	"fmt"
	"strings"
	"time"

	"deadlinebot/internal/config"
	"deadlinebot/internal/delivery"
	"deadlinebot/internal/jobqueue"
	"deadlinebot/internal/notifier"
	"deadlinebot/internal/observability/ops"
	"deadlinebot/internal/ratelimit"
	"deadlinebot/internal/storage"
	"deadlinebot/internal/throttle"
	telegram "deadlinebot/internal/transport/telegram/adapter"
	"deadlinebot/internal/transport/telegram/router"
	logx "deadlinebot/pkg/logx"
)

const defaultKeyPrefix = "deadlinebot:"

// settings is the config translated into component configs. Every
// duration is parsed here so a bad value fails load or reload up front.
type settings struct {
	Telegram     telegram.Config
	Router       router.Config
	UpdateBuffer int

	Logging logx.Config
	Storage storage.Config

	RedisPrefix      string
	RateLimitBackend string
	RateLimit        ratelimit.Config
	ThrottleBackend  string
	Throttle         throttle.Config

	Worker      jobqueue.WorkerConfig
	QueueExpiry time.Duration
	Delivery    delivery.Config
	Notifier    notifier.Config

	JanitorEnabled    bool
	JanitorSchedule   string
	JanitorStaleAfter time.Duration

	Ops ops.Config
}

func mapSettings(cfg *config.Config) (settings, error) {
	var (
		s   settings
		err error
	)
	if cfg == nil {
		return s, fmt.Errorf("config is nil")
	}
	dur := func(path, raw string, def time.Duration) time.Duration {
		if err != nil {
			return 0
		}
		var d time.Duration
		d, err = config.ParseDurationOrDefault(path, raw, def)
		return d
	}

	s.Telegram = telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: dur("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second),
	}
	s.UpdateBuffer = cfg.Telegram.UpdateBuffer
	if s.UpdateBuffer <= 0 {
		s.UpdateBuffer = 256
	}
	s.Router = router.Config{
		Workers:  cfg.Telegram.DispatchWorkers,
		QueueCap: s.UpdateBuffer,
		Timeout:  dur("telegram.command_timeout", cfg.Telegram.CommandTimeout, 30*time.Second),
	}

	s.Logging = mapLogging(cfg.Logging)

	s.Storage = storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		DSN:          strings.TrimSpace(cfg.Storage.DSN),
		BusyTimeout:  dur("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second),
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	}

	s.RedisPrefix = strings.TrimSpace(cfg.Redis.KeyPrefix)
	if s.RedisPrefix == "" {
		s.RedisPrefix = defaultKeyPrefix
	}

	s.RateLimitBackend = backendOrDefault(cfg.RateLimit.Backend)
	def := ratelimit.DefaultConfig()
	s.RateLimit = ratelimit.Config{
		Global:   window("rate_limit.global", cfg.RateLimit.Global, def.Global, &err),
		Chat:     window("rate_limit.chat", cfg.RateLimit.Chat, def.Chat, &err),
		Group:    window("rate_limit.group", cfg.RateLimit.Group, def.Group, &err),
		ScopeTTL: dur("rate_limit.scope_ttl", cfg.RateLimit.ScopeTTL, def.ScopeTTL),
	}

	s.ThrottleBackend = backendOrDefault(cfg.Throttle.Backend)
	s.Throttle = throttle.Config{
		Strict:  cfg.Throttle.Strict,
		Default: dur("throttle.default", cfg.Throttle.Default, 0),
		Rules:   make(map[string]time.Duration, len(cfg.Throttle.Rules)),
	}
	for k, v := range cfg.Throttle.Rules {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		s.Throttle.Rules[k] = dur("throttle.rules."+k, v, 0)
	}

	s.Worker = jobqueue.WorkerConfig{
		Concurrency:   cfg.Queue.Concurrency,
		PollInterval:  dur("queue.poll_interval", cfg.Queue.PollInterval, 0),
		JobTimeout:    dur("queue.job_timeout", cfg.Queue.JobTimeout, 0),
		MaxTries:      cfg.Queue.MaxTries,
		RetryBase:     dur("queue.retry_base", cfg.Queue.RetryBase, 0),
		RetryMaxDelay: dur("queue.retry_max_delay", cfg.Queue.RetryMaxDelay, 0),
	}
	s.QueueExpiry = dur("queue.expiry", cfg.Queue.Expiry, 24*time.Hour)

	s.Delivery = delivery.Config{
		OverduePolicy:   delivery.Policy(strings.ToLower(strings.TrimSpace(cfg.Delivery.OverduePolicy))),
		BreakerFailures: uint32(max(cfg.Delivery.BreakerFailures, 0)),
		BreakerTimeout:  dur("delivery.breaker_timeout", cfg.Delivery.BreakerTimeout, 30*time.Second),
	}
	switch s.Delivery.OverduePolicy {
	case "", delivery.PolicySkip, delivery.PolicySend:
	default:
		return s, fmt.Errorf("delivery.overdue_policy: unknown value %q", cfg.Delivery.OverduePolicy)
	}

	s.Notifier = notifier.Config{
		Timezone:     strings.TrimSpace(cfg.Notifier.Timezone),
		ReminderHour: cfg.Notifier.ReminderHour,
		DaysBefore:   cfg.Notifier.DaysBefore,
		FanoutLimit:  cfg.Notifier.FanoutLimit,
	}
	if s.Notifier.Timezone != "" {
		if _, lerr := time.LoadLocation(s.Notifier.Timezone); lerr != nil {
			return s, fmt.Errorf("notifier.timezone: invalid %q: %w", s.Notifier.Timezone, lerr)
		}
	}

	s.JanitorEnabled = cfg.Janitor.Enabled
	s.JanitorSchedule = strings.TrimSpace(cfg.Janitor.Schedule)
	if s.JanitorSchedule == "" {
		s.JanitorSchedule = "@every 1h"
	}
	s.JanitorStaleAfter = dur("janitor.stale_after", cfg.Janitor.StaleAfter, 24*time.Hour)

	s.Ops = ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          strings.TrimSpace(cfg.Ops.Addr),
		Token:         strings.TrimSpace(cfg.Ops.Token),
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
		ReadTimeout:   dur("ops.read_timeout", cfg.Ops.ReadTimeout, 10*time.Second),
		WriteTimeout:  dur("ops.write_timeout", cfg.Ops.WriteTimeout, 60*time.Second),
		IdleTimeout:   dur("ops.idle_timeout", cfg.Ops.IdleTimeout, 60*time.Second),
	}

	return s, err
}

func mapLogging(l config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Alerts: logx.AlertConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// window fills an unset period from def so "limit: 5" alone keeps the
// default period instead of disabling the window.
func window(path string, w config.WindowConfig, def ratelimit.Window, errp *error) ratelimit.Window {
	if w.Limit <= 0 {
		return def
	}
	period, err := config.ParseDurationOrDefault(path+".period", w.Period, def.Period)
	if err != nil && *errp == nil {
		*errp = err
	}
	return ratelimit.Window{Limit: w.Limit, Period: period, Slack: w.Slack}
}

func backendOrDefault(b string) string {
	b = strings.ToLower(strings.TrimSpace(b))
	if b == "" {
		return "redis"
	}
	return b
}
