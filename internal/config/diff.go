package config

import (
	"reflect"
	"strings"

	logx "deadlinebot/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"telegram": true,
	"redis":    true,
	"storage":  true,
	"queue":    true,
	"delivery": true,
	"notifier": true,
}

// RequiresRestart reports whether a changed section cannot be hot-applied.
func RequiresRestart(section string) bool { return restartSections[section] }

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, URLs, DSNs) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	oldTG, newTG := oldCfg.Telegram, newCfg.Telegram
	oldTG.Token, newTG.Token = "", ""
	if !reflect.DeepEqual(oldTG, newTG) || (oldCfg.Telegram.Token != newCfg.Telegram.Token) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.dispatch_workers", newCfg.Telegram.DispatchWorkers),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Redis.URL != newCfg.Redis.URL || oldCfg.Redis.PoolSize != newCfg.Redis.PoolSize ||
		oldCfg.Redis.KeyPrefix != newCfg.Redis.KeyPrefix || oldCfg.Redis.DialTimeout != newCfg.Redis.DialTimeout {
		changed = append(changed, "redis")
		attrs = append(attrs, logx.String("redis.key_prefix", newCfg.Redis.KeyPrefix))
	}

	if oldCfg.Storage.Driver != newCfg.Storage.Driver || oldCfg.Storage.DSN != newCfg.Storage.DSN ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout || oldCfg.Storage.MaxOpenConns != newCfg.Storage.MaxOpenConns {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Int("rate_limit.global", newCfg.RateLimit.Global.Limit),
			logx.Int("rate_limit.chat", newCfg.RateLimit.Chat.Limit),
			logx.Int("rate_limit.group", newCfg.RateLimit.Group.Limit),
		)
	}

	if !reflect.DeepEqual(oldCfg.Throttle, newCfg.Throttle) {
		changed = append(changed, "throttle")
		attrs = append(attrs,
			logx.Bool("throttle.strict", newCfg.Throttle.Strict),
			logx.Int("throttle.rules", len(newCfg.Throttle.Rules)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs, logx.Int("queue.concurrency", newCfg.Queue.Concurrency))
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs, logx.String("delivery.overdue_policy", newCfg.Delivery.OverduePolicy))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs, logx.String("notifier.timezone", newCfg.Notifier.Timezone))
	}

	if !reflect.DeepEqual(oldCfg.Janitor, newCfg.Janitor) {
		changed = append(changed, "janitor")
		attrs = append(attrs,
			logx.Bool("janitor.enabled", newCfg.Janitor.Enabled),
			logx.String("janitor.schedule", newCfg.Janitor.Schedule),
		)
	}

	oldOps, newOps := oldCfg.Ops, newCfg.Ops
	oldOps.Token, newOps.Token = "", ""
	if !reflect.DeepEqual(oldOps, newOps) || (oldCfg.Ops.Token != "") != (newCfg.Ops.Token != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}

	return changed, attrs
}
