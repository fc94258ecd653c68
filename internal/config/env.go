package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix for environment overrides (DEADLINEBOT_REDIS_URL, ...).
const EnvPrefix = "deadlinebot"

// envOverrides lists the settings that may come from the environment.
// Empty values leave the file value untouched.
type envOverrides struct {
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	RedisURL      string `envconfig:"REDIS_URL"`
	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	DatabaseDSN   string `envconfig:"DATABASE_DSN"`
	OpsToken      string `envconfig:"OPS_TOKEN"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
}

// ApplyEnv overlays DEADLINEBOT_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, env.TelegramToken)
	set(&cfg.Redis.URL, env.RedisURL)
	set(&cfg.Storage.Driver, env.StorageDriver)
	set(&cfg.Storage.DSN, env.DatabaseDSN)
	set(&cfg.Ops.Token, env.OpsToken)
	set(&cfg.Logging.Level, env.LogLevel)
	return nil
}
