package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "file-token"
  poll_timeout: 15s
logging:
  level: debug
  console: true
redis:
  url: redis://localhost:6379/0
storage:
  driver: sqlite
  dsn: ./data/bot.db
rate_limit:
  global: {limit: 30, period: 1s}
  chat: {limit: 1, period: 1s, slack: 3}
  group: {limit: 20, period: 60s}
throttle:
  default: 1s
  rules:
    subscribe: 2s
delivery:
  overdue_policy: skip
notifier:
  timezone: Europe/Moscow
janitor:
  enabled: true
  schedule: "@every 1h"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAML(t *testing.T) {
	p := writeFile(t, "config.yaml", sampleYAML)
	cfg, err := NewConfigManager(p).Parse()
	require.NoError(t, err)

	assert.Equal(t, "file-token", cfg.Telegram.Token)
	assert.Equal(t, 3, cfg.RateLimit.Chat.Slack)
	assert.Equal(t, "2s", cfg.Throttle.Rules["subscribe"])
	require.NoError(t, Validate(cfg))
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{"telegram":{"token":"x"},"bogus":1}`)
	_, err := NewConfigManager(p).Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{"telegram":{"token":"x"}} {}`)
	_, err := NewConfigManager(p).Parse()
	require.Error(t, err)
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Setenv("DEADLINEBOT_TELEGRAM_TOKEN", "env-token")
	t.Setenv("DEADLINEBOT_REDIS_URL", "redis://redis:6379/1")
	t.Setenv("DEADLINEBOT_DATABASE_DSN", "postgres://u:p@db/bot")
	t.Setenv("DEADLINEBOT_STORAGE_DRIVER", "postgres")

	p := writeFile(t, "config.yaml", sampleYAML)
	cfg, err := NewConfigManager(p).Parse()
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.Telegram.Token)
	assert.Equal(t, "redis://redis:6379/1", cfg.Redis.URL)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://u:p@db/bot", cfg.Storage.DSN)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "t"},
			Redis:    RedisConfig{URL: "redis://localhost:6379"},
			Storage:  StorageConfig{Driver: "sqlite", DSN: "x.db"},
		}
	}
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.Telegram.Token = "" }, wantErr: "Token"},
		{name: "bad driver", mutate: func(c *Config) { c.Storage.Driver = "mysql" }, wantErr: "Driver"},
		{name: "bad duration", mutate: func(c *Config) { c.Queue.PollInterval = "soon" }, wantErr: "PollInterval"},
		{name: "bad rule", mutate: func(c *Config) { c.Throttle.Rules = map[string]string{"subscribe": "-1s"} }, wantErr: "Rules"},
		{name: "bad policy", mutate: func(c *Config) { c.Delivery.OverduePolicy = "resend" }, wantErr: "OverduePolicy"},
		{name: "bad cron", mutate: func(c *Config) { c.Janitor.Schedule = "every day" }, wantErr: "Schedule"},
		{name: "bad timezone", mutate: func(c *Config) { c.Notifier.Timezone = "Mars/Olympus" }, wantErr: "Timezone"},
		{name: "telegram log without chat", mutate: func(c *Config) { c.Logging.Telegram.Enabled = true }, wantErr: "chat_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(c)
			err := Validate(c)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestCustomValidationTags(t *testing.T) {
	t.Parallel()
	v := validatorInstance()
	cases := []struct {
		tag, value string
		ok         bool
	}{
		{"duration", "15s", true},
		{"duration", "", true},
		{"duration", "-1s", false},
		{"duration", "soon", false},
		{"cronspec", "*/5 * * * *", true},
		{"cronspec", "every minute", false},
	}
	for _, c := range cases {
		err := v.Var(c.value, c.tag)
		if c.ok {
			assert.NoError(t, err, "%s %q", c.tag, c.value)
		} else {
			assert.Error(t, err, "%s %q", c.tag, c.value)
		}
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "old"}, Ops: OpsConfig{Token: "a"}}
	b := &Config{Telegram: TelegramConfig{Token: "new"}, Ops: OpsConfig{Token: "b"}, Throttle: ThrottleConfig{Strict: true}}

	changed, _ := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"telegram", "throttle"}, changed)
	assert.True(t, RequiresRestart("telegram"))
	assert.False(t, RequiresRestart("throttle"))
}

func TestWatchPublishesValidChanges(t *testing.T) {
	p := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	require.NoError(t, os.WriteFile(p, []byte(updated), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "warn", m.Get().Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	<-done
}
