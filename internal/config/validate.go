package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// customRules are the config-specific validator tags.
var customRules = map[string]validator.Func{
	"duration": func(fl validator.FieldLevel) bool {
		s := strings.TrimSpace(fl.Field().String())
		if s == "" {
			return true
		}
		d, err := time.ParseDuration(s)
		return err == nil && d >= 0
	},
	"cronspec": func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(strings.TrimSpace(fl.Field().String()))
		return err == nil
	},
}

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		for tag, fn := range customRules {
			if err := v.RegisterValidation(tag, fn); err != nil {
				panic(fmt.Sprintf("config: register %q validation: %v", tag, err))
			}
		}
		validate = v
	})
	return validate
}

// Validate checks struct tags plus cross-field rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validatorInstance().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
		return errors.New("invalid config: logging.telegram.chat_id is required when logging.telegram.enabled")
	}
	if cfg.Ops.Enabled && strings.TrimSpace(cfg.Ops.Addr) != "" {
		if _, _, err := net.SplitHostPort(cfg.Ops.Addr); err != nil {
			return fmt.Errorf("invalid config: ops.addr: %w", err)
		}
	}
	return nil
}
