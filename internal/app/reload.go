package app

import (
	"context"
	"strings"

	"deadlinebot/internal/config"
	logx "deadlinebot/pkg/logx"
)

// startReload applies published config changes. Sections that cannot be
// swapped live are logged and keep their startup values.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	set, err := mapSettings(newCfg)
	if err != nil {
		a.log.Warn("config reload rejected; keeping previous", logx.Err(err))
		return
	}

	var restart []string
	for _, s := range sections {
		if config.RequiresRestart(s) {
			restart = append(restart, s)
			continue
		}
		switch s {
		case "logging":
			a.logs.Apply(set.Logging)
		case "rate_limit":
			if set.RateLimitBackend != a.set.RateLimitBackend {
				restart = append(restart, "rate_limit.backend")
			}
			a.limiter.Apply(set.RateLimit)
		case "throttle":
			if set.ThrottleBackend != a.set.ThrottleBackend {
				restart = append(restart, "throttle.backend")
			}
			if a.guard != nil {
				a.guard.Apply(set.Throttle)
			}
		case "janitor":
			if err := a.janitor.Apply(a.sup.Context(), set.JanitorEnabled, set.JanitorSchedule); err != nil {
				a.log.Warn("janitor reschedule failed", logx.Err(err))
			}
		case "ops":
			a.ops.Reconfigure(ctx, set.Ops)
		}
	}
	// backends are bound at startup
	set.RateLimitBackend, set.ThrottleBackend = a.set.RateLimitBackend, a.set.ThrottleBackend
	a.set = set

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
