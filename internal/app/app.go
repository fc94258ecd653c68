// Package app wires the two processes: the bot (Telegram front end that
// manages subscriptions) and the worker (executes delayed deliveries).
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"deadlinebot/internal/bot"
	"deadlinebot/internal/config"
	"deadlinebot/internal/delivery"
	"deadlinebot/internal/eventbus"
	"deadlinebot/internal/jobqueue"
	"deadlinebot/internal/notifier"
	"deadlinebot/internal/observability/ops"
	"deadlinebot/internal/ratelimit"
	"deadlinebot/internal/runtime/supervisor"
	"deadlinebot/internal/storage"
	"deadlinebot/internal/throttle"
	kit "deadlinebot/internal/transport"
	telegram "deadlinebot/internal/transport/telegram/adapter"
	"deadlinebot/internal/transport/telegram/router"
	logx "deadlinebot/pkg/logx"
	"deadlinebot/pkg/metrics"
)

type Role string

const (
	RoleBot    Role = "bot"
	RoleWorker Role = "worker"
)

type App struct {
	role Role
	cfgm *config.ConfigManager
	set  settings

	sup  *supervisor.Supervisor
	sups *supervisorRegistry

	log  logx.Logger
	logs *logx.Service
	m    *metrics.Metrics
	bus  eventbus.Bus

	rdb   *redis.Client
	store *storage.SQLStore

	adapter *telegram.Adapter
	limiter *ratelimit.Limiter
	gw      *ratelimit.Gateway
	queue   *jobqueue.Client
	disp    *delivery.Dispatcher
	janitor *Janitor
	ops     *ops.Service

	// bot
	guard   *throttle.Guard
	notif   *notifier.Service
	router  *router.Router
	updates chan kit.Update

	// worker
	worker    *jobqueue.Worker
	workerSup *supervisor.Supervisor
}

// New loads cfgPath and builds every component the role needs. It
// connects to Redis and the database; nothing runs until Start.
func New(ctx context.Context, cfgPath string, role Role) (*App, error) {
	switch role {
	case RoleBot, RoleWorker:
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	set, err := mapSettings(cfg)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(set.Logging)
	log = log.With(logx.String("role", string(role)))

	a := &App{
		role: role,
		cfgm: cfgm,
		set:  set,
		sups: newSupervisorRegistry(),
		log:  log.With(logx.Component("app")),
		logs: logs,
		m:    metrics.New("deadlinebot"),
		bus:  eventbus.New(),
	}
	if err := a.build(ctx, log); err != nil {
		a.closeResources()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, log logx.Logger) error {
	set := a.set
	cfg := a.cfgm.Get()

	rdb, err := OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	a.rdb = rdb

	st, err := storage.Open(ctx, set.Storage, log.With(logx.Component("storage")))
	if err != nil {
		return err
	}
	a.store = st

	ad, err := telegram.New(set.Telegram, log)
	if err != nil {
		return err
	}
	a.adapter = ad

	var rlStore ratelimit.Store = ratelimit.NewRedisStore(rdb, set.RedisPrefix)
	if set.RateLimitBackend == "memory" {
		rlStore = ratelimit.NewMemoryStore()
	}
	a.limiter = ratelimit.New(rlStore, set.RateLimit, ratelimit.WithLogger(log), ratelimit.WithMetrics(a.m))
	a.gw = ratelimit.NewGateway(ad, a.limiter)
	a.logs.SetSender(a.gw)

	a.queue = jobqueue.NewClient(rdb, set.RedisPrefix,
		jobqueue.WithClientLogger(log),
		jobqueue.WithClientMetrics(a.m),
		jobqueue.WithExpiry(set.QueueExpiry),
	)
	a.disp = delivery.New(a.queue, a.gw, set.Delivery,
		delivery.WithLogger(log),
		delivery.WithBus(a.bus),
		delivery.WithMetrics(a.m),
		delivery.WithDeliveredHook(a.forgetDelivered),
	)
	a.janitor = NewJanitor(log)

	a.ops = ops.New(set.Ops, ops.Deps{
		Gatherer: a.m.Registry,
		Ready: []ops.Check{
			{Name: "redis", Fn: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
			{Name: "storage", Fn: st.Ping},
		},
		Supervisors: a.sups.All,
	}, log)

	switch a.role {
	case RoleBot:
		return a.buildBot(log)
	default:
		return a.buildWorker(log)
	}
}

func (a *App) buildBot(log logx.Logger) error {
	set := a.set

	var tStore throttle.Store
	if set.ThrottleBackend == "memory" {
		mem := throttle.NewMemoryStore()
		a.janitor.Add("throttle.sweep", 0, func(context.Context) error {
			mem.DeleteExpired()
			return nil
		})
		tStore = mem
	} else {
		tStore = throttle.NewRedisStore(a.rdb, set.RedisPrefix)
	}
	a.guard = throttle.NewGuard(tStore, set.Throttle, throttle.WithLogger(log), throttle.WithMetrics(a.m))

	notif, err := notifier.New(a.store, a.disp, set.Notifier,
		notifier.WithLogger(log),
		notifier.WithBus(a.bus),
		notifier.WithMetrics(a.m),
	)
	if err != nil {
		return err
	}
	a.notif = notif

	a.router = router.New(a.gw, set.Router,
		router.WithLogger(log),
		router.WithMetrics(a.m),
		router.WithGate(router.ThrottleGate{Guard: a.guard}),
	)
	a.router.SetRegistry(bot.New(notif, a.store, log).Routes())
	a.updates = make(chan kit.Update, set.UpdateBuffer)
	return nil
}

func (a *App) buildWorker(log logx.Logger) error {
	set := a.set
	a.worker = jobqueue.NewWorker(a.queue, set.Worker,
		jobqueue.WithWorkerLogger(log),
		jobqueue.WithWorkerMetrics(a.m),
	)
	a.disp.Register(a.worker)

	stale := set.JanitorStaleAfter
	a.janitor.Add("notifications.prune", time.Minute, func(ctx context.Context) error {
		n, err := a.store.PruneNotifications(ctx, time.Now().Add(-stale))
		if err != nil {
			return err
		}
		if n > 0 {
			a.log.Info("pruned stale notifications", logx.Int64("rows", n))
		}
		return nil
	})
	return nil
}

// forgetDelivered drops the bookkeeping row of a reminder that was sent.
func (a *App) forgetDelivered(ctx context.Context, args delivery.Args) error {
	if args.SubscriptionID == 0 {
		return nil
	}
	err := a.store.DeleteNotificationByEvent(ctx, args.SubscriptionID, args.EventID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sups.Set("app", func() *supervisor.Supervisor { return a.sup })
	a.sups.Set("ops", a.ops.Supervisor)

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapSettings(cfg)
		return err
	})

	switch a.role {
	case RoleBot:
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sups.Set("telegram.adapter", a.adapter.Supervisor)
		a.sups.Set("telegram.router", a.router.Supervisor)
		a.sup.Go("router.dispatch", func(c context.Context) error {
			return a.router.DispatchLoop(c, a.updates)
		})
	case RoleWorker:
		a.workerSup = supervisor.New(a.sup.Context(), supervisor.WithLogger(a.log.With(logx.Component("jobqueue"))))
		a.sups.Set("jobqueue", func() *supervisor.Supervisor { return a.workerSup })
		a.worker.Start(a.workerSup)
	}

	if err := a.janitor.Apply(a.sup.Context(), a.set.JanitorEnabled, a.set.JanitorSchedule); err != nil {
		return err
	}
	a.ops.Start(a.sup.Context())

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	a.startReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.startWatchdog()
	sdNotify(a.log, sdReady)

	a.log.Info("app started", logx.String("supervisors", strings.Join(a.sups.Names(), ",")))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, sdStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "janitor", 2*time.Second, func(c context.Context) error { a.janitor.Stop(c); return nil })
	if a.adapter != nil && a.role == RoleBot {
		a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	if a.workerSup != nil {
		// in-flight jobs finish or lose their lease; either way they are retried
		a.step(ctx, "jobqueue", 5*time.Second, func(c context.Context) error { return ignoreCanceled(a.workerSup.Stop(c)) })
	}
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return ignoreCanceled(a.sup.Wait(c)) })
	a.step(ctx, "resources", time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		// respect the caller's deadline; never extend it
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

func (a *App) closeResources() {
	if a.store != nil {
		_ = a.store.Close()
		a.store = nil
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
		a.rdb = nil
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// OpenRedis connects and pings the configured Redis.
func OpenRedis(ctx context.Context, rc config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(strings.TrimSpace(rc.URL))
	if err != nil {
		return nil, fmt.Errorf("redis.url: %w", err)
	}
	dial, err := config.ParseDurationOrDefault("redis.dial_timeout", rc.DialTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	opt.DialTimeout = dial
	if rc.PoolSize > 0 {
		opt.PoolSize = rc.PoolSize
	}
	rdb := redis.NewClient(opt)

	pctx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}
