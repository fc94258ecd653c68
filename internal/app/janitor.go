package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "deadlinebot/pkg/logx"
)

// Janitor runs housekeeping tasks on a cron schedule.
type Janitor struct {
	log logx.Logger

	mu      sync.Mutex
	tasks   []janitorTask
	cron    *cron.Cron
	spec    string
	baseCtx context.Context
}

type janitorTask struct {
	name    string
	timeout time.Duration
	fn      func(ctx context.Context) error
}

func NewJanitor(log logx.Logger) *Janitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Janitor{log: log.With(logx.Component("janitor")), baseCtx: context.Background()}
}

// Add registers a task. Tasks added after Apply run from the next reschedule.
func (j *Janitor) Add(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	j.mu.Lock()
	j.tasks = append(j.tasks, janitorTask{name: name, timeout: timeout, fn: fn})
	j.mu.Unlock()
}

// Apply (re)schedules the tasks. A disabled janitor or an empty spec stops it.
func (j *Janitor) Apply(ctx context.Context, enabled bool, spec string) error {
	spec = strings.TrimSpace(spec)
	var sched cron.Schedule
	if enabled && spec != "" {
		s, err := cron.ParseStandard(spec)
		if err != nil {
			return fmt.Errorf("janitor.schedule: %w", err)
		}
		sched = s
	}

	j.mu.Lock()
	old := j.cron
	j.cron = nil
	j.spec = ""
	if sched != nil {
		c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))
		j.baseCtx = ctx
		c.Schedule(sched, cron.FuncJob(func() { j.RunOnce(j.context()) }))
		c.Start()
		j.cron, j.spec = c, spec
	}
	n := len(j.tasks)
	j.mu.Unlock()

	if old != nil {
		<-old.Stop().Done()
	}
	if sched != nil {
		j.log.Info("janitor scheduled", logx.String("schedule", spec), logx.Int("tasks", n))
	}
	return nil
}

func (j *Janitor) context() context.Context {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.baseCtx
}

// Schedule returns the active cron spec, "" when stopped.
func (j *Janitor) Schedule() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.spec
}

// RunOnce runs every task sequentially and returns how many failed.
func (j *Janitor) RunOnce(ctx context.Context) int {
	j.mu.Lock()
	tasks := append([]janitorTask(nil), j.tasks...)
	j.mu.Unlock()

	failed := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return failed
		}
		tctx, cancel := ctx, context.CancelFunc(func() {})
		if t.timeout > 0 {
			tctx, cancel = context.WithTimeout(ctx, t.timeout)
		}
		start := time.Now()
		err := t.fn(tctx)
		cancel()
		if err != nil {
			failed++
			j.log.Warn("janitor task failed", logx.String("task", t.name), logx.Err(err))
			continue
		}
		j.log.Debug("janitor task done", logx.String("task", t.name), logx.Duration("took", time.Since(start)))
	}
	return failed
}

// Stop waits for a running pass up to ctx.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.cron
	j.cron, j.spec = nil, ""
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
