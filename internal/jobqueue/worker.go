package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"deadlinebot/internal/runtime/supervisor"
	logx "deadlinebot/pkg/logx"
	"deadlinebot/pkg/metrics"
)

// Handler runs one job. Return NoRetry for permanent failures and
// RetryAfter to suggest a delay; any other error is retried with
// exponential backoff until MaxTries.
type Handler func(ctx context.Context, job *Job) error

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	// JobTimeout bounds one handler run. The lease is JobTimeout plus a grace.
	JobTimeout    time.Duration
	MaxTries      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 60 * time.Second
	}
	if c.MaxTries <= 0 {
		c.MaxTries = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	return c
}

const (
	leaseGrace     = 10 * time.Second
	abortMarkerTTL = time.Minute
	finishTimeout  = 5 * time.Second
)

// Stats is a point-in-time view for diagnostics.
type Stats struct {
	InFlight  int64  `json:"in_flight"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Aborted   uint64 `json:"aborted"`
}

type Worker struct {
	c   *Client
	cfg WorkerConfig
	id  string
	log logx.Logger
	m   *metrics.Metrics

	hmu      sync.RWMutex
	handlers map[string]Handler

	rmu     sync.Mutex
	running map[string]context.CancelCauseFunc

	jobs chan *Job
	idle chan struct{}

	inFlight  atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	aborted   atomic.Uint64

	sup *supervisor.Supervisor
}

type WorkerOption func(*Worker)

func WithWorkerLogger(log logx.Logger) WorkerOption { return func(w *Worker) { w.log = log } }

func WithWorkerMetrics(m *metrics.Metrics) WorkerOption { return func(w *Worker) { w.m = m } }

func NewWorker(c *Client, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	cfg = cfg.withDefaults()
	w := &Worker{
		c:        c,
		cfg:      cfg,
		id:       uuid.NewString(),
		handlers: map[string]Handler{},
		running:  map[string]context.CancelCauseFunc{},
		jobs:     make(chan *Job),
		idle:     make(chan struct{}, cfg.Concurrency),
	}
	for _, o := range opts {
		if o != nil {
			o(w)
		}
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	w.log = w.log.With(logx.Component("jobqueue.worker"), logx.String("worker_id", w.id[:8]))
	return w
}

// Register binds a handler to a job name. Register before Start.
func (w *Worker) Register(name string, h Handler) {
	w.hmu.Lock()
	w.handlers[name] = h
	w.hmu.Unlock()
}

func (w *Worker) handler(name string) (Handler, bool) {
	w.hmu.RLock()
	defer w.hmu.RUnlock()
	h, ok := w.handlers[name]
	return h, ok
}

func (w *Worker) Stats() Stats {
	return Stats{
		InFlight:  w.inFlight.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Retried:   w.retried.Load(),
		Aborted:   w.aborted.Load(),
	}
}

// Start launches the poll loop, the executors and the abort watcher under
// sup. They stop when sup is cancelled.
func (w *Worker) Start(sup *supervisor.Supervisor) {
	w.sup = sup
	for i := 0; i < w.cfg.Concurrency; i++ {
		name := "jobqueue.executor." + strconv.Itoa(i)
		sup.Go0(name, w.executor)
	}
	sup.GoRestart("jobqueue.poll", w.poll, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	sup.GoRestart("jobqueue.abort-watch", w.watchAborts, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	w.log.Info("worker started",
		logx.Int("concurrency", w.cfg.Concurrency),
		logx.Duration("poll_interval", w.cfg.PollInterval),
		logx.Int("max_tries", w.cfg.MaxTries),
	)
}

// poll claims due jobs while executors are idle and hands them over.
func (w *Worker) poll(ctx context.Context) error {
	t := time.NewTicker(w.cfg.PollInterval)
	defer t.Stop()
	for {
		if err := w.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) error {
	free := len(w.idle)
	if free == 0 {
		return nil
	}
	now := w.c.now()
	if depth, err := w.c.Depth(ctx); err == nil {
		w.m.SetQueueDepth(depth)
	}
	ids, err := w.c.due(ctx, now, int64(free)*2)
	if err != nil {
		return fmt.Errorf("poll due: %w", err)
	}
	for _, id := range ids {
		if len(w.idle) == 0 {
			return nil
		}
		j, err := w.claim(ctx, id, now)
		if err != nil {
			return err
		}
		if j == nil {
			continue
		}
		<-w.idle
		select {
		case w.jobs <- j:
		case <-ctx.Done():
			w.release(j)
			return nil
		}
	}
	return nil
}

// claim takes the lease on a due job. It returns nil when the job is not
// claimable right now.
func (w *Worker) claim(ctx context.Context, id string, now time.Time) (*Job, error) {
	k := w.c.keys
	lease := w.cfg.JobTimeout + leaseGrace
	res, err := claimScript.Run(ctx, w.c.rdb,
		[]string{k.inProgress(id), k.job(id), k.queue()},
		id, lease.Milliseconds(), w.id, now.UnixMilli(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}
	switch res {
	case 1:
	case 0:
		w.log.Debug("dropped orphaned queue entry", logx.JobID(id))
		return nil, nil
	default:
		return nil, nil
	}
	m, err := w.c.rdb.HGetAll(ctx, k.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	j, ok := jobFromHash(id, m)
	if !ok {
		// expired between claim and load
		_ = w.c.rdb.Del(ctx, k.inProgress(id)).Err()
		return nil, nil
	}
	return j, nil
}

// release drops a lease without running the job.
func (w *Worker) release(j *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	_ = w.c.rdb.Del(ctx, w.c.keys.inProgress(j.ID)).Err()
}

func (w *Worker) executor(ctx context.Context) {
	for {
		select {
		case w.idle <- struct{}{}:
		case <-ctx.Done():
			return
		}
		select {
		case <-ctx.Done():
			return
		case j := <-w.jobs:
			w.inFlight.Add(1)
			w.run(ctx, j)
			w.inFlight.Add(-1)
		}
	}
}

func (w *Worker) run(ctx context.Context, j *Job) {
	start := time.Now()
	log := w.log.With(logx.JobID(j.ID), logx.String("name", j.Name), logx.Int("try", j.Tries))

	if j.Tries > w.cfg.MaxTries {
		log.Warn("job exceeded max tries; dropping")
		w.failed.Add(1)
		w.m.JobFinished(j.Name, "max_tries", 0)
		w.finish(j, false)
		return
	}

	flagged, err := w.c.rdb.ZScore(ctx, w.c.keys.abort(), j.ID).Result()
	if err == nil && flagged > 0 {
		log.Info("job aborted before start")
		w.aborted.Add(1)
		w.m.JobAborted()
		w.finish(j, true)
		return
	}

	h, ok := w.handler(j.Name)
	if !ok {
		log.Error("no handler registered", logx.Err(ErrUnknownJob))
		w.failed.Add(1)
		w.m.JobFinished(j.Name, "unknown", 0)
		w.finish(j, false)
		return
	}

	jctx, cancel := context.WithCancelCause(ctx)
	jctx, cancelTimeout := context.WithTimeout(jctx, w.cfg.JobTimeout)
	w.rmu.Lock()
	w.running[j.ID] = cancel
	w.rmu.Unlock()

	err = func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				log.Error("job panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		return h(jctx, j)
	}()
	abortedRun := errors.Is(context.Cause(jctx), errAborted)
	cancelTimeout()
	cancel(nil)
	w.rmu.Lock()
	delete(w.running, j.ID)
	w.rmu.Unlock()

	dur := time.Since(start)
	switch {
	case abortedRun:
		log.Info("job aborted", logx.Duration("dur", dur))
		w.aborted.Add(1)
		w.m.JobAborted()
		w.finish(j, true)
	case err == nil:
		log.Debug("job completed", logx.Duration("dur", dur))
		w.completed.Add(1)
		w.m.JobFinished(j.Name, "ok", dur)
		w.finish(j, false)
	case ctx.Err() != nil:
		// worker shutting down: leave the job for the next claim
		log.Info("job interrupted by shutdown", logx.Err(err))
		w.release(j)
	case IsNoRetry(err):
		log.Warn("job failed permanently", logx.Err(err), logx.Duration("dur", dur))
		w.failed.Add(1)
		w.m.JobFinished(j.Name, "failed", dur)
		w.finish(j, false)
	case j.Tries >= w.cfg.MaxTries:
		log.Warn("job failed; out of tries", logx.Err(err), logx.Duration("dur", dur))
		w.failed.Add(1)
		w.m.JobFinished(j.Name, "failed", dur)
		w.finish(j, false)
	default:
		delay := w.retryDelay(j.Tries, err)
		log.Warn("job failed; retrying", logx.Err(err), logx.Duration("retry_in", delay))
		w.retried.Add(1)
		w.m.JobFinished(j.Name, "retry", dur)
		w.retry(j, delay)
	}
}

// retryDelay honours a RetryAfter hint, otherwise grows exponentially with
// the try number. Both are capped at RetryMaxDelay.
func (w *Worker) retryDelay(try int, err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return min(max(ra.RetryAfter(), 0), w.cfg.RetryMaxDelay)
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(w.cfg.RetryBase),
		backoff.WithMaxInterval(w.cfg.RetryMaxDelay),
		backoff.WithMaxElapsedTime(0),
		backoff.WithRandomizationFactor(0.2),
	)
	d := b.NextBackOff()
	for i := 1; i < try; i++ {
		d = b.NextBackOff()
	}
	return min(d, w.cfg.RetryMaxDelay)
}

func (w *Worker) finish(j *Job, aborted bool) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	k := w.c.keys
	flag := "0"
	if aborted {
		flag = "1"
	}
	err := finishScript.Run(ctx, w.c.rdb,
		[]string{k.job(j.ID), k.queue(), k.inProgress(j.ID), k.abort(), k.aborted(j.ID)},
		j.ID, j.Token, flag, abortMarkerTTL.Milliseconds(),
	).Err()
	if err != nil {
		w.log.Warn("finish job failed", logx.JobID(j.ID), logx.Err(err))
	}
}

func (w *Worker) retry(j *Job, delay time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	k := w.c.keys
	next := w.c.now().Add(delay)
	err := retryScript.Run(ctx, w.c.rdb,
		[]string{k.job(j.ID), k.queue(), k.inProgress(j.ID)},
		j.ID, j.Token, next.UnixMilli(), (delay + w.c.expiry).Milliseconds(),
	).Err()
	if err != nil {
		w.log.Warn("reschedule job failed", logx.JobID(j.ID), logx.Err(err))
	}
}

// watchAborts cancels running jobs that were flagged for abort.
func (w *Worker) watchAborts(ctx context.Context) error {
	t := time.NewTicker(w.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		w.rmu.Lock()
		ids := make([]string, 0, len(w.running))
		for id := range w.running {
			ids = append(ids, id)
		}
		w.rmu.Unlock()
		if len(ids) == 0 {
			continue
		}

		pipe := w.c.rdb.Pipeline()
		scores := make([]*redis.FloatCmd, len(ids))
		for i, id := range ids {
			scores[i] = pipe.ZScore(ctx, w.c.keys.abort(), id)
		}
		if _, err := pipe.Exec(ctx); err != nil && !isNil(err) {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("abort watch: %w", err)
		}
		for i, id := range ids {
			if scores[i].Val() <= 0 {
				continue
			}
			w.rmu.Lock()
			cancel := w.running[id]
			w.rmu.Unlock()
			if cancel != nil {
				w.log.Info("cancelling job on abort request", logx.JobID(id))
				cancel(errAborted)
			}
		}
	}
}
