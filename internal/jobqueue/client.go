package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "deadlinebot/pkg/logx"
	"deadlinebot/pkg/metrics"
)

// Client enqueues, inspects and aborts jobs. It is safe for concurrent use
// and shared by the bot and worker processes.
type Client struct {
	rdb    redis.UniversalClient
	keys   keys
	expiry time.Duration
	log    logx.Logger
	m      *metrics.Metrics
	now    func() time.Time

	abortPoll time.Duration
}

type ClientOption func(*Client)

func WithClientLogger(log logx.Logger) ClientOption { return func(c *Client) { c.log = log } }

func WithClientMetrics(m *metrics.Metrics) ClientOption { return func(c *Client) { c.m = m } }

// WithExpiry sets how long a job may linger past its fire time before it is
// dropped unexecuted. Default 24h.
func WithExpiry(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.expiry = d
		}
	}
}

func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func NewClient(rdb redis.UniversalClient, prefix string, opts ...ClientOption) *Client {
	c := &Client{
		rdb:       rdb,
		keys:      keys{prefix: prefix},
		expiry:    24 * time.Hour,
		now:       time.Now,
		abortPoll: 50 * time.Millisecond,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.Component("jobqueue"))
	return c
}

// Enqueue stores a job that becomes due after delay. An existing job with
// the same id is replaced, including one marked for abort.
func (c *Client) Enqueue(ctx context.Context, name string, args any, delay time.Duration, jobID string) (*Job, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, ErrEmptyID
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	if delay < 0 {
		delay = 0
	}
	now := c.now()
	j := &Job{
		ID:         jobID,
		Name:       name,
		Args:       raw,
		Token:      uuid.NewString(),
		EnqueuedAt: now,
		FireAt:     now.Add(delay),
	}
	ttl := delay + c.expiry
	err = enqueueScript.Run(ctx, c.rdb,
		[]string{c.keys.job(jobID), c.keys.queue(), c.keys.abort()},
		jobID, name, string(raw), j.Token,
		now.UnixMilli(), j.FireAt.UnixMilli(), ttl.Milliseconds(),
	).Err()
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	c.m.JobEnqueued(name)
	c.log.Debug("job enqueued", logx.JobID(jobID), logx.String("name", name), logx.Duration("delay", delay))
	return j, nil
}

// Status reports where a job is in its lifecycle.
func (c *Client) Status(ctx context.Context, jobID string) (Status, error) {
	pipe := c.rdb.Pipeline()
	inProg := pipe.Exists(ctx, c.keys.inProgress(jobID))
	score := pipe.ZScore(ctx, c.keys.queue(), jobID)
	exists := pipe.Exists(ctx, c.keys.job(jobID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("status %s: %w", jobID, err)
	}
	if inProg.Val() == 1 {
		return StatusInProgress, nil
	}
	s, err := score.Result()
	if errors.Is(err, redis.Nil) || exists.Val() == 0 {
		return StatusNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("status %s: %w", jobID, err)
	}
	if int64(s) > c.now().UnixMilli() {
		return StatusDeferred, nil
	}
	return StatusQueued, nil
}

// Info returns the stored job, or nil when it does not exist.
func (c *Client) Info(ctx context.Context, jobID string) (*Job, error) {
	m, err := c.rdb.HGetAll(ctx, c.keys.job(jobID)).Result()
	if err != nil {
		return nil, err
	}
	j, ok := jobFromHash(jobID, m)
	if !ok {
		return nil, nil
	}
	return j, nil
}

// Abort stops a job. A job that has not started is removed at once and
// Abort returns true. A running job is flagged and Abort waits up to
// timeout for the worker to stop it; it returns ErrAbortTimeout when the
// job is still running after timeout (immediately for a zero timeout).
// A job that does not exist returns false.
func (c *Client) Abort(ctx context.Context, jobID string, timeout time.Duration) (bool, error) {
	res, err := abortScript.Run(ctx, c.rdb,
		[]string{c.keys.queue(), c.keys.job(jobID), c.keys.inProgress(jobID), c.keys.abort()},
		jobID, c.now().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("abort %s: %w", jobID, err)
	}
	switch res {
	case 2:
		c.m.JobAborted()
		c.log.Debug("job aborted before start", logx.JobID(jobID))
		return true, nil
	case 0:
		return false, nil
	}

	if timeout <= 0 {
		return false, ErrAbortTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.abortPoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, ErrAbortTimeout
		case <-tick.C:
		}
		running, err := c.rdb.Exists(ctx, c.keys.inProgress(jobID)).Result()
		if err != nil {
			return false, err
		}
		if running == 1 {
			continue
		}
		n, err := c.rdb.Exists(ctx, c.keys.aborted(jobID)).Result()
		if err != nil {
			return false, err
		}
		return n == 1, nil
	}
}

// Depth is the number of jobs in the queue, due or not.
func (c *Client) Depth(ctx context.Context) (int64, error) {
	return c.rdb.ZCard(ctx, c.keys.queue()).Result()
}

// due lists up to limit job ids whose fire time has passed.
func (c *Client) due(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, c.keys.queue(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
}
