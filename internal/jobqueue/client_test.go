package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notifyArgs struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

func newClient(t *testing.T, opts ...ClientOption) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewClient(rdb, "test:", opts...), mr
}

func TestEnqueueStatusAndOverwrite(t *testing.T) {
	t.Parallel()
	c, mr := newClient(t)
	ctx := context.Background()

	j1, err := c.Enqueue(ctx, "send_notification", notifyArgs{ChatID: 1, Text: "a"}, time.Hour, "1:42:1:7")
	require.NoError(t, err)

	st, err := c.Status(ctx, "1:42:1:7")
	require.NoError(t, err)
	assert.Equal(t, StatusDeferred, st)

	j2, err := c.Enqueue(ctx, "send_notification", notifyArgs{ChatID: 1, Text: "b"}, 0, "1:42:1:7")
	require.NoError(t, err)
	assert.NotEqual(t, j1.Token, j2.Token)

	st, err = c.Status(ctx, "1:42:1:7")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, st)

	info, err := c.Info(ctx, "1:42:1:7")
	require.NoError(t, err)
	require.NotNil(t, info)
	var args notifyArgs
	require.NoError(t, info.Decode(&args))
	assert.Equal(t, "b", args.Text)
	assert.Equal(t, j2.Token, info.Token)

	n, err := c.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// job hash expires after delay + expiry
	assert.Equal(t, 24*time.Hour, mr.TTL("test:job:1:42:1:7"))
}

func TestEnqueueRejectsEmptyID(t *testing.T) {
	t.Parallel()
	c, _ := newClient(t)
	_, err := c.Enqueue(context.Background(), "x", nil, 0, "  ")
	require.ErrorIs(t, err, ErrEmptyID)
}

func TestStatusNotFound(t *testing.T) {
	t.Parallel()
	c, _ := newClient(t)
	st, err := c.Status(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, st)
}

func TestAbortQueuedJob(t *testing.T) {
	t.Parallel()
	c, _ := newClient(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, "send_notification", notifyArgs{ChatID: 1}, time.Hour, "job")
	require.NoError(t, err)

	ok, err := c.Abort(ctx, "job", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := c.Status(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, st)

	ok, err = c.Abort(ctx, "job", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAbortInProgressZeroTimeout(t *testing.T) {
	t.Parallel()
	c, mr := newClient(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, "send_notification", notifyArgs{ChatID: 1}, 0, "job")
	require.NoError(t, err)
	require.NoError(t, mr.Set("test:in-progress:job", "worker"))

	st, err := c.Status(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, st)

	ok, err := c.Abort(ctx, "job", 0)
	require.ErrorIs(t, err, ErrAbortTimeout)
	assert.False(t, ok)

	members, err := mr.ZMembers("test:abort")
	require.NoError(t, err)
	assert.Equal(t, []string{"job"}, members)

	// re-enqueueing clears the abort flag
	_, err = c.Enqueue(ctx, "send_notification", notifyArgs{ChatID: 1}, time.Minute, "job")
	require.NoError(t, err)
	assert.False(t, mr.Exists("test:abort"))
}

func TestRetryTaxonomy(t *testing.T) {
	t.Parallel()
	base := assert.AnError

	nr := NoRetry(base)
	assert.True(t, IsNoRetry(nr))
	assert.ErrorIs(t, nr, base)
	assert.Nil(t, NoRetry(nil))

	ra := RetryAfter(base, 3*time.Second)
	var hint RetryAfterError
	require.ErrorAs(t, ra, &hint)
	assert.Equal(t, 3*time.Second, hint.RetryAfter())
	assert.False(t, IsNoRetry(ra))
}
