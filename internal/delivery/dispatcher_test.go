package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deadlinebot/internal/eventbus"
	"deadlinebot/internal/jobqueue"
	kit "deadlinebot/internal/transport"
)

type enqueueCall struct {
	name  string
	args  any
	delay time.Duration
	jobID string
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []enqueueCall
	aborted  []string

	status  func(id string) (jobqueue.Status, error)
	abortFn func(id string) (bool, error)
}

func (q *fakeQueue) Enqueue(_ context.Context, name string, args any, delay time.Duration, jobID string) (*jobqueue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, enqueueCall{name, args, delay, jobID})
	return &jobqueue.Job{ID: jobID, Name: name}, nil
}

func (q *fakeQueue) Status(_ context.Context, id string) (jobqueue.Status, error) {
	if q.status == nil {
		return jobqueue.StatusDeferred, nil
	}
	return q.status(id)
}

func (q *fakeQueue) Abort(_ context.Context, id string, _ time.Duration) (bool, error) {
	q.mu.Lock()
	q.aborted = append(q.aborted, id)
	q.mu.Unlock()
	if q.abortFn == nil {
		return true, nil
	}
	return q.abortFn(id)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []kit.ChatTarget
	err  func() error
}

func (s *fakeSender) SendText(_ context.Context, to kit.ChatTarget, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if s.err != nil {
		if err := s.err(); err != nil {
			return kit.MessageRef{}, err
		}
	}
	s.mu.Lock()
	s.sent = append(s.sent, to)
	s.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

var fixedNow = time.Date(2025, 8, 30, 9, 0, 0, 0, time.UTC)

func newDispatcher(q Queue, s kit.Sender, cfg Config, opts ...Option) *Dispatcher {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(q, s, cfg, opts...)
}

func TestScheduleEnqueuesFutureReminder(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, "delivery.")
	defer unsub()
	d := newDispatcher(q, &fakeSender{}, Config{}, WithBus(bus))

	when := fixedNow.Add(25 * time.Hour)
	res, err := d.Schedule(context.Background(), 7, Event{ID: 3, Text: "Documents", When: when}, "7:42:1:3")
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnqueued, res.Outcome)

	require.Len(t, q.enqueued, 1)
	call := q.enqueued[0]
	assert.Equal(t, JobName, call.name)
	assert.Equal(t, 25*time.Hour, call.delay)
	assert.Equal(t, "7:42:1:3", call.jobID)
	assert.Equal(t, Args{ChatID: 7, Text: "Documents", EventID: 3, When: when}, call.args)

	ev := <-events
	assert.Equal(t, eventbus.DeliveryScheduled, ev.Type)
}

func TestScheduleDefaultJobID(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	d := newDispatcher(q, &fakeSender{}, Config{})
	res, err := d.Schedule(context.Background(), 7, Event{ID: 3, Text: "x", When: fixedNow.Add(time.Minute)}, "")
	require.NoError(t, err)
	assert.Equal(t, "7:3", res.JobID)
}

func TestScheduleOverdue(t *testing.T) {
	t.Parallel()
	past := Event{ID: 1, Text: "late", When: fixedNow.Add(-time.Minute)}

	t.Run("skip", func(t *testing.T) {
		q, s := &fakeQueue{}, &fakeSender{}
		d := newDispatcher(q, s, Config{})
		res, err := d.Schedule(context.Background(), 7, past, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, res.Outcome)
		assert.Empty(t, q.enqueued)
		assert.Empty(t, s.sent)
	})
	t.Run("send", func(t *testing.T) {
		q, s := &fakeQueue{}, &fakeSender{}
		d := newDispatcher(q, s, Config{OverduePolicy: PolicySend})
		res, err := d.Schedule(context.Background(), 7, past, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSent, res.Outcome)
		assert.Empty(t, q.enqueued)
		assert.Equal(t, []kit.ChatTarget{{ChatID: 7}}, s.sent)
	})
	t.Run("exactly now", func(t *testing.T) {
		q := &fakeQueue{}
		d := newDispatcher(q, &fakeSender{}, Config{})
		res, err := d.Schedule(context.Background(), 7, Event{ID: 1, When: fixedNow}, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, res.Outcome)
	})
}

func TestCancel(t *testing.T) {
	t.Parallel()

	t.Run("by job id", func(t *testing.T) {
		q := &fakeQueue{}
		d := newDispatcher(q, &fakeSender{}, Config{})
		require.NoError(t, d.Cancel(context.Background(), ByJobID("7:42:1:3")))
		assert.Equal(t, []string{"7:42:1:3"}, q.aborted)
	})
	t.Run("by event", func(t *testing.T) {
		q := &fakeQueue{}
		d := newDispatcher(q, &fakeSender{}, Config{})
		require.NoError(t, d.Cancel(context.Background(), ByEvent(7, 3)))
		assert.Equal(t, []string{"7:3"}, q.aborted)
	})
	t.Run("no target", func(t *testing.T) {
		q := &fakeQueue{}
		d := newDispatcher(q, &fakeSender{}, Config{})
		require.ErrorIs(t, d.Cancel(context.Background(), Target{}), ErrNoTarget)
		require.ErrorIs(t, d.Cancel(context.Background(), ByEvent(7, 0)), ErrNoTarget)
		assert.Empty(t, q.aborted)
	})
	t.Run("not found is success", func(t *testing.T) {
		q := &fakeQueue{status: func(string) (jobqueue.Status, error) { return jobqueue.StatusNotFound, nil }}
		d := newDispatcher(q, &fakeSender{}, Config{})
		require.NoError(t, d.Cancel(context.Background(), ByJobID("gone")))
		assert.Empty(t, q.aborted)
	})
	t.Run("abort timeout is success", func(t *testing.T) {
		q := &fakeQueue{
			status:  func(string) (jobqueue.Status, error) { return jobqueue.StatusInProgress, nil },
			abortFn: func(string) (bool, error) { return false, jobqueue.ErrAbortTimeout },
		}
		d := newDispatcher(q, &fakeSender{}, Config{})
		require.NoError(t, d.Cancel(context.Background(), ByJobID("busy")))
	})
	t.Run("status error propagates", func(t *testing.T) {
		boom := errors.New("redis down")
		q := &fakeQueue{status: func(string) (jobqueue.Status, error) { return "", boom }}
		d := newDispatcher(q, &fakeSender{}, Config{})
		require.ErrorIs(t, d.Cancel(context.Background(), ByJobID("x")), boom)
	})
}

func job(t *testing.T, a Args) *jobqueue.Job {
	t.Helper()
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	return &jobqueue.Job{ID: "7:3", Name: JobName, Args: raw, Tries: 1}
}

func TestHandleSend(t *testing.T) {
	t.Parallel()

	t.Run("delivers and runs hook", func(t *testing.T) {
		s := &fakeSender{}
		var hooked Args
		d := newDispatcher(&fakeQueue{}, s, Config{}, WithDeliveredHook(func(_ context.Context, a Args) error {
			hooked = a
			return errors.New("db gone")
		}))
		a := Args{ChatID: 7, Text: "hi", EventID: 3, SubscriptionID: 9}
		require.NoError(t, d.HandleSend(context.Background(), job(t, a)))
		assert.Len(t, s.sent, 1)
		assert.Equal(t, int64(9), hooked.SubscriptionID)
	})
	t.Run("bad args never retry", func(t *testing.T) {
		d := newDispatcher(&fakeQueue{}, &fakeSender{}, Config{})
		err := d.HandleSend(context.Background(), &jobqueue.Job{ID: "x", Args: json.RawMessage(`{`)})
		assert.True(t, jobqueue.IsNoRetry(err))
	})
	t.Run("chat unavailable", func(t *testing.T) {
		s := &fakeSender{err: func() error { return kit.ErrChatUnavailable }}
		d := newDispatcher(&fakeQueue{}, s, Config{})
		err := d.HandleSend(context.Background(), job(t, Args{ChatID: 7, Text: "hi"}))
		assert.True(t, jobqueue.IsNoRetry(err))
		assert.ErrorIs(t, err, kit.ErrChatUnavailable)
	})
	t.Run("flood wait", func(t *testing.T) {
		s := &fakeSender{err: func() error { return &kit.FloodError{RetryAfter: 12 * time.Second} }}
		d := newDispatcher(&fakeQueue{}, s, Config{})
		err := d.HandleSend(context.Background(), job(t, Args{ChatID: 7, Text: "hi"}))
		var ra jobqueue.RetryAfterError
		require.ErrorAs(t, err, &ra)
		assert.Equal(t, 12*time.Second, ra.RetryAfter())
	})
	t.Run("open circuit", func(t *testing.T) {
		s := &fakeSender{err: func() error { return errors.New("bad gateway") }}
		d := newDispatcher(&fakeQueue{}, s, Config{BreakerFailures: 2, BreakerTimeout: time.Minute})
		for i := 0; i < 2; i++ {
			err := d.HandleSend(context.Background(), job(t, Args{ChatID: 7, Text: "hi"}))
			require.Error(t, err)
			assert.False(t, jobqueue.IsNoRetry(err))
		}
		err := d.HandleSend(context.Background(), job(t, Args{ChatID: 7, Text: "hi"}))
		var ra jobqueue.RetryAfterError
		require.ErrorAs(t, err, &ra)
		assert.Equal(t, time.Minute, ra.RetryAfter())
	})
	t.Run("dead chats do not trip the circuit", func(t *testing.T) {
		s := &fakeSender{err: func() error { return kit.ErrChatUnavailable }}
		d := newDispatcher(&fakeQueue{}, s, Config{BreakerFailures: 1})
		for i := 0; i < 3; i++ {
			err := d.HandleSend(context.Background(), job(t, Args{ChatID: 7, Text: "hi"}))
			assert.True(t, jobqueue.IsNoRetry(err))
		}
	})
}
