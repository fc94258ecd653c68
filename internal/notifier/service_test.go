package notifier

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deadlinebot/internal/delivery"
	"deadlinebot/internal/eventbus"
	"deadlinebot/internal/storage"
)

type memRepo struct {
	mu     sync.Mutex
	nextID int64

	programs map[int64]storage.Program
	events   []storage.TimelineEvent
	subs     map[int64]storage.Subscription
	notes    map[int64]storage.ScheduledNotification

	createErr error
	// raced is stored by CreateSubscription just before it reports a conflict
	raced     *storage.Subscription
}

func newMemRepo() *memRepo {
	return &memRepo{
		programs: map[int64]storage.Program{42: {ID: 42, Title: "Applied Mathematics"}},
		subs:     map[int64]storage.Subscription{},
		notes:    map[int64]storage.ScheduledNotification{},
	}
}

func (r *memRepo) id() int64 { r.nextID++; return r.nextID }

func (r *memRepo) Program(_ context.Context, id int64) (storage.Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.programs[id]
	if !ok {
		return storage.Program{}, storage.ErrNotFound
	}
	return p, nil
}

func (r *memRepo) Events(_ context.Context, programID, typeID int64) ([]storage.TimelineEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []storage.TimelineEvent
	for _, e := range r.events {
		if e.ProgramID == programID && e.TimelineTypeID == typeID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memRepo) Subscription(_ context.Context, id int64) (storage.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return storage.Subscription{}, storage.ErrNotFound
	}
	return s, nil
}

func (r *memRepo) FilterSubscriptions(_ context.Context, f storage.SubscriptionFilter) ([]storage.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []storage.Subscription
	for _, s := range r.subs {
		if (f.UserID == 0 || s.UserID == f.UserID) &&
			(f.ProgramID == 0 || s.ProgramID == f.ProgramID) &&
			(f.TimelineTypeID == 0 || s.TimelineTypeID == f.TimelineTypeID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memRepo) CreateSubscription(_ context.Context, userID, programID, typeID int64) (storage.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.raced != nil {
		r.subs[r.raced.ID] = *r.raced
		return storage.Subscription{}, storage.ErrConflict
	}
	if r.createErr != nil {
		return storage.Subscription{}, r.createErr
	}
	s := storage.Subscription{ID: r.id(), UserID: userID, ProgramID: programID, TimelineTypeID: typeID}
	r.subs[s.ID] = s
	return s, nil
}

func (r *memRepo) DeleteSubscription(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(r.subs, id)
	return nil
}

func (r *memRepo) BulkCreateNotifications(_ context.Context, subID int64, items []storage.NewNotification) ([]storage.ScheduledNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]storage.ScheduledNotification, 0, len(items))
	for _, it := range items {
		n := storage.ScheduledNotification{ID: r.id(), SubscriptionID: subID, EventID: it.EventID, SendAt: it.SendAt}
		r.notes[n.ID] = n
		out = append(out, n)
	}
	return out, nil
}

func (r *memRepo) FilterNotifications(_ context.Context, subID int64) ([]storage.ScheduledNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []storage.ScheduledNotification
	for _, n := range r.notes {
		if n.SubscriptionID == subID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SendAt.Before(out[j].SendAt) })
	return out, nil
}

func (r *memRepo) BulkDeleteNotifications(_ context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.notes, id)
	}
	return nil
}

func (r *memRepo) SubscriptionViews(context.Context, int64) ([]storage.SubscriptionView, error) {
	return nil, nil
}

func (r *memRepo) NotificationViews(context.Context, int64) ([]storage.NotificationView, error) {
	return nil, nil
}

type scheduled struct {
	chatID int64
	ev     delivery.Event
	jobID  string
}

type fakeDispatcher struct {
	mu        sync.Mutex
	scheduled []scheduled
	cancelled []string
	sent      []string

	scheduleErr func(ev delivery.Event) error
	outcome     func(ev delivery.Event) delivery.Outcome
	cancelErr   error
}

func (d *fakeDispatcher) Schedule(_ context.Context, chatID int64, ev delivery.Event, jobID string) (delivery.Result, error) {
	if d.scheduleErr != nil {
		if err := d.scheduleErr(ev); err != nil {
			return delivery.Result{}, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outcome != nil {
		if o := d.outcome(ev); o != delivery.OutcomeEnqueued {
			return delivery.Result{Outcome: o, JobID: jobID}, nil
		}
	}
	d.scheduled = append(d.scheduled, scheduled{chatID: chatID, ev: ev, jobID: jobID})
	return delivery.Result{Outcome: delivery.OutcomeEnqueued, JobID: jobID}, nil
}

func (d *fakeDispatcher) Cancel(_ context.Context, t delivery.Target) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, t.String())
	return d.cancelErr
}

func (d *fakeDispatcher) Send(_ context.Context, _ int64, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, text)
	return nil
}

func (d *fakeDispatcher) byWhen() []scheduled {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append([]scheduled(nil), d.scheduled...)
	sort.Slice(out, func(i, j int) bool { return out[i].ev.When.Before(out[j].ev.When) })
	return out
}

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func newTestService(t *testing.T, repo *memRepo, d *fakeDispatcher, now time.Time, opts ...Option) *Service {
	t.Helper()
	opts = append(opts, WithClock(func() time.Time { return now }))
	s, err := New(repo, d, Config{}, opts...)
	require.NoError(t, err)
	return s
}

func TestSendAtUsesMoscowNoon(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	got := SendAt(day(2025, 9, 1), loc, 12, 1)
	assert.Equal(t, time.Date(2025, 8, 31, 9, 0, 0, 0, time.UTC), got)

	// month boundary and a deadline carrying a clock time
	got = SendAt(time.Date(2025, 3, 1, 18, 30, 0, 0, time.UTC), loc, 12, 1)
	assert.Equal(t, time.Date(2025, 2, 28, 9, 0, 0, 0, time.UTC), got)
}

func TestScheduleForProgramQueuesUpcomingEvents(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	repo.events = []storage.TimelineEvent{
		{ID: 1, ProgramID: 42, TimelineTypeID: 3, Name: "Document submission", Deadline: day(2025, 9, 1)},
		{ID: 2, ProgramID: 42, TimelineTypeID: 3, Name: "Entrance exam", Deadline: day(2025, 9, 15)},
		{ID: 3, ProgramID: 7, TimelineTypeID: 3, Name: "Other program", Deadline: day(2025, 9, 20)},
	}
	d := &fakeDispatcher{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.SubscriptionCreated)
	defer unsub()

	s := newTestService(t, repo, d, time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC), WithBus(bus))
	rep, err := s.ScheduleForProgram(context.Background(), 100, 555, 42, 3)
	require.NoError(t, err)

	assert.False(t, rep.Existing)
	assert.Equal(t, 2, rep.Scheduled)
	assert.Zero(t, rep.Skipped)
	assert.Equal(t, int64(100), rep.Subscription.UserID)

	got := d.byWhen()
	require.Len(t, got, 2)
	assert.Equal(t, time.Date(2025, 8, 31, 9, 0, 0, 0, time.UTC), got[0].ev.When)
	assert.Equal(t, time.Date(2025, 9, 14, 9, 0, 0, 0, time.UTC), got[1].ev.When)
	assert.Equal(t, "555:42:3:1", got[0].jobID)
	assert.Equal(t, "555:42:3:2", got[1].jobID)
	assert.Equal(t, int64(555), got[0].chatID)
	assert.Equal(t, rep.Subscription.ID, got[0].ev.SubscriptionID)
	assert.Contains(t, got[0].ev.Text, "Applied Mathematics")
	assert.Contains(t, got[0].ev.Text, "Document submission")
	assert.Contains(t, got[0].ev.Text, "01.09.2025")

	notes, err := repo.FilterNotifications(context.Background(), rep.Subscription.ID)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, got[0].ev.When, notes[0].SendAt)

	select {
	case e := <-ch:
		assert.Equal(t, eventbus.SubscriptionCreated, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no subscription event published")
	}
}

func TestScheduleForProgramIsIdempotent(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	repo.events = []storage.TimelineEvent{
		{ID: 1, ProgramID: 42, TimelineTypeID: 3, Name: "Exam", Deadline: day(2025, 9, 1)},
	}
	d := &fakeDispatcher{}
	s := newTestService(t, repo, d, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	first, err := s.ScheduleForProgram(ctx, 100, 555, 42, 3)
	require.NoError(t, err)
	second, err := s.ScheduleForProgram(ctx, 100, 555, 42, 3)
	require.NoError(t, err)

	assert.True(t, second.Existing)
	assert.Equal(t, first.Subscription.ID, second.Subscription.ID)
	assert.Len(t, d.byWhen(), 1)
}

func TestScheduleForProgramTreatsConflictAsExisting(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	repo.createErr = storage.ErrConflict
	d := &fakeDispatcher{}
	s := newTestService(t, repo, d, time.Now())

	rep, err := s.ScheduleForProgram(context.Background(), 1, 1, 42, 3)
	require.NoError(t, err)
	assert.True(t, rep.Existing)
	assert.Empty(t, d.byWhen())
}

func TestScheduleForProgramConflictReturnsWinner(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	repo.raced = &storage.Subscription{ID: 77, UserID: 1, ProgramID: 42, TimelineTypeID: 3}
	d := &fakeDispatcher{}
	s := newTestService(t, repo, d, time.Now())

	rep, err := s.ScheduleForProgram(context.Background(), 1, 1, 42, 3)
	require.NoError(t, err)
	assert.True(t, rep.Existing)
	assert.Equal(t, *repo.raced, rep.Subscription)
	assert.Empty(t, d.byWhen())
}

func TestScheduleForProgramDropsRowsSkippedByDispatcher(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	repo.events = []storage.TimelineEvent{
		{ID: 1, ProgramID: 42, TimelineTypeID: 3, Name: "Raced", Deadline: day(2025, 9, 1)},
		{ID: 2, ProgramID: 42, TimelineTypeID: 3, Name: "Kept", Deadline: day(2025, 9, 15)},
	}
	// the first reminder's send time passes between planning and dispatch
	d := &fakeDispatcher{outcome: func(ev delivery.Event) delivery.Outcome {
		if ev.ID == 1 {
			return delivery.OutcomeSkipped
		}
		return delivery.OutcomeEnqueued
	}}
	s := newTestService(t, repo, d, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))

	rep, err := s.ScheduleForProgram(context.Background(), 100, 555, 42, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scheduled)
	assert.Equal(t, 1, rep.Skipped)

	notes, err := repo.FilterNotifications(context.Background(), rep.Subscription.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, int64(2), notes[0].EventID)
}

func TestScheduleForProgramSkipsPastReminders(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	repo.events = []storage.TimelineEvent{
		{ID: 1, ProgramID: 42, TimelineTypeID: 3, Name: "Gone", Deadline: day(2025, 7, 1)},
		// reminder was due 2025-08-09 09:00 UTC, before now
		{ID: 2, ProgramID: 42, TimelineTypeID: 3, Name: "Tomorrow", Deadline: day(2025, 8, 10)},
		{ID: 3, ProgramID: 42, TimelineTypeID: 3, Name: "Later", Deadline: day(2025, 8, 20)},
	}
	d := &fakeDispatcher{}
	s := newTestService(t, repo, d, time.Date(2025, 8, 9, 15, 0, 0, 0, time.UTC))

	rep, err := s.ScheduleForProgram(context.Background(), 100, 555, 42, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scheduled)
	assert.Equal(t, 2, rep.Skipped)

	got := d.byWhen()
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].ev.ID)

	notes, err := repo.FilterNotifications(context.Background(), rep.Subscription.ID)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestScheduleForProgramJoinsDispatchErrors(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	repo.events = []storage.TimelineEvent{
		{ID: 1, ProgramID: 42, TimelineTypeID: 3, Name: "A", Deadline: day(2025, 9, 1)},
		{ID: 2, ProgramID: 42, TimelineTypeID: 3, Name: "B", Deadline: day(2025, 9, 2)},
		{ID: 3, ProgramID: 42, TimelineTypeID: 3, Name: "C", Deadline: day(2025, 9, 3)},
	}
	errRedis := errors.New("redis down")
	d := &fakeDispatcher{scheduleErr: func(ev delivery.Event) error {
		if ev.ID != 2 {
			return errRedis
		}
		return nil
	}}
	s := newTestService(t, repo, d, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))

	rep, err := s.ScheduleForProgram(context.Background(), 100, 555, 42, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, errRedis)
	assert.Contains(t, err.Error(), "event 1")
	assert.Contains(t, err.Error(), "event 3")
	assert.Equal(t, 1, rep.Scheduled)
	assert.NotZero(t, rep.Subscription.ID)
}

func TestCancelForSubscriptionAbortsEveryJob(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	repo.events = []storage.TimelineEvent{
		{ID: 1, ProgramID: 42, TimelineTypeID: 3, Name: "A", Deadline: day(2025, 9, 1)},
		{ID: 2, ProgramID: 42, TimelineTypeID: 3, Name: "B", Deadline: day(2025, 9, 15)},
	}
	d := &fakeDispatcher{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.SubscriptionCancelled)
	defer unsub()
	s := newTestService(t, repo, d, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), WithBus(bus))
	ctx := context.Background()

	rep, err := s.ScheduleForProgram(ctx, 100, 555, 42, 3)
	require.NoError(t, err)

	require.NoError(t, s.CancelForSubscription(ctx, rep.Subscription.ID, 555))

	var want []string
	for _, sc := range d.byWhen() {
		want = append(want, delivery.ByJobID(sc.jobID).String())
	}
	assert.ElementsMatch(t, want, d.cancelled)

	_, err = repo.Subscription(ctx, rep.Subscription.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	notes, err := repo.FilterNotifications(ctx, rep.Subscription.ID)
	require.NoError(t, err)
	assert.Empty(t, notes)

	select {
	case e := <-ch:
		assert.Equal(t, eventbus.SubscriptionCancelled, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no cancel event published")
	}
}

func TestCancelForSubscriptionIgnoresAbortFailures(t *testing.T) {
	t.Parallel()
	repo := newMemRepo()
	repo.events = []storage.TimelineEvent{
		{ID: 1, ProgramID: 42, TimelineTypeID: 3, Name: "A", Deadline: day(2025, 9, 1)},
	}
	d := &fakeDispatcher{cancelErr: errors.New("abort timeout")}
	s := newTestService(t, repo, d, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	rep, err := s.ScheduleForProgram(ctx, 100, 555, 42, 3)
	require.NoError(t, err)
	require.NoError(t, s.CancelForSubscription(ctx, rep.Subscription.ID, 555))

	_, err = repo.Subscription(ctx, rep.Subscription.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCancelForMissingSubscriptionIsNoop(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	s := newTestService(t, newMemRepo(), d, time.Now())
	require.NoError(t, s.CancelForSubscription(context.Background(), 999, 1))
	assert.Empty(t, d.cancelled)
}

func TestSendNotificationSendsImmediately(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	s := newTestService(t, newMemRepo(), d, time.Now())
	require.NoError(t, s.SendNotification(context.Background(), 1, delivery.Event{ID: 1, Text: "hello"}))
	assert.Equal(t, []string{"hello"}, d.sent)
}

func TestNewRejectsUnknownTimezone(t *testing.T) {
	t.Parallel()
	_, err := New(newMemRepo(), &fakeDispatcher{}, Config{Timezone: "Mars/Olympus"})
	require.Error(t, err)
}
