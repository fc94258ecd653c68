package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"deadlinebot/internal/delivery"
	"deadlinebot/internal/eventbus"
	"deadlinebot/internal/storage"
	logx "deadlinebot/pkg/logx"
	"deadlinebot/pkg/metrics"
)

// Service schedules and cancels reminders for program subscriptions.
// It is safe for concurrent use.
type Service struct {
	repo Repository
	disp Dispatcher

	cfg Config
	loc *time.Location

	log logx.Logger
	bus eventbus.Bus
	m   *metrics.Metrics
	now func() time.Time
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.m = m } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(repo Repository, disp Dispatcher, cfg Config, opts ...Option) (*Service, error) {
	cfg = cfg.withDefaults()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("notifier timezone %q: %w", cfg.Timezone, err)
	}
	s := &Service{repo: repo, disp: disp, cfg: cfg, loc: loc, now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.Component("notifier"))
	if s.bus == nil {
		s.bus = eventbus.Nop{}
	}
	return s, nil
}

func (s *Service) Location() *time.Location { return s.loc }

// SendAt applies the configured reminder hour and lead days to deadline.
func (s *Service) SendAt(deadline time.Time) time.Time {
	return SendAt(deadline, s.loc, s.cfg.ReminderHour, s.cfg.DaysBefore)
}

// ScheduleForProgram subscribes userID to a program timeline and queues a
// reminder for every upcoming event. Subscribing twice is a no-op. Failed
// dispatches are joined into the returned error; rows and jobs that did
// succeed are kept.
func (s *Service) ScheduleForProgram(ctx context.Context, userID, chatID, programID, timelineTypeID int64) (ScheduleReport, error) {
	var rep ScheduleReport
	log := s.log.With(
		logx.UserID(userID),
		logx.Int64("program_id", programID),
		logx.Int64("timeline_type_id", timelineTypeID),
	)

	filter := storage.SubscriptionFilter{UserID: userID, ProgramID: programID, TimelineTypeID: timelineTypeID}
	existing, err := s.repo.FilterSubscriptions(ctx, filter)
	if err != nil {
		return rep, fmt.Errorf("find subscription: %w", err)
	}
	if len(existing) > 0 {
		rep.Subscription, rep.Existing = existing[0], true
		s.m.Subscription("existing")
		log.Debug("already subscribed", logx.SubscriptionID(existing[0].ID))
		return rep, nil
	}

	sub, err := s.repo.CreateSubscription(ctx, userID, programID, timelineTypeID)
	if errors.Is(err, storage.ErrConflict) {
		// a concurrent subscribe won the race and schedules the reminders
		rep.Existing = true
		s.m.Subscription("existing")
		winner, err := s.repo.FilterSubscriptions(ctx, filter)
		if err != nil {
			return rep, fmt.Errorf("find subscription: %w", err)
		}
		if len(winner) > 0 {
			rep.Subscription = winner[0]
		}
		return rep, nil
	}
	if err != nil {
		return rep, fmt.Errorf("create subscription: %w", err)
	}
	rep.Subscription = sub
	s.m.Subscription("created")
	s.bus.Publish(eventbus.Event{Type: eventbus.SubscriptionCreated, Data: sub})

	events, err := s.repo.Events(ctx, programID, timelineTypeID)
	if err != nil {
		return rep, fmt.Errorf("load events: %w", err)
	}

	now := s.now()
	today := dateIn(now, s.loc)
	type planned struct {
		ev     storage.TimelineEvent
		sendAt time.Time
	}
	plan := make([]planned, 0, len(events))
	for _, ev := range events {
		if dateOf(ev.Deadline).Before(today) {
			rep.Skipped++
			continue
		}
		at := s.SendAt(ev.Deadline)
		if !at.After(now) {
			rep.Skipped++
			continue
		}
		plan = append(plan, planned{ev: ev, sendAt: at})
	}
	if len(plan) == 0 {
		log.Info("subscribed; no upcoming events", logx.Int("skipped", rep.Skipped))
		return rep, nil
	}

	rows := make([]storage.NewNotification, 0, len(plan))
	for _, p := range plan {
		rows = append(rows, storage.NewNotification{EventID: p.ev.ID, SendAt: p.sendAt})
	}
	created, err := s.repo.BulkCreateNotifications(ctx, sub.ID, rows)
	if err != nil {
		return rep, fmt.Errorf("store notifications: %w", err)
	}
	rowOf := make(map[int64]int64, len(created))
	for _, n := range created {
		rowOf[n.EventID] = n.ID
	}

	title := ""
	if p, err := s.repo.Program(ctx, programID); err == nil {
		title = p.Title
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Warn("program lookup failed", logx.Err(err))
	}

	var (
		mu    sync.Mutex
		errs  []error
		stale []int64
	)
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.FanoutLimit)
	for _, p := range plan {
		g.Go(func() error {
			ev := delivery.Event{
				ID:             p.ev.ID,
				Text:           reminderText(title, p.ev.Name, p.ev.Deadline),
				When:           p.sendAt,
				SubscriptionID: sub.ID,
			}
			res, err := s.disp.Schedule(ctx, chatID, ev, JobID(chatID, programID, timelineTypeID, p.ev.ID))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("event %d: %w", p.ev.ID, err))
				return nil
			}
			if res.Outcome == delivery.OutcomeSkipped {
				rep.Skipped++
				if id, ok := rowOf[p.ev.ID]; ok {
					stale = append(stale, id)
				}
			} else {
				rep.Scheduled++
			}
			return nil
		})
	}
	_ = g.Wait()

	// the send time passed while dispatching; nothing will deliver these rows
	if len(stale) > 0 {
		if err := s.repo.BulkDeleteNotifications(ctx, stale); err != nil {
			log.Warn("dropping skipped reminders failed", logx.Int("rows", len(stale)), logx.Err(err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		log.Warn("some reminders were not scheduled", logx.Int("failed", len(errs)), logx.Err(err))
		return rep, err
	}
	log.Info("subscribed", logx.SubscriptionID(sub.ID), logx.Int("scheduled", rep.Scheduled), logx.Int("skipped", rep.Skipped))
	return rep, nil
}

// CancelForSubscription aborts every queued reminder of a subscription and
// deletes it. Abort failures are logged; the rows are removed regardless.
// A missing subscription is a no-op.
func (s *Service) CancelForSubscription(ctx context.Context, subscriptionID, chatID int64) error {
	sub, err := s.repo.Subscription(ctx, subscriptionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	log := s.log.With(logx.SubscriptionID(sub.ID), logx.ChatID(chatID))

	rows, err := s.repo.FilterNotifications(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.FanoutLimit)
	for _, n := range rows {
		g.Go(func() error {
			id := JobID(chatID, sub.ProgramID, sub.TimelineTypeID, n.EventID)
			if err := s.disp.Cancel(ctx, delivery.ByJobID(id)); err != nil {
				log.Warn("cancel reminder failed", logx.JobID(id), logx.Err(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	ids := make([]int64, 0, len(rows))
	for _, n := range rows {
		ids = append(ids, n.ID)
	}
	if err := s.repo.BulkDeleteNotifications(ctx, ids); err != nil {
		return fmt.Errorf("delete notifications: %w", err)
	}
	if err := s.repo.DeleteSubscription(ctx, sub.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete subscription: %w", err)
	}

	s.m.Subscription("cancelled")
	s.bus.Publish(eventbus.Event{Type: eventbus.SubscriptionCancelled, Data: sub})
	log.Info("unsubscribed", logx.Int("cancelled", len(rows)))
	return nil
}

// SendNotification delivers ev.Text to chatID immediately.
func (s *Service) SendNotification(ctx context.Context, chatID int64, ev delivery.Event) error {
	return s.disp.Send(ctx, chatID, ev.Text)
}

func (s *Service) Subscription(ctx context.Context, id int64) (storage.Subscription, error) {
	return s.repo.Subscription(ctx, id)
}

func (s *Service) Subscriptions(ctx context.Context, userID int64) ([]storage.SubscriptionView, error) {
	return s.repo.SubscriptionViews(ctx, userID)
}

func (s *Service) Notifications(ctx context.Context, subscriptionID int64) ([]storage.NotificationView, error) {
	return s.repo.NotificationViews(ctx, subscriptionID)
}

func (s *Service) Events(ctx context.Context, programID, timelineTypeID int64) ([]storage.TimelineEvent, error) {
	return s.repo.Events(ctx, programID, timelineTypeID)
}

func dateIn(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
