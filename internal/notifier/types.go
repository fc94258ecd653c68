package notifier

import (
	"context"
	"fmt"
	"time"

	"deadlinebot/internal/delivery"
	"deadlinebot/internal/storage"
)

// Repository is the catalog and subscription storage the service needs.
// storage.SQLStore implements it.
type Repository interface {
	Program(ctx context.Context, id int64) (storage.Program, error)
	Events(ctx context.Context, programID, timelineTypeID int64) ([]storage.TimelineEvent, error)

	Subscription(ctx context.Context, id int64) (storage.Subscription, error)
	FilterSubscriptions(ctx context.Context, f storage.SubscriptionFilter) ([]storage.Subscription, error)
	CreateSubscription(ctx context.Context, userID, programID, timelineTypeID int64) (storage.Subscription, error)
	DeleteSubscription(ctx context.Context, id int64) error

	BulkCreateNotifications(ctx context.Context, subscriptionID int64, items []storage.NewNotification) ([]storage.ScheduledNotification, error)
	FilterNotifications(ctx context.Context, subscriptionID int64) ([]storage.ScheduledNotification, error)
	BulkDeleteNotifications(ctx context.Context, ids []int64) error

	SubscriptionViews(ctx context.Context, userID int64) ([]storage.SubscriptionView, error)
	NotificationViews(ctx context.Context, subscriptionID int64) ([]storage.NotificationView, error)
}

// Dispatcher is the delivery side; delivery.Dispatcher implements it.
type Dispatcher interface {
	Schedule(ctx context.Context, chatID int64, ev delivery.Event, jobID string) (delivery.Result, error)
	Cancel(ctx context.Context, t delivery.Target) error
	Send(ctx context.Context, chatID int64, text string) error
}

type Config struct {
	// Timezone is an IANA name; default Europe/Moscow.
	Timezone     string
	ReminderHour int
	DaysBefore   int
	// FanoutLimit bounds concurrent dispatcher calls per operation.
	FanoutLimit int
}

func (c Config) withDefaults() Config {
	if c.Timezone == "" {
		c.Timezone = "Europe/Moscow"
	}
	if c.ReminderHour <= 0 || c.ReminderHour > 23 {
		c.ReminderHour = 12
	}
	if c.DaysBefore <= 0 {
		c.DaysBefore = 1
	}
	if c.FanoutLimit <= 0 {
		c.FanoutLimit = 8
	}
	return c
}

// ScheduleReport summarizes a ScheduleForProgram call.
type ScheduleReport struct {
	Subscription storage.Subscription
	// Existing is set when the user was already subscribed; nothing else ran.
	Existing  bool
	Scheduled int
	// Skipped counts events whose reminder time had already passed.
	Skipped int
}

// JobID is the delivery job id of one reminder.
func JobID(chatID, programID, timelineTypeID, eventID int64) string {
	return fmt.Sprintf("%d:%d:%d:%d", chatID, programID, timelineTypeID, eventID)
}

// SendAt is the reminder time for a deadline: hour:00 in loc, daysBefore
// calendar days earlier, returned in UTC. Only the calendar date of
// deadline is used.
func SendAt(deadline time.Time, loc *time.Location, hour, daysBefore int) time.Time {
	y, m, d := deadline.Date()
	return time.Date(y, m, d-daysBefore, hour, 0, 0, 0, loc).UTC()
}
