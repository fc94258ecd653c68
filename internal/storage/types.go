package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a uniqueness constraint rejects an insert.
	ErrConflict = errors.New("storage: conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" / "sqlite3": SQLite database file; DSN is a path or ":memory:"
//   - "postgres": PostgreSQL connection string
type Config struct {
	Driver       string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means driver default
}

type Program struct {
	ID    int64  `db:"id" yaml:"id"`
	Title string `db:"title" yaml:"title"`
}

type TimelineType struct {
	ID   int64  `db:"id" yaml:"id"`
	Name string `db:"name" yaml:"name"`
}

// TimelineEvent is a dated milestone of a program's admission timeline.
type TimelineEvent struct {
	ID             int64     `db:"id"`
	ProgramID      int64     `db:"program_id"`
	TimelineTypeID int64     `db:"timeline_type_id"`
	Name           string    `db:"name"`
	Deadline       time.Time `db:"deadline"`
}

type Subscription struct {
	ID             int64     `db:"id"`
	UserID         int64     `db:"user_id"`
	ProgramID      int64     `db:"program_id"`
	TimelineTypeID int64     `db:"timeline_type_id"`
	CreatedAt      time.Time `db:"created_at"`
}

// SubscriptionFilter selects subscriptions; zero fields match anything.
type SubscriptionFilter struct {
	UserID         int64
	ProgramID      int64
	TimelineTypeID int64
}

func (f SubscriptionFilter) IsZero() bool {
	return f.UserID == 0 && f.ProgramID == 0 && f.TimelineTypeID == 0
}

// ScheduledNotification is a pending reminder for one event of one
// subscription. Rows are removed once delivered or cancelled.
type ScheduledNotification struct {
	ID             int64     `db:"id"`
	SubscriptionID int64     `db:"subscription_id"`
	EventID        int64     `db:"event_id"`
	SendAt         time.Time `db:"send_at"`
}

// NewNotification is the input row for BulkCreateNotifications.
type NewNotification struct {
	EventID int64
	SendAt  time.Time
}

// SubscriptionView is a subscription joined with catalog names for display.
type SubscriptionView struct {
	ID               int64  `db:"id"`
	ProgramID        int64  `db:"program_id"`
	TimelineTypeID   int64  `db:"timeline_type_id"`
	ProgramTitle     string `db:"program_title"`
	TimelineTypeName string `db:"timeline_type_name"`
}

// NotificationView is a scheduled notification joined with its event.
type NotificationView struct {
	ID        int64     `db:"id"`
	EventID   int64     `db:"event_id"`
	EventName string    `db:"event_name"`
	Deadline  time.Time `db:"deadline"`
	SendAt    time.Time `db:"send_at"`
}

// AuditEntry records a user or operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	ChatID        int64
	Action        string
	Target        string
	OK            bool
	Error         string
	TookMS        int64
}
