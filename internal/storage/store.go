package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	logx "deadlinebot/pkg/logx"
)

// SQLStore implements the subscription and notification repositories on
// top of a sqlx handle. Queries use '?' placeholders and are rebound per
// dialect.
type SQLStore struct {
	db      *sqlx.DB
	dialect string
	log     logx.Logger
}

// NewSQLStore wraps an existing handle without running migrations.
func NewSQLStore(db *sqlx.DB, dialect string, log logx.Logger) *SQLStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SQLStore{db: db, dialect: dialect, log: log}
}

func (s *SQLStore) DB() *sqlx.DB          { return s.db }
func (s *SQLStore) Dialect() string       { return s.dialect }
func (s *SQLStore) q(query string) string { return s.db.Rebind(query) }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// normTime stores instants in UTC at second precision so SQLite text
// comparisons stay ordered.
func normTime(t time.Time) time.Time { return t.UTC().Truncate(time.Second) }

func normDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// Events lists the events of a program's timeline ordered by deadline.
func (s *SQLStore) Events(ctx context.Context, programID, timelineTypeID int64) ([]TimelineEvent, error) {
	var out []TimelineEvent
	err := s.db.SelectContext(ctx, &out, s.q(
		`SELECT id, program_id, timeline_type_id, name, deadline
		 FROM timeline_events
		 WHERE program_id = ? AND timeline_type_id = ?
		 ORDER BY deadline, id`), programID, timelineTypeID)
	return out, err
}

func (s *SQLStore) Event(ctx context.Context, id int64) (TimelineEvent, error) {
	var ev TimelineEvent
	err := s.db.GetContext(ctx, &ev, s.q(
		`SELECT id, program_id, timeline_type_id, name, deadline FROM timeline_events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return ev, ErrNotFound
	}
	return ev, err
}

func (s *SQLStore) Program(ctx context.Context, id int64) (Program, error) {
	var p Program
	err := s.db.GetContext(ctx, &p, s.q(`SELECT id, title FROM programs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (s *SQLStore) TimelineType(ctx context.Context, id int64) (TimelineType, error) {
	var t TimelineType
	err := s.db.GetContext(ctx, &t, s.q(`SELECT id, name FROM timeline_types WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func (s *SQLStore) Subscription(ctx context.Context, id int64) (Subscription, error) {
	var sub Subscription
	err := s.db.GetContext(ctx, &sub, s.q(
		`SELECT id, user_id, program_id, timeline_type_id, created_at
		 FROM notification_subscriptions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, ErrNotFound
	}
	return sub, err
}

// FilterSubscriptions returns subscriptions matching every non-zero field.
func (s *SQLStore) FilterSubscriptions(ctx context.Context, f SubscriptionFilter) ([]Subscription, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.ProgramID != 0 {
		where = append(where, "program_id = ?")
		args = append(args, f.ProgramID)
	}
	if f.TimelineTypeID != 0 {
		where = append(where, "timeline_type_id = ?")
		args = append(args, f.TimelineTypeID)
	}
	query := `SELECT id, user_id, program_id, timeline_type_id, created_at FROM notification_subscriptions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	var out []Subscription
	err := s.db.SelectContext(ctx, &out, s.q(query), args...)
	return out, err
}

// CreateSubscription inserts a subscription. It returns ErrConflict when the
// user already follows that program timeline.
func (s *SQLStore) CreateSubscription(ctx context.Context, userID, programID, timelineTypeID int64) (Subscription, error) {
	sub := Subscription{
		UserID:         userID,
		ProgramID:      programID,
		TimelineTypeID: timelineTypeID,
		CreatedAt:      normTime(time.Now()),
	}
	err := s.db.QueryRowxContext(ctx, s.q(
		`INSERT INTO notification_subscriptions (user_id, program_id, timeline_type_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, program_id, timeline_type_id) DO NOTHING
		 RETURNING id`), userID, programID, timelineTypeID, sub.CreatedAt).Scan(&sub.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Subscription{}, ErrConflict
	case isUniqueViolation(err):
		return Subscription{}, ErrConflict
	case err != nil:
		return Subscription{}, err
	}
	return sub, nil
}

// DeleteSubscription removes a subscription; its scheduled notification rows
// cascade.
func (s *SQLStore) DeleteSubscription(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM notification_subscriptions WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BulkCreateNotifications inserts one row per item in a single transaction.
// An existing (subscription, event) row has its send time replaced.
func (s *SQLStore) BulkCreateNotifications(ctx context.Context, subscriptionID int64, items []NewNotification) ([]ScheduledNotification, error) {
	if len(items) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(
		`INSERT INTO scheduled_notifications (subscription_id, event_id, send_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (subscription_id, event_id) DO UPDATE SET send_at = excluded.send_at
		 RETURNING id`))
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	out := make([]ScheduledNotification, 0, len(items))
	for _, it := range items {
		n := ScheduledNotification{SubscriptionID: subscriptionID, EventID: it.EventID, SendAt: normTime(it.SendAt)}
		if err := stmt.QueryRowxContext(ctx, subscriptionID, it.EventID, n.SendAt).Scan(&n.ID); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) FilterNotifications(ctx context.Context, subscriptionID int64) ([]ScheduledNotification, error) {
	var out []ScheduledNotification
	err := s.db.SelectContext(ctx, &out, s.q(
		`SELECT id, subscription_id, event_id, send_at
		 FROM scheduled_notifications WHERE subscription_id = ?
		 ORDER BY send_at, id`), subscriptionID)
	return out, err
}

func (s *SQLStore) BulkDeleteNotifications(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM scheduled_notifications WHERE id IN (?)`, ids)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(query), args...)
	return err
}

// DeleteNotificationByEvent removes the row of a delivered reminder.
func (s *SQLStore) DeleteNotificationByEvent(ctx context.Context, subscriptionID, eventID int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM scheduled_notifications WHERE subscription_id = ? AND event_id = ?`),
		subscriptionID, eventID)
	return err
}

// PruneNotifications deletes rows whose send time is before cutoff. These
// belong to jobs that were delivered without a callback or expired.
func (s *SQLStore) PruneNotifications(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM scheduled_notifications WHERE send_at < ?`), normTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SubscriptionViews lists a user's subscriptions with catalog names.
func (s *SQLStore) SubscriptionViews(ctx context.Context, userID int64) ([]SubscriptionView, error) {
	var out []SubscriptionView
	err := s.db.SelectContext(ctx, &out, s.q(
		`SELECT s.id, s.program_id, s.timeline_type_id,
		        COALESCE(p.title, '') AS program_title,
		        COALESCE(t.name, '') AS timeline_type_name
		 FROM notification_subscriptions s
		 LEFT JOIN programs p ON p.id = s.program_id
		 LEFT JOIN timeline_types t ON t.id = s.timeline_type_id
		 WHERE s.user_id = ?
		 ORDER BY s.id`), userID)
	return out, err
}

// NotificationViews lists a subscription's pending reminders with event names.
func (s *SQLStore) NotificationViews(ctx context.Context, subscriptionID int64) ([]NotificationView, error) {
	var out []NotificationView
	err := s.db.SelectContext(ctx, &out, s.q(
		`SELECT n.id, n.event_id, e.name AS event_name, e.deadline, n.send_at
		 FROM scheduled_notifications n
		 JOIN timeline_events e ON e.id = n.event_id
		 WHERE n.subscription_id = ?
		 ORDER BY n.send_at, n.id`), subscriptionID)
	return out, err
}

func (s *SQLStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO audit (at, actor_id, actor_username, chat_id, action, target, ok, err, took_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		normTime(e.At), e.ActorID, nullStr(e.ActorUsername), e.ChatID, e.Action, e.Target, e.OK, nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
