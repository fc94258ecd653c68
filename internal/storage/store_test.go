package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *SQLStore {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", DSN: ":memory:"}, nopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedCatalog(t *testing.T, st *SQLStore) {
	t.Helper()
	_, err := st.ImportCatalog(context.Background(), &Catalog{
		Programs:      []Program{{ID: 42, Title: "Applied Mathematics"}},
		TimelineTypes: []TimelineType{{ID: 1, Name: "Bachelor"}},
		Events: []CatalogEvent{
			{ID: 2, ProgramID: 42, TimelineTypeID: 1, Name: "Exams", Deadline: "2025-09-15"},
			{ID: 1, ProgramID: 42, TimelineTypeID: 1, Name: "Documents", Deadline: "2025-09-01"},
		},
	})
	require.NoError(t, err)
}

func TestEventsOrderedByDeadline(t *testing.T) {
	t.Parallel()
	st := openMemory(t)
	seedCatalog(t, st)

	evs, err := st.Events(context.Background(), 42, 1)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(1), evs[0].ID)
	assert.Equal(t, time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC), evs[0].Deadline.UTC())
	assert.Equal(t, "Exams", evs[1].Name)

	none, err := st.Events(context.Background(), 42, 99)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCreateSubscriptionConflict(t *testing.T) {
	t.Parallel()
	st := openMemory(t)
	ctx := context.Background()

	sub, err := st.CreateSubscription(ctx, 100, 42, 1)
	require.NoError(t, err)
	assert.NotZero(t, sub.ID)

	_, err = st.CreateSubscription(ctx, 100, 42, 1)
	require.ErrorIs(t, err, ErrConflict)

	got, err := st.Subscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.UserID)

	_, err = st.Subscription(ctx, sub.ID+1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilterSubscriptions(t *testing.T) {
	t.Parallel()
	st := openMemory(t)
	ctx := context.Background()

	for _, u := range []int64{1, 2} {
		_, err := st.CreateSubscription(ctx, u, 42, 1)
		require.NoError(t, err)
	}
	_, err := st.CreateSubscription(ctx, 1, 43, 1)
	require.NoError(t, err)

	all, err := st.FilterSubscriptions(ctx, SubscriptionFilter{ProgramID: 42, TimelineTypeID: 1})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := st.FilterSubscriptions(ctx, SubscriptionFilter{UserID: 1})
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestNotificationsLifecycle(t *testing.T) {
	t.Parallel()
	st := openMemory(t)
	seedCatalog(t, st)
	ctx := context.Background()

	sub, err := st.CreateSubscription(ctx, 7, 42, 1)
	require.NoError(t, err)

	first := time.Date(2025, 8, 31, 9, 0, 0, 0, time.UTC)
	second := time.Date(2025, 9, 14, 9, 0, 0, 0, time.UTC)
	rows, err := st.BulkCreateNotifications(ctx, sub.ID, []NewNotification{
		{EventID: 1, SendAt: first},
		{EventID: 2, SendAt: second},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	got, err := st.FilterNotifications(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].SendAt.Equal(first))

	views, err := st.NotificationViews(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "Documents", views[0].EventName)

	subs, err := st.SubscriptionViews(ctx, 7)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "Applied Mathematics", subs[0].ProgramTitle)
	assert.Equal(t, "Bachelor", subs[0].TimelineTypeName)

	require.NoError(t, st.DeleteNotificationByEvent(ctx, sub.ID, 1))
	got, err = st.FilterNotifications(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)

	n, err := st.PruneNotifications(ctx, second.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDeleteSubscriptionCascades(t *testing.T) {
	t.Parallel()
	st := openMemory(t)
	seedCatalog(t, st)
	ctx := context.Background()

	sub, err := st.CreateSubscription(ctx, 7, 42, 1)
	require.NoError(t, err)
	rows, err := st.BulkCreateNotifications(ctx, sub.ID, []NewNotification{{EventID: 1, SendAt: time.Now().Add(time.Hour)}})
	require.NoError(t, err)
	require.NoError(t, st.BulkDeleteNotifications(ctx, nil))

	require.NoError(t, st.DeleteSubscription(ctx, sub.ID))
	require.ErrorIs(t, st.DeleteSubscription(ctx, sub.ID), ErrNotFound)

	left, err := st.FilterNotifications(ctx, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, left)
	require.NoError(t, st.BulkDeleteNotifications(ctx, []int64{rows[0].ID}))
}

func TestLoadCatalog(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
programs:
  - {id: 42, title: "Applied Mathematics"}
timeline_types:
  - {id: 1, name: Bachelor}
events:
  - {id: 1, program_id: 42, timeline_type_id: 1, name: Documents, deadline: "2025-09-01"}
`), 0o600))

	c, err := LoadCatalog(p)
	require.NoError(t, err)
	require.Len(t, c.Events, 1)

	st := openMemory(t)
	stats, err := st.ImportCatalog(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, CatalogStats{Programs: 1, TimelineTypes: 1, Events: 1}, stats)

	_, err = st.ImportCatalog(context.Background(), &Catalog{Events: []CatalogEvent{{ID: 5, Name: "x", Deadline: "soon"}}})
	require.Error(t, err)
}

func TestAppendAudit(t *testing.T) {
	t.Parallel()
	st := openMemory(t)
	require.NoError(t, st.AppendAudit(context.Background(), AuditEntry{
		ActorID: 1, ChatID: 1, Action: "subscribe", Target: "42:1", OK: true,
	}))
	var n int
	require.NoError(t, st.DB().Get(&n, `SELECT COUNT(*) FROM audit`))
	assert.Equal(t, 1, n)
}
