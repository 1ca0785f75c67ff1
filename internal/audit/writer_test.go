package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shepherd-ops/shepherd/internal/shared"
)

type memoryAppender struct {
	entries []Entry
	err     error
}

func (m *memoryAppender) AppendAudit(ctx context.Context, entry Entry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

var fixedNow = time.Date(2025, 3, 2, 9, 30, 0, 0, time.UTC)

func newTestWriter(app Appender) *Writer {
	return NewWriter(app, WithClock(func() time.Time { return fixedNow }))
}

func TestLogStampsActorAndTime(t *testing.T) {
	app := &memoryAppender{}
	w := newTestWriter(app)
	actor := shared.Actor{UserID: 7, IPAddress: "10.0.0.1", UserAgent: "curl/8"}

	entry, err := w.LogUpdate(context.Background(), actor, "expense", "12", Snapshot{"amount": 10}, Snapshot{"amount": 12})
	require.NoError(t, err)
	require.Len(t, app.entries, 1)
	require.Equal(t, entry, app.entries[0])
	require.NotNil(t, entry.UserID)
	require.EqualValues(t, 7, *entry.UserID)
	require.Equal(t, ActionUpdate, entry.Action)
	require.Equal(t, "10.0.0.1", entry.IPAddress)
	require.Equal(t, "curl/8", entry.UserAgent)
	require.Equal(t, fixedNow, entry.CreatedAt)
}

func TestLogSystemActorHasNilUser(t *testing.T) {
	app := &memoryAppender{}
	entry, err := newTestWriter(app).LogCreate(context.Background(), shared.SystemActor(), "role", "1", Snapshot{"name": "admin"})
	require.NoError(t, err)
	require.Nil(t, entry.UserID)
	require.Nil(t, entry.Changes.Before)
	require.Equal(t, "admin", entry.Changes.After["name"])
}

func TestWrapperShapes(t *testing.T) {
	app := &memoryAppender{}
	w := newTestWriter(app)
	ctx := context.Background()
	actor := shared.Actor{UserID: 1}

	_, err := w.LogDelete(ctx, actor, "attendance", "3", Snapshot{"status": "pending"})
	require.NoError(t, err)
	_, err = w.LogApprove(ctx, actor, "attendance", "4")
	require.NoError(t, err)
	_, err = w.LogReject(ctx, actor, "attendance", "5", "duplicate entry")
	require.NoError(t, err)

	require.Len(t, app.entries, 3)
	del, approve, reject := app.entries[0], app.entries[1], app.entries[2]

	require.Equal(t, ActionDelete, del.Action)
	require.Nil(t, del.Changes.After)

	require.Equal(t, ActionApprove, approve.Action)
	require.Equal(t, Snapshot{"status": "pending"}, approve.Changes.Before)
	require.Equal(t, Snapshot{"status": "approved"}, approve.Changes.After)

	require.Equal(t, ActionReject, reject.Action)
	require.Equal(t, "rejected", reject.Changes.After["status"])
	require.Equal(t, "duplicate entry", reject.Changes.After["rejection_reason"])
}

func TestLogMasksBeforeAndAfterIndependently(t *testing.T) {
	app := &memoryAppender{}
	_, err := newTestWriter(app).LogUpdate(context.Background(), shared.Actor{UserID: 2}, "user", "2",
		Snapshot{"password": "old", "email": "a@b.c"},
		Snapshot{"token": "new"})
	require.NoError(t, err)
	changes := app.entries[0].Changes
	require.Equal(t, MaskToken, changes.Before["password"])
	require.Equal(t, "a@b.c", changes.Before["email"])
	require.Equal(t, MaskToken, changes.After["token"])
}

func TestLogRequiresIdentity(t *testing.T) {
	w := newTestWriter(&memoryAppender{})
	_, err := w.Log(context.Background(), Input{Action: ActionCreate, EntityType: "role"})
	require.Error(t, err)
}

func TestLogPropagatesAppendFailure(t *testing.T) {
	boom := errors.New("disk full")
	_, err := newTestWriter(&memoryAppender{err: boom}).LogApprove(context.Background(), shared.Actor{UserID: 1}, "expense", "1")
	require.ErrorIs(t, err, boom)
}

func TestBindSwitchesAppender(t *testing.T) {
	base := &memoryAppender{}
	tx := &memoryAppender{}
	w := newTestWriter(base)

	_, err := w.Bind(tx).LogApprove(context.Background(), shared.Actor{UserID: 1}, "expense", "1")
	require.NoError(t, err)
	require.Empty(t, base.entries)
	require.Len(t, tx.entries, 1)
}

func TestNilWriterFails(t *testing.T) {
	var w *Writer
	_, err := w.LogApprove(context.Background(), shared.Actor{UserID: 1}, "expense", "1")
	require.Error(t, err)
}
