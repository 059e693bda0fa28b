package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"agfinbot/internal/conversation"
	"agfinbot/internal/store"
)

// openTestStore opens an in-memory SQLite store with a stepping clock.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	s, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	base := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func sendAll(t *testing.T, s *Store, sessionID string, contents ...string) []conversation.Message {
	t.Helper()
	out := make([]conversation.Message, 0, len(contents))
	for i, c := range contents {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleAssistant
		}
		res, err := s.SendMessage(context.Background(), sessionID, role, c)
		require.NoError(t, err)
		out = append(out, res.Message)
	}
	return out
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open("postgres", "dsn")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestSendMessageCreatesSessionWhenMissing(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	res, err := s.SendMessage(ctx, "", conversation.RoleUser, "How do I prepare for a SOC 2 audit?")
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)
	assert.Equal(t, res.SessionID, res.Message.SessionID)
	assert.False(t, conversation.IsLocalID(res.Message.ID))

	info, err := s.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.DefaultTitle, info.Title)
}

func TestSendMessageValidatesInput(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.SendMessage(ctx, "", conversation.Role("system"), "x")
	assert.ErrorIs(t, err, store.ErrInvalidRole)

	_, err = s.SendMessage(ctx, "missing", conversation.RoleUser, "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFetchHistoryOrdersBySequence(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	info, err := s.CreateSession(ctx, store.NewSession{UserID: "u1"})
	require.NoError(t, err)

	// Equal timestamps must not affect order.
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	sendAll(t, s, info.ID, "U1", "A1", "U2", "A2")

	hist, err := s.FetchHistory(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, hist.SessionID)
	got := make([]string, 0, len(hist.Messages))
	for _, m := range hist.Messages {
		got = append(got, m.Content)
	}
	assert.Equal(t, []string{"U1", "A1", "U2", "A2"}, got)

	_, err = s.FetchHistory(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEditMessageTruncatesOnRegenerate(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	info, err := s.CreateSession(ctx, store.NewSession{})
	require.NoError(t, err)
	msgs := sendAll(t, s, info.ID, "U1", "A1", "U2", "A2")

	res, err := s.EditMessage(ctx, msgs[0].ID, "U1 edited", false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.MessagesDeleted)

	res, err = s.EditMessage(ctx, msgs[2].ID, "U2 edited", true)
	require.NoError(t, err)
	assert.Equal(t, conversation.EditResult{MessageID: msgs[2].ID, Content: "U2 edited", MessagesDeleted: 1}, res)

	hist, err := s.FetchHistory(ctx, info.ID)
	require.NoError(t, err)
	require.Len(t, hist.Messages, 3)
	assert.Equal(t, "U1 edited", hist.Messages[0].Content)
	assert.Equal(t, "U2 edited", hist.Messages[2].Content)

	_, err = s.EditMessage(ctx, "missing", "x", true)
	assert.True(t, errors.Is(err, store.ErrNotFound), "err = %v", err)
}

func TestSequenceContinuesAfterTruncation(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	info, err := s.CreateSession(ctx, store.NewSession{})
	require.NoError(t, err)
	msgs := sendAll(t, s, info.ID, "U1", "A1")

	_, err = s.EditMessage(ctx, msgs[0].ID, "U1", true)
	require.NoError(t, err)
	sendAll(t, s, info.ID, "U1 again", "A1 again")

	hist, err := s.FetchHistory(ctx, info.ID)
	require.NoError(t, err)
	require.Len(t, hist.Messages, 3)
	assert.Equal(t, "A1 again", hist.Messages[2].Content)
}

func TestClearSessionKeepsSession(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	info, err := s.CreateSession(ctx, store.NewSession{Title: "Audit prep"})
	require.NoError(t, err)
	sendAll(t, s, info.ID, "U1", "A1")

	require.NoError(t, s.ClearSession(ctx, info.ID))
	hist, err := s.FetchHistory(ctx, info.ID)
	require.NoError(t, err)
	assert.Empty(t, hist.Messages)

	got, err := s.GetSession(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, "Audit prep", got.Title)

	assert.ErrorIs(t, s.ClearSession(ctx, "missing"), store.ErrNotFound)
}

func TestCatalog(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, store.NewSession{WorkflowMode: "juggling"})
	assert.ErrorIs(t, err, store.ErrUnknownWorkflow)

	first, err := s.CreateSession(ctx, store.NewSession{UserID: "u1", WorkflowMode: store.WorkflowDocumentReview, ApplicationID: "app-7"})
	require.NoError(t, err)
	assert.Equal(t, store.DefaultTitle, first.Title)
	assert.True(t, first.HasDefaultTitle())
	second, err := s.CreateSession(ctx, store.NewSession{UserID: "u1"})
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, store.NewSession{UserID: "u2"})
	require.NoError(t, err)

	list, err := s.ListSessions(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)

	require.NoError(t, s.SetTitle(ctx, first.ID, "Document Review For Loan"))
	list, err = s.ListSessions(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, "Document Review For Loan", list[0].Title)
	assert.Equal(t, store.WorkflowDocumentReview, list[0].WorkflowMode)
	assert.Equal(t, "app-7", list[0].ApplicationID)

	all, err := s.ListSessions(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	assert.ErrorIs(t, s.SetTitle(ctx, "missing", "x"), store.ErrNotFound)
	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateAndDeleteSession(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	info, err := s.CreateSession(ctx, store.NewSession{UserID: "u1", ApplicationID: "app-3"})
	require.NoError(t, err)

	unchanged, err := s.UpdateSession(ctx, info.ID, store.SessionUpdate{})
	require.NoError(t, err)
	assert.Equal(t, info.Title, unchanged.Title)
	assert.True(t, info.UpdatedAt.Equal(unchanged.UpdatedAt))

	title, mode := "Operating Loan Questions", store.WorkflowDocumentReview
	got, err := s.UpdateSession(ctx, info.ID, store.SessionUpdate{Title: &title, WorkflowMode: &mode})
	require.NoError(t, err)
	assert.Equal(t, title, got.Title)
	assert.Equal(t, mode, got.WorkflowMode)
	assert.Equal(t, "app-3", got.ApplicationID)
	assert.True(t, got.UpdatedAt.After(info.UpdatedAt))

	bad := "juggling"
	_, err = s.UpdateSession(ctx, info.ID, store.SessionUpdate{WorkflowMode: &bad})
	assert.ErrorIs(t, err, store.ErrUnknownWorkflow)
	_, err = s.UpdateSession(ctx, "missing", store.SessionUpdate{Title: &title})
	assert.ErrorIs(t, err, store.ErrNotFound)

	sendAll(t, s, info.ID, "U1", "A1")
	require.NoError(t, s.DeleteSession(ctx, info.ID))
	_, err = s.GetSession(ctx, info.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	var left int64
	require.NoError(t, s.DB().Model(&ChatMessage{}).Where("session_id = ?", info.ID).Count(&left).Error)
	assert.Zero(t, left)
	assert.ErrorIs(t, s.DeleteSession(ctx, info.ID), store.ErrNotFound)
}
