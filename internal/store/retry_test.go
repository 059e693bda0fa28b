package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agfinbot/internal/conversation"
)

type flakyBackend struct {
	Backend
	failures []error
	sends    int
	edits    int
}

func (f *flakyBackend) next() error {
	if len(f.failures) == 0 {
		return nil
	}
	err := f.failures[0]
	f.failures = f.failures[1:]
	return err
}

func (f *flakyBackend) SendMessage(_ context.Context, sessionID string, role conversation.Role, content string) (conversation.SendResult, error) {
	f.sends++
	if err := f.next(); err != nil {
		return conversation.SendResult{}, err
	}
	return conversation.SendResult{
		Message:   conversation.Message{ID: "m-1", SessionID: sessionID, Role: role, Content: content},
		SessionID: sessionID,
	}, nil
}

func (f *flakyBackend) EditMessage(_ context.Context, id, content string, _ bool) (conversation.EditResult, error) {
	f.edits++
	if err := f.next(); err != nil {
		return conversation.EditResult{}, err
	}
	return conversation.EditResult{MessageID: id, Content: content}, nil
}

func fastRetry(b Backend) *Retrying {
	return NewRetrying(b, RetryConfig{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
}

func TestRetryingRecoversFromTransientWrites(t *testing.T) {
	t.Parallel()

	b := &flakyBackend{failures: []error{errors.New("database is locked"), errors.New("bad connection")}}
	res, err := fastRetry(b).SendMessage(context.Background(), "s1", conversation.RoleUser, "hi")
	require.NoError(t, err)
	assert.Equal(t, "m-1", res.Message.ID)
	assert.Equal(t, 3, b.sends)
}

func TestRetryingGivesUpAfterBudget(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	b := &flakyBackend{failures: []error{boom, boom, boom, boom}}
	_, err := fastRetry(b).EditMessage(context.Background(), "m-1", "x", true)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, b.edits)
}

func TestRetryingSkipsPermanentErrors(t *testing.T) {
	t.Parallel()

	for _, tc := range []error{
		fmt.Errorf("%w: message m-9", ErrNotFound),
		ErrInvalidRole,
		context.Canceled,
	} {
		b := &flakyBackend{failures: []error{tc}}
		_, err := fastRetry(b).EditMessage(context.Background(), "m-9", "x", false)
		assert.ErrorIs(t, err, tc)
		assert.Equal(t, 1, b.edits, "error %v retried", tc)
	}
}

func TestRetryingDisabled(t *testing.T) {
	t.Parallel()

	b := &flakyBackend{failures: []error{errors.New("transient")}}
	_, err := NewRetrying(b, RetryConfig{Retries: -1}).SendMessage(context.Background(), "s1", conversation.RoleUser, "hi")
	require.Error(t, err)
	assert.Equal(t, 1, b.sends)
}

func TestNewSessionNormalize(t *testing.T) {
	t.Parallel()

	got, err := NewSession{UserID: " u1 ", Title: "  ", WorkflowMode: WorkflowFieldCompletion}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, NewSession{UserID: "u1", Title: DefaultTitle, WorkflowMode: WorkflowFieldCompletion}, got)

	_, err = NewSession{WorkflowMode: "farming"}.Normalize()
	assert.ErrorIs(t, err, ErrUnknownWorkflow)

	assert.True(t, SessionInfo{Title: " "}.HasDefaultTitle())
	assert.False(t, SessionInfo{Title: "Loan Docs"}.HasDefaultTitle())
}
