package conversation

import (
	"context"
	"log/slog"
	"strings"
)

// Send appends content as an optimistic user message, records it durably and
// starts the assistant turn that answers it.
//
// Only precondition failures are returned. When the message cannot be saved
// the optimistic copy stays in the list and Snapshot.Error is set.
func (e *Engine) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyContent
	}

	e.mu.Lock()
	if e.busyLocked() {
		e.mu.Unlock()
		return ErrTurnInProgress
	}
	e.reserved = true
	e.epoch++
	sessionID := e.store.SessionID()
	local := e.store.Append(Message{Role: RoleUser, Content: content, SessionID: sessionID})
	e.store.SetLastUserMessage(local.ID, content)
	e.store.SetTyping(true)
	e.mu.Unlock()

	e.awaitSettled(ctx)
	res, err := e.persistence.SendMessage(ctx, sessionID, RoleUser, content)

	e.mu.Lock()
	e.reserved = false
	if err != nil {
		e.store.SetTyping(false)
		e.store.SetError(describeFailure("Failed to send message", err))
		e.mu.Unlock()
		e.logger.Warn("send failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return nil
	}

	confirmed := res.Message
	if confirmed.SessionID == "" {
		confirmed.SessionID = res.SessionID
	}
	e.store.Reconcile(local.ID, confirmed)
	e.store.SetSessionID(res.SessionID)
	e.store.ClearError()
	t := e.beginTurnLocked(ctx, content)
	e.mu.Unlock()

	e.openAttempt(t, 0)
	return nil
}
