package conversation

import (
	"context"
	"log/slog"
)

// LoadHistory replaces the local list with the persisted history. It is
// rejected while an operation or turn is in flight.
func (e *Engine) LoadHistory(ctx context.Context) error {
	e.mu.Lock()
	if e.busyLocked() {
		e.mu.Unlock()
		return ErrTurnInProgress
	}
	sessionID := e.store.SessionID()
	if sessionID == "" {
		e.mu.Unlock()
		return nil
	}
	e.reserved = true
	e.epoch++
	e.mu.Unlock()

	e.awaitSettled(ctx)
	res, err := e.persistence.FetchHistory(ctx, sessionID)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.reserved = false
	if err != nil {
		e.store.SetError(describeFailure("Failed to load history", err))
		e.logger.Warn("history load failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return nil
	}
	e.applyHistoryLocked(res)
	e.store.ClearError()
	return nil
}

// Clear deletes the session's messages durably and then locally.
func (e *Engine) Clear(ctx context.Context) error {
	e.mu.Lock()
	if e.busyLocked() {
		e.mu.Unlock()
		return ErrTurnInProgress
	}
	sessionID := e.store.SessionID()
	e.reserved = true
	e.epoch++
	e.mu.Unlock()

	e.awaitSettled(ctx)
	var err error
	if sessionID != "" {
		err = e.persistence.ClearSession(ctx, sessionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.reserved = false
	if err != nil {
		e.store.SetError(describeFailure("Failed to clear conversation", err))
		e.logger.Warn("clear failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return nil
	}
	e.store.Clear()
	return nil
}
