package conversation

import (
	"context"
	"log/slog"
	"strings"
)

// BeginEdit marks a user message as being rewritten. Editing is not allowed
// while a reply streams.
func (e *Engine) BeginEdit(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.store.Snapshot()
	if snap.IsStreaming {
		return ErrStreamActive
	}
	if _, err := userMessage(snap, id); err != nil {
		return err
	}
	e.store.SetEditing(id)
	return nil
}

// CancelEdit leaves edit mode without changing any message.
func (e *Engine) CancelEdit() {
	e.store.ClearEditing()
}

// CommitEdit rewrites user message id with content. With regenerate, every
// later message is dropped and a fresh assistant turn answers the edited
// text; otherwise the edit only corrects the stored content.
//
// A failed durable edit keeps the new text on screen and sets
// Snapshot.Error. Precondition failures leave the state untouched.
func (e *Engine) CommitEdit(ctx context.Context, id, content string, regenerate bool) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyContent
	}

	e.mu.Lock()
	snap := e.store.Snapshot()
	if snap.IsStreaming {
		e.mu.Unlock()
		return ErrStreamActive
	}
	target, err := userMessage(snap, id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if e.reserved || (regenerate && e.busyLocked()) {
		e.mu.Unlock()
		return ErrTurnInProgress
	}
	if target.Content == content {
		e.store.ClearEditing()
		e.mu.Unlock()
		return nil
	}
	if IsLocalID(id) && regenerate {
		e.mu.Unlock()
		return ErrMessageNotPersisted
	}

	e.epoch++
	e.store.ReplaceContent(id, content)
	e.store.ClearEditing()
	if IsLocalID(id) {
		// never saved; nothing to update durably
		e.mu.Unlock()
		return nil
	}
	if regenerate {
		e.reserved = true
		e.store.RemoveAfter(id)
		e.store.SetTyping(true)
		e.store.SetRegenerating(true)
	}
	e.mu.Unlock()

	e.awaitSettled(ctx)
	res, err := e.persistence.EditMessage(ctx, id, content, regenerate)

	e.mu.Lock()
	if !regenerate {
		if err != nil {
			e.store.SetError(describeFailure("Failed to save edit", err))
		} else {
			e.store.ClearError()
		}
		e.mu.Unlock()
		e.logEdit(id, regenerate, res, err)
		return nil
	}

	e.reserved = false
	if err != nil {
		e.store.SetTyping(false)
		e.store.SetRegenerating(false)
		e.store.SetError(describeFailure("Failed to save edit", err))
		e.mu.Unlock()
		e.logEdit(id, regenerate, res, err)
		return nil
	}
	e.store.ClearError()
	t := e.beginTurnLocked(ctx, content)
	e.mu.Unlock()

	e.logEdit(id, regenerate, res, nil)
	e.openAttempt(t, 0)
	return nil
}

func (e *Engine) logEdit(id string, regenerate bool, res EditResult, err error) {
	if err != nil {
		e.logger.Warn("edit failed", slog.String("message_id", id), slog.Bool("regenerate", regenerate), slog.Any("error", err))
		return
	}
	e.logger.Debug("edit saved",
		slog.String("message_id", id),
		slog.Bool("regenerate", regenerate),
		slog.Int("server_deleted", res.MessagesDeleted),
	)
}

// RegenerateLast drops the reply to the cached last user message, if there
// is one, and asks for a new one. Messages before that user message are
// never touched, so a user turn whose reply failed keeps the earlier history.
func (e *Engine) RegenerateLast(ctx context.Context) error {
	e.mu.Lock()
	snap := e.store.Snapshot()
	if snap.LastUserMessage == "" {
		e.mu.Unlock()
		return ErrNoLastUserMessage
	}
	if snap.IsStreaming {
		e.mu.Unlock()
		return ErrStreamActive
	}
	if e.busyLocked() {
		e.mu.Unlock()
		return ErrTurnInProgress
	}

	e.epoch++
	e.reserved = true
	anchor, anchored := snap.Message(snap.LastUserMessageID)
	switch {
	case anchored:
		// only the reply to the anchor goes; the server truncates the same range
		e.store.RemoveAfter(anchor.ID)
	case len(snap.Messages) > 0 && snap.Messages[len(snap.Messages)-1].Role == RoleAssistant:
		e.store.Remove(snap.Messages[len(snap.Messages)-1].ID)
	}
	e.store.SetTyping(true)
	e.store.SetRegenerating(true)
	prompt := snap.LastUserMessage
	e.mu.Unlock()

	e.awaitSettled(ctx)
	var err error
	if anchored && !IsLocalID(anchor.ID) {
		// truncates the server copy after the anchor
		_, err = e.persistence.EditMessage(ctx, anchor.ID, anchor.Content, true)
	}

	e.mu.Lock()
	e.reserved = false
	if err != nil {
		e.store.SetTyping(false)
		e.store.SetRegenerating(false)
		e.store.SetError(describeFailure("Failed to regenerate response", err))
		e.mu.Unlock()
		e.logger.Warn("regenerate failed", slog.String("message_id", anchor.ID), slog.Any("error", err))
		return nil
	}
	e.store.ClearError()
	t := e.beginTurnLocked(ctx, prompt)
	e.mu.Unlock()

	e.openAttempt(t, 0)
	return nil
}

func userMessage(snap Snapshot, id string) (Message, error) {
	msg, ok := snap.Message(id)
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	if msg.Role != RoleUser {
		return Message{}, ErrNotUserMessage
	}
	return msg, nil
}
