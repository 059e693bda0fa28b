package chatapp

import (
	"context"

	"agfinbot/internal/conversation"
	"agfinbot/internal/store"
)

// SessionController is the command-facing view of one conversation engine.
type SessionController interface {
	Snapshot() conversation.Snapshot
	Subscribe(fn func(conversation.Snapshot)) func()
	Busy() bool
	Send(ctx context.Context, content string) error
	Stop() bool
	RegenerateLast(ctx context.Context) error
	CommitEdit(ctx context.Context, id, content string, regenerate bool) error
	LoadHistory(ctx context.Context) error
	Clear(ctx context.Context) error
	DismissError()
}

var _ SessionController = (*conversation.Engine)(nil)

// CommandEnv provides output hooks so commands stay independent of the
// terminal.
type CommandEnv struct {
	Session SessionController
	// Catalog is optional; /sessions and /title need it.
	Catalog store.Catalog

	Print      func(text string)
	PrintError func(errText string)
	Quit       func()
}
