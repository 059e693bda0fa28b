package conversation

import "context"

// SendResult is the durable record of a sent message.
type SendResult struct {
	Message   Message
	SessionID string
}

// HistoryResult is the authoritative history of a session.
type HistoryResult struct {
	Messages  []Message
	SessionID string
}

// EditResult reports a durable edit. MessagesDeleted counts rows the server
// truncated after the edited message when regenerate was requested.
type EditResult struct {
	MessageID       string
	Content         string
	MessagesDeleted int
}

// Persistence stores messages durably. SendMessage with an empty sessionID
// creates a new session and reports its id.
type Persistence interface {
	SendMessage(ctx context.Context, sessionID string, role Role, content string) (SendResult, error)
	FetchHistory(ctx context.Context, sessionID string) (HistoryResult, error)
	EditMessage(ctx context.Context, messageID, content string, regenerate bool) (EditResult, error)
	ClearSession(ctx context.Context, sessionID string) error
}

// StreamRequest describes one connection attempt for an assistant turn.
type StreamRequest struct {
	SessionID string
	Prompt    string
	// Attempt is 0 for the first connection and increments on reconnect.
	Attempt int
}

// StreamHandler receives lifecycle callbacks from a transport. Callbacks may
// arrive on any goroutine but must be issued sequentially per connection.
type StreamHandler struct {
	OnStart func()
	OnToken func(text string)
	OnEnd   func()
	OnError func(err error)
}

// StreamHandle controls an open connection.
type StreamHandle interface {
	// Cancel requests cooperative termination. It must be safe to call more
	// than once and after the stream has ended.
	Cancel()
	// Done is closed once the connection has finished, including any write
	// it makes to Persistence after being cancelled.
	Done() <-chan struct{}
}

// Transport opens token streams for assistant turns.
type Transport interface {
	Open(ctx context.Context, req StreamRequest, h StreamHandler) (StreamHandle, error)
}
