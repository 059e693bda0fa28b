package conversation

import "errors"

// Precondition errors. Coordinators return these without mutating state;
// collaborator failures are reported through Snapshot.Error instead.
var (
	ErrEmptyContent         = errors.New("message content is empty")
	ErrTurnInProgress       = errors.New("another assistant turn is in progress")
	ErrStreamActive         = errors.New("a response is streaming")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotUserMessage       = errors.New("message is not a user message")
	ErrMessageNotPersisted  = errors.New("message has not been saved yet")
	ErrNoLastUserMessage    = errors.New("no user message to regenerate from")
	ErrPersistenceRequired  = errors.New("persistence collaborator is required")
	ErrTransportRequired    = errors.New("streaming transport is required")
	ErrSessionIDRequired    = errors.New("session id is required")
	ErrInvalidTransition    = errors.New("invalid stream transition")
	ErrTurnFinished         = errors.New("stream turn already finished")
	ErrRegistryFactoryEmpty = errors.New("registry engine factory is required")
)

// IsPrecondition reports whether err is a recoverable precondition rejection.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrEmptyContent) ||
		errors.Is(err, ErrTurnInProgress) ||
		errors.Is(err, ErrStreamActive) ||
		errors.Is(err, ErrNotUserMessage) ||
		errors.Is(err, ErrMessageNotPersisted) ||
		errors.Is(err, ErrNoLastUserMessage)
}
