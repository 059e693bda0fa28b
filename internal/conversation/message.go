package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

const localIDPrefix = "local-"

// NewLocalID returns an id in the local namespace for optimistic and
// streaming messages that the server has not confirmed yet.
func NewLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id was produced by NewLocalID.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// Message is one entry of a session's history.
type Message struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id,omitempty"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	IsStreaming bool      `json:"is_streaming,omitempty"`
}

// Snapshot is a read-only copy of one session's state.
type Snapshot struct {
	SessionID          string    `json:"session_id"`
	Messages           []Message `json:"messages"`
	StreamingMessageID string    `json:"streaming_message_id,omitempty"`
	IsTyping           bool      `json:"is_typing"`
	IsStreaming        bool      `json:"is_streaming"`
	IsRegenerating     bool      `json:"is_regenerating"`
	EditingMessageID   string    `json:"editing_message_id,omitempty"`
	LastUserMessage    string    `json:"last_user_message,omitempty"`
	LastUserMessageID  string    `json:"last_user_message_id,omitempty"`
	Error              string    `json:"error,omitempty"`
	Version            uint64    `json:"version"`
}

// CanStop reports whether Stop would have an effect.
func (s Snapshot) CanStop() bool {
	return s.IsStreaming
}

// Index returns the position of id in Messages, or -1.
func (s Snapshot) Index(id string) int {
	return indexOf(s.Messages, id)
}

// Message returns the message with id.
func (s Snapshot) Message(id string) (Message, bool) {
	if i := s.Index(id); i >= 0 {
		return s.Messages[i], true
	}
	return Message{}, false
}

// LastOfRole returns the most recent message with role.
func (s Snapshot) LastOfRole(role Role) (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == role {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	return out
}

func indexOf(messages []Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range messages {
		if messages[i].ID == id {
			return i
		}
	}
	return -1
}
