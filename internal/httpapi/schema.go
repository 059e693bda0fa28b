package httpapi

import (
	"github.com/invopop/jsonschema"

	"agfinbot/internal/conversation"
	"agfinbot/internal/store"
	"agfinbot/internal/title"
)

// CreateSessionRequest creates a chat session.
type CreateSessionRequest struct {
	UserID        string `json:"user_id,omitempty" jsonschema:"description=User who owns the session"`
	Title         string `json:"title,omitempty" jsonschema:"description=Session title; defaults to New Conversation"`
	ApplicationID string `json:"application_id,omitempty" jsonschema:"description=Linked certification application"`
	WorkflowMode  string `json:"workflow_mode,omitempty" jsonschema:"enum=,enum=general_help,enum=document_review,enum=field_completion,enum=audit_preparation"`
}

// SessionListResponse lists sessions newest first.
type SessionListResponse struct {
	Sessions []store.SessionInfo `json:"sessions"`
	Count    int                 `json:"count"`
}

// UpdateSessionRequest patches session metadata. Omitted fields are kept.
type UpdateSessionRequest struct {
	Title        *string `json:"title,omitempty" jsonschema:"description=New title; blank resets to New Conversation"`
	WorkflowMode *string `json:"workflow_mode,omitempty" jsonschema:"enum=,enum=general_help,enum=document_review,enum=field_completion,enum=audit_preparation"`
}

// SessionMessagesResponse lists persisted messages oldest first.
type SessionMessagesResponse struct {
	SessionID string                 `json:"session_id"`
	Messages  []conversation.Message `json:"messages"`
	Count     int                    `json:"count"`
}

// SendMessageRequest sends a user message.
type SendMessageRequest struct {
	Content string `json:"content" jsonschema:"required,minLength=1"`
}

// EditMessageRequest commits an edit to a user message.
type EditMessageRequest struct {
	Content    string `json:"content" jsonschema:"required,minLength=1"`
	Regenerate bool   `json:"regenerate,omitempty" jsonschema:"description=Discard later messages and stream a new reply"`
}

// StopResponse reports whether a streaming reply was stopped.
type StopResponse struct {
	Stopped  bool                  `json:"stopped"`
	Snapshot conversation.Snapshot `json:"snapshot"`
}

// GenerateTitleRequest carries the first exchange of a session.
type GenerateTitleRequest struct {
	UserMessage       string `json:"user_message" jsonschema:"required,minLength=1"`
	AssistantResponse string `json:"assistant_response" jsonschema:"required,minLength=1"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

var schemaReflector = jsonschema.Reflector{
	DoNotReference: true,
}

// Schemas returns JSON schemas for every wire type, keyed by type name.
func Schemas() map[string]*jsonschema.Schema {
	types := map[string]any{
		"CreateSessionRequest":    &CreateSessionRequest{},
		"SessionInfo":             &store.SessionInfo{},
		"SessionListResponse":     &SessionListResponse{},
		"UpdateSessionRequest":    &UpdateSessionRequest{},
		"SessionMessagesResponse": &SessionMessagesResponse{},
		"HealthResponse":          &HealthResponse{},
		"SendMessageRequest":      &SendMessageRequest{},
		"EditMessageRequest":      &EditMessageRequest{},
		"Snapshot":                &conversation.Snapshot{},
		"StopResponse":            &StopResponse{},
		"GenerateTitleRequest":    &GenerateTitleRequest{},
		"TitleResult":             &title.Result{},
		"ErrorResponse":           &ErrorResponse{},
	}
	out := make(map[string]*jsonschema.Schema, len(types))
	for name, v := range types {
		out[name] = schemaReflector.Reflect(v)
	}
	return out
}
