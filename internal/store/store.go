// Package store holds the persistence contracts shared by the storage
// backends: the session catalog and a retrying decorator over
// conversation.Persistence.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agfinbot/internal/conversation"
)

// DefaultTitle names sessions that have not been titled yet.
const DefaultTitle = "New Conversation"

// Workflow modes select the assistant guidance for a session.
const (
	WorkflowGeneralHelp      = "general_help"
	WorkflowDocumentReview   = "document_review"
	WorkflowFieldCompletion  = "field_completion"
	WorkflowAuditPreparation = "audit_preparation"
)

var (
	// ErrNotFound reports an unknown session or message.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRole reports a message role other than user or assistant.
	ErrInvalidRole = errors.New("invalid message role")
	// ErrUnknownWorkflow reports an unsupported workflow mode.
	ErrUnknownWorkflow = errors.New("unknown workflow mode")
)

// SessionInfo describes one chat session.
type SessionInfo struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id,omitempty"`
	Title         string    `json:"title"`
	WorkflowMode  string    `json:"workflow_mode,omitempty"`
	ApplicationID string    `json:"application_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasDefaultTitle reports whether the session still carries the placeholder title.
func (s SessionInfo) HasDefaultTitle() bool {
	title := strings.TrimSpace(s.Title)
	return title == "" || title == DefaultTitle
}

// NewSession holds the caller-supplied fields of a session being created.
type NewSession struct {
	UserID        string `json:"user_id,omitempty"`
	Title         string `json:"title,omitempty"`
	WorkflowMode  string `json:"workflow_mode,omitempty"`
	ApplicationID string `json:"application_id,omitempty"`
}

// Normalize trims fields, applies the default title and validates the mode.
func (n NewSession) Normalize() (NewSession, error) {
	n.UserID = strings.TrimSpace(n.UserID)
	n.Title = strings.TrimSpace(n.Title)
	n.WorkflowMode = strings.TrimSpace(n.WorkflowMode)
	n.ApplicationID = strings.TrimSpace(n.ApplicationID)
	if n.Title == "" {
		n.Title = DefaultTitle
	}
	if !ValidWorkflow(n.WorkflowMode) {
		return NewSession{}, fmt.Errorf("%w: %q", ErrUnknownWorkflow, n.WorkflowMode)
	}
	return n, nil
}

// SessionUpdate patches session metadata. Nil fields are left unchanged.
type SessionUpdate struct {
	Title        *string `json:"title,omitempty"`
	WorkflowMode *string `json:"workflow_mode,omitempty"`
}

// Normalize trims the set fields, maps a blank title to DefaultTitle and
// validates the mode.
func (u SessionUpdate) Normalize() (SessionUpdate, error) {
	if u.Title != nil {
		title := strings.TrimSpace(*u.Title)
		if title == "" {
			title = DefaultTitle
		}
		u.Title = &title
	}
	if u.WorkflowMode != nil {
		mode := strings.TrimSpace(*u.WorkflowMode)
		if !ValidWorkflow(mode) {
			return SessionUpdate{}, fmt.Errorf("%w: %q", ErrUnknownWorkflow, mode)
		}
		u.WorkflowMode = &mode
	}
	return u, nil
}

// Empty reports whether u changes nothing.
func (u SessionUpdate) Empty() bool {
	return u.Title == nil && u.WorkflowMode == nil
}

// ValidWorkflow reports whether mode is empty or a known workflow.
func ValidWorkflow(mode string) bool {
	switch mode {
	case "", WorkflowGeneralHelp, WorkflowDocumentReview, WorkflowFieldCompletion, WorkflowAuditPreparation:
		return true
	default:
		return false
	}
}

// Catalog manages session metadata.
type Catalog interface {
	CreateSession(ctx context.Context, in NewSession) (SessionInfo, error)
	GetSession(ctx context.Context, id string) (SessionInfo, error)
	// ListSessions returns sessions newest first. An empty userID lists all.
	ListSessions(ctx context.Context, userID string, limit int) ([]SessionInfo, error)
	SetTitle(ctx context.Context, id, title string) error
	// UpdateSession applies u and returns the stored session. An empty
	// update returns the session unchanged.
	UpdateSession(ctx context.Context, id string, u SessionUpdate) (SessionInfo, error)
	// DeleteSession removes the session together with its messages.
	DeleteSession(ctx context.Context, id string) error
	// Ping reports whether the storage is reachable.
	Ping(ctx context.Context) error
}

// Backend is a complete storage implementation.
type Backend interface {
	conversation.Persistence
	Catalog
	Close() error
}
