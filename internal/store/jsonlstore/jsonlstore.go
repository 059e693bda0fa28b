// Package jsonlstore persists chat sessions as append-only JSONL operation
// logs, one file per session. Reads replay the log.
package jsonlstore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agfinbot/internal/conversation"
	"agfinbot/internal/store"
)

const (
	sessionFileExt   = ".jsonl"
	maxJSONLLineSize = 1024 * 1024
	defaultListLimit = 50
)

var (
	ErrDirRequired      = errors.New("jsonlstore: directory is required")
	ErrInvalidSessionID = errors.New("jsonlstore: invalid session id")
)

// Operation kinds recorded in a session log.
const (
	opSessionInfo = "session_info"
	opMessage     = "message"
	opEdit        = "edit"
	opClear       = "clear"
	opTitle       = "title"
	opUpdate      = "update"
)

// entry is one append-only record in a session file. Patch is set only for
// update operations.
type entry struct {
	Op            string               `json:"op"`
	ID            string               `json:"id,omitempty"`
	Role          string               `json:"role,omitempty"`
	Content       string               `json:"content,omitempty"`
	Regenerate    bool                 `json:"regenerate,omitempty"`
	UserID        string               `json:"user_id,omitempty"`
	Title         string               `json:"title,omitempty"`
	WorkflowMode  string               `json:"workflow_mode,omitempty"`
	ApplicationID string               `json:"application_id,omitempty"`
	Patch         *store.SessionUpdate `json:"patch,omitempty"`
	TS            int64                `json:"ts"`
}

// replayed is the state a session log folds into.
type replayed struct {
	info     store.SessionInfo
	messages []conversation.Message
}

// Store implements store.Backend over a directory of JSONL files.
type Store struct {
	dir   string
	mu    sync.Mutex
	owner map[string]string // message id -> session id
	now   func() time.Time
	newID func() string
}

var _ store.Backend = (*Store)(nil)

// New constructs a store rooted at dir. The directory is created lazily.
func New(dir string) (*Store, error) {
	root := strings.TrimSpace(dir)
	if root == "" {
		return nil, ErrDirRequired
	}
	return &Store{
		dir:   root,
		owner: make(map[string]string),
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.NewString() },
	}, nil
}

// Close implements store.Backend.
func (s *Store) Close() error { return nil }

// SendMessage appends a message, creating a session when sessionID is empty.
func (s *Store) SendMessage(ctx context.Context, sessionID string, role conversation.Role, content string) (conversation.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return conversation.SendResult{}, err
	}
	if !role.Valid() {
		return conversation.SendResult{}, fmt.Errorf("%w: %q", store.ErrInvalidRole, role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID = strings.TrimSpace(sessionID)
	now := s.now()
	if sessionID == "" {
		info, err := s.createLocked(store.NewSession{Title: store.DefaultTitle}, now)
		if err != nil {
			return conversation.SendResult{}, err
		}
		sessionID = info.ID
	} else if _, err := s.loadLocked(ctx, sessionID); err != nil {
		return conversation.SendResult{}, err
	}

	e := entry{Op: opMessage, ID: s.newID(), Role: string(role), Content: content, TS: now.UnixNano()}
	if err := s.appendLocked(sessionID, e); err != nil {
		return conversation.SendResult{}, err
	}
	s.owner[e.ID] = sessionID
	return conversation.SendResult{
		Message: conversation.Message{
			ID:        e.ID,
			SessionID: sessionID,
			Role:      role,
			Content:   content,
			CreatedAt: now,
		},
		SessionID: sessionID,
	}, nil
}

// FetchHistory replays the session log.
func (s *Store) FetchHistory(ctx context.Context, sessionID string) (conversation.HistoryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked(ctx, sessionID)
	if err != nil {
		return conversation.HistoryResult{}, err
	}
	return conversation.HistoryResult{Messages: state.messages, SessionID: state.info.ID}, nil
}

// EditMessage records an edit. With regenerate, replay drops every later message.
func (s *Store) EditMessage(ctx context.Context, messageID, content string, regenerate bool) (conversation.EditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, err := s.ownerLocked(ctx, messageID)
	if err != nil {
		return conversation.EditResult{}, err
	}
	state, err := s.loadLocked(ctx, sessionID)
	if err != nil {
		return conversation.EditResult{}, err
	}
	idx := -1
	for i, m := range state.messages {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return conversation.EditResult{}, fmt.Errorf("%w: message %s", store.ErrNotFound, messageID)
	}

	e := entry{Op: opEdit, ID: messageID, Content: content, Regenerate: regenerate, TS: s.now().UnixNano()}
	if err := s.appendLocked(sessionID, e); err != nil {
		return conversation.EditResult{}, err
	}
	out := conversation.EditResult{MessageID: messageID, Content: content}
	if regenerate {
		out.MessagesDeleted = len(state.messages) - idx - 1
		for _, m := range state.messages[idx+1:] {
			delete(s.owner, m.ID)
		}
	}
	return out, nil
}

// ClearSession records a clear operation.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.appendLocked(sessionID, entry{Op: opClear, TS: s.now().UnixNano()}); err != nil {
		return err
	}
	for _, m := range state.messages {
		delete(s.owner, m.ID)
	}
	return nil
}

// CreateSession implements store.Catalog.
func (s *Store) CreateSession(ctx context.Context, in store.NewSession) (store.SessionInfo, error) {
	if err := ctx.Err(); err != nil {
		return store.SessionInfo{}, err
	}
	in, err := in.Normalize()
	if err != nil {
		return store.SessionInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(in, s.now())
}

// GetSession implements store.Catalog.
func (s *Store) GetSession(ctx context.Context, id string) (store.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked(ctx, id)
	if err != nil {
		return store.SessionInfo{}, err
	}
	return state.info, nil
}

// ListSessions implements store.Catalog.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]store.SessionInfo, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	userID = strings.TrimSpace(userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("jsonlstore: read dir %s: %w", s.dir, err)
	}

	out := make([]store.SessionInfo, 0, len(items))
	for _, item := range items {
		if item.IsDir() || filepath.Ext(item.Name()) != sessionFileExt {
			continue
		}
		state, err := s.loadLocked(ctx, strings.TrimSuffix(item.Name(), sessionFileExt))
		if err != nil {
			return nil, err
		}
		if userID != "" && state.info.UserID != userID {
			continue
		}
		out = append(out, state.info)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetTitle implements store.Catalog.
func (s *Store) SetTitle(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		title = store.DefaultTitle
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.loadLocked(ctx, id); err != nil {
		return err
	}
	return s.appendLocked(id, entry{Op: opTitle, Title: title, TS: s.now().UnixNano()})
}

// UpdateSession implements store.Catalog.
func (s *Store) UpdateSession(ctx context.Context, id string, u store.SessionUpdate) (store.SessionInfo, error) {
	u, err := u.Normalize()
	if err != nil {
		return store.SessionInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.loadLocked(ctx, id); err != nil {
		return store.SessionInfo{}, err
	}
	if !u.Empty() {
		if err := s.appendLocked(id, entry{Op: opUpdate, Patch: &u, TS: s.now().UnixNano()}); err != nil {
			return store.SessionInfo{}, err
		}
	}
	state, err := s.loadLocked(ctx, id)
	if err != nil {
		return store.SessionInfo{}, err
	}
	return state.info, nil
}

// DeleteSession implements store.Catalog. The session log is removed.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	path, err := s.sessionPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("jsonlstore: remove %s: %w", path, err)
	}
	for _, m := range state.messages {
		delete(s.owner, m.ID)
	}
	return nil
}

// Ping implements store.Catalog. A directory that does not exist yet is
// fine; it is created on the first write.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(s.dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("jsonlstore: stat %s: %w", s.dir, err)
	case !info.IsDir():
		return fmt.Errorf("jsonlstore: %s is not a directory", s.dir)
	}
	return nil
}

func (s *Store) createLocked(in store.NewSession, now time.Time) (store.SessionInfo, error) {
	id := s.newID()
	e := entry{
		Op:            opSessionInfo,
		ID:            id,
		UserID:        in.UserID,
		Title:         in.Title,
		WorkflowMode:  in.WorkflowMode,
		ApplicationID: in.ApplicationID,
		TS:            now.UnixNano(),
	}
	if err := s.appendLocked(id, e); err != nil {
		return store.SessionInfo{}, err
	}
	return store.SessionInfo{
		ID:            id,
		UserID:        in.UserID,
		Title:         in.Title,
		WorkflowMode:  in.WorkflowMode,
		ApplicationID: in.ApplicationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// ownerLocked resolves the session holding messageID, scanning every log on
// a cache miss.
func (s *Store) ownerLocked(ctx context.Context, messageID string) (string, error) {
	if sid, ok := s.owner[messageID]; ok {
		return sid, nil
	}
	items, err := os.ReadDir(s.dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("jsonlstore: read dir %s: %w", s.dir, err)
	}
	for _, item := range items {
		if item.IsDir() || filepath.Ext(item.Name()) != sessionFileExt {
			continue
		}
		if _, err := s.loadLocked(ctx, strings.TrimSuffix(item.Name(), sessionFileExt)); err != nil {
			return "", err
		}
		if sid, ok := s.owner[messageID]; ok {
			return sid, nil
		}
	}
	return "", fmt.Errorf("%w: message %s", store.ErrNotFound, messageID)
}

func (s *Store) appendLocked(sessionID string, e entry) error {
	path, err := s.sessionPath(sessionID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("jsonlstore: marshal entry: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("jsonlstore: create dir %s: %w", s.dir, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("jsonlstore: open %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("jsonlstore: append entry: %w", err)
	}
	return nil
}

// loadLocked replays one session log and refreshes the owner index.
func (s *Store) loadLocked(ctx context.Context, sessionID string) (replayed, error) {
	if err := ctx.Err(); err != nil {
		return replayed{}, err
	}
	path, err := s.sessionPath(sessionID)
	if err != nil {
		return replayed{}, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return replayed{}, fmt.Errorf("%w: session %s", store.ErrNotFound, strings.TrimSpace(sessionID))
		}
		return replayed{}, fmt.Errorf("jsonlstore: open %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxJSONLLineSize)

	var state replayed
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return replayed{}, fmt.Errorf("jsonlstore: decode %s line %d: %w", sessionID, lineNum, err)
		}
		state.apply(sessionID, e)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return replayed{}, fmt.Errorf("jsonlstore: line too large (> %d bytes): %w", maxJSONLLineSize, err)
		}
		return replayed{}, fmt.Errorf("jsonlstore: scan %s: %w", path, err)
	}
	if state.info.ID == "" {
		state.info.ID = strings.TrimSpace(sessionID)
	}
	for _, m := range state.messages {
		s.owner[m.ID] = state.info.ID
	}
	return state, nil
}

func (r *replayed) apply(sessionID string, e entry) {
	ts := time.Unix(0, e.TS).UTC()
	if r.info.CreatedAt.IsZero() {
		r.info.CreatedAt = ts
	}
	r.info.UpdatedAt = ts

	switch e.Op {
	case opSessionInfo:
		r.info.ID = e.ID
		r.info.UserID = e.UserID
		r.info.Title = e.Title
		r.info.WorkflowMode = e.WorkflowMode
		r.info.ApplicationID = e.ApplicationID
	case opTitle:
		r.info.Title = e.Title
	case opUpdate:
		if e.Patch == nil {
			break
		}
		if e.Patch.Title != nil {
			r.info.Title = *e.Patch.Title
		}
		if e.Patch.WorkflowMode != nil {
			r.info.WorkflowMode = *e.Patch.WorkflowMode
		}
	case opMessage:
		r.messages = append(r.messages, conversation.Message{
			ID:        e.ID,
			SessionID: strings.TrimSpace(sessionID),
			Role:      conversation.Role(e.Role),
			Content:   e.Content,
			CreatedAt: ts,
		})
	case opEdit:
		for i := range r.messages {
			if r.messages[i].ID != e.ID {
				continue
			}
			r.messages[i].Content = e.Content
			if e.Regenerate {
				r.messages = r.messages[:i+1]
			}
			break
		}
	case opClear:
		r.messages = nil
	}
}

func (s *Store) sessionPath(sessionID string) (string, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return "", conversation.ErrSessionIDRequired
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %s", ErrInvalidSessionID, id)
	}
	return filepath.Join(s.dir, id+sessionFileExt), nil
}
