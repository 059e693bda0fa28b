// Package sqlstore persists chat sessions and messages in a relational
// database through GORM. SQLite and MySQL are supported.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"agfinbot/internal/conversation"
	"agfinbot/internal/store"
)

const defaultListLimit = 50

// ErrUnsupportedDriver reports a driver name other than sqlite or mysql.
var ErrUnsupportedDriver = errors.New("sqlstore: unsupported driver")

// Store implements store.Backend on a GORM connection.
type Store struct {
	db    *gorm.DB
	now   func() time.Time
	newID func() string
}

var _ store.Backend = (*Store)(nil)

// Open connects to driver ("sqlite" or "mysql") at dsn and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an open connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db.Dialector.Name() == "sqlite" {
		// Each sqlite connection to :memory: is its own database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlstore: pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("sqlstore: auto-migrate: %w", err)
	}
	return &Store{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.NewString() },
	}, nil
}

// DB exposes the underlying connection.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sqlstore: close: %w", err)
	}
	return sqlDB.Close()
}

// SendMessage appends a message, creating a session when sessionID is empty.
func (s *Store) SendMessage(ctx context.Context, sessionID string, role conversation.Role, content string) (conversation.SendResult, error) {
	if !role.Valid() {
		return conversation.SendResult{}, fmt.Errorf("%w: %q", store.ErrInvalidRole, role)
	}
	sessionID = strings.TrimSpace(sessionID)

	var row ChatMessage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		if sessionID == "" {
			sess := ChatSession{ID: s.newID(), Title: store.DefaultTitle, CreatedAt: now, UpdatedAt: now}
			if err := tx.Create(&sess).Error; err != nil {
				return fmt.Errorf("sqlstore: create session: %w", err)
			}
			sessionID = sess.ID
		} else if err := touchSession(tx, sessionID, now); err != nil {
			return err
		}

		var last int64
		if err := tx.Model(&ChatMessage{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&last).Error; err != nil {
			return fmt.Errorf("sqlstore: next sequence for %s: %w", sessionID, err)
		}

		row = ChatMessage{
			ID:        s.newID(),
			SessionID: sessionID,
			Sequence:  last + 1,
			Role:      string(role),
			Content:   content,
			CreatedAt: now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("sqlstore: insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return conversation.SendResult{}, err
	}
	return conversation.SendResult{Message: toMessage(row), SessionID: sessionID}, nil
}

// FetchHistory returns every message of the session in sequence order.
func (s *Store) FetchHistory(ctx context.Context, sessionID string) (conversation.HistoryResult, error) {
	db := s.db.WithContext(ctx)
	if _, err := findSession(db, sessionID); err != nil {
		return conversation.HistoryResult{}, err
	}
	var rows []ChatMessage
	if err := db.Where("session_id = ?", sessionID).Order("sequence ASC").Find(&rows).Error; err != nil {
		return conversation.HistoryResult{}, fmt.Errorf("sqlstore: history %s: %w", sessionID, err)
	}
	msgs := make([]conversation.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, toMessage(row))
	}
	return conversation.HistoryResult{Messages: msgs, SessionID: sessionID}, nil
}

// EditMessage rewrites a message and, when regenerate is set, deletes every
// later message of its session.
func (s *Store) EditMessage(ctx context.Context, messageID, content string, regenerate bool) (conversation.EditResult, error) {
	out := conversation.EditResult{MessageID: messageID, Content: content}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row ChatMessage
		res := tx.Where("id = ?", messageID).Limit(1).Find(&row)
		if res.Error != nil {
			return fmt.Errorf("sqlstore: find message %s: %w", messageID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: message %s", store.ErrNotFound, messageID)
		}

		if err := tx.Model(&ChatMessage{}).Where("id = ?", messageID).Update("content", content).Error; err != nil {
			return fmt.Errorf("sqlstore: update message %s: %w", messageID, err)
		}
		if regenerate {
			del := tx.Where("session_id = ? AND sequence > ?", row.SessionID, row.Sequence).Delete(&ChatMessage{})
			if del.Error != nil {
				return fmt.Errorf("sqlstore: truncate after %s: %w", messageID, del.Error)
			}
			out.MessagesDeleted = int(del.RowsAffected)
		}
		return touchSession(tx, row.SessionID, s.now())
	})
	if err != nil {
		return conversation.EditResult{}, err
	}
	return out, nil
}

// ClearSession deletes every message of the session and keeps the session row.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchSession(tx, sessionID, s.now()); err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&ChatMessage{}).Error; err != nil {
			return fmt.Errorf("sqlstore: clear %s: %w", sessionID, err)
		}
		return nil
	})
}

// CreateSession implements store.Catalog.
func (s *Store) CreateSession(ctx context.Context, in store.NewSession) (store.SessionInfo, error) {
	in, err := in.Normalize()
	if err != nil {
		return store.SessionInfo{}, err
	}
	now := s.now()
	row := ChatSession{
		ID:            s.newID(),
		UserID:        in.UserID,
		Title:         in.Title,
		WorkflowMode:  in.WorkflowMode,
		ApplicationID: in.ApplicationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return store.SessionInfo{}, fmt.Errorf("sqlstore: create session: %w", err)
	}
	return toInfo(row), nil
}

// GetSession implements store.Catalog.
func (s *Store) GetSession(ctx context.Context, id string) (store.SessionInfo, error) {
	row, err := findSession(s.db.WithContext(ctx), id)
	if err != nil {
		return store.SessionInfo{}, err
	}
	return toInfo(row), nil
}

// ListSessions implements store.Catalog.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]store.SessionInfo, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := s.db.WithContext(ctx).Order("updated_at DESC").Order("id DESC").Limit(limit)
	if userID = strings.TrimSpace(userID); userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var rows []ChatSession
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: list sessions: %w", err)
	}
	out := make([]store.SessionInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, toInfo(row))
	}
	return out, nil
}

// SetTitle implements store.Catalog.
func (s *Store) SetTitle(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		title = store.DefaultTitle
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := findSession(tx, id); err != nil {
			return err
		}
		if err := tx.Model(&ChatSession{}).Where("id = ?", id).Updates(map[string]any{
			"title":      title,
			"updated_at": s.now(),
		}).Error; err != nil {
			return fmt.Errorf("sqlstore: set title %s: %w", id, err)
		}
		return nil
	})
}

// UpdateSession implements store.Catalog.
func (s *Store) UpdateSession(ctx context.Context, id string, u store.SessionUpdate) (store.SessionInfo, error) {
	u, err := u.Normalize()
	if err != nil {
		return store.SessionInfo{}, err
	}
	var row ChatSession
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := findSession(tx, id); err != nil {
			return err
		}
		if !u.Empty() {
			updates := map[string]any{"updated_at": s.now()}
			if u.Title != nil {
				updates["title"] = *u.Title
			}
			if u.WorkflowMode != nil {
				updates["workflow_mode"] = *u.WorkflowMode
			}
			if err := tx.Model(&ChatSession{}).Where("id = ?", id).Updates(updates).Error; err != nil {
				return fmt.Errorf("sqlstore: update session %s: %w", id, err)
			}
		}
		row, err = findSession(tx, id)
		return err
	})
	if err != nil {
		return store.SessionInfo{}, err
	}
	return toInfo(row), nil
}

// DeleteSession implements store.Catalog.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := findSession(tx, id); err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&ChatMessage{}).Error; err != nil {
			return fmt.Errorf("sqlstore: delete messages of %s: %w", id, err)
		}
		if err := tx.Where("id = ?", id).Delete(&ChatSession{}).Error; err != nil {
			return fmt.Errorf("sqlstore: delete session %s: %w", id, err)
		}
		return nil
	})
}

// Ping implements store.Catalog.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sqlstore: pool: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlstore: ping: %w", err)
	}
	return nil
}

func findSession(db *gorm.DB, id string) (ChatSession, error) {
	var row ChatSession
	res := db.Where("id = ?", id).Limit(1).Find(&row)
	if res.Error != nil {
		return ChatSession{}, fmt.Errorf("sqlstore: find session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ChatSession{}, fmt.Errorf("%w: session %s", store.ErrNotFound, id)
	}
	return row, nil
}

func touchSession(tx *gorm.DB, id string, now time.Time) error {
	if _, err := findSession(tx, id); err != nil {
		return err
	}
	if err := tx.Model(&ChatSession{}).Where("id = ?", id).Update("updated_at", now).Error; err != nil {
		return fmt.Errorf("sqlstore: touch session %s: %w", id, err)
	}
	return nil
}

func toMessage(row ChatMessage) conversation.Message {
	return conversation.Message{
		ID:        row.ID,
		SessionID: row.SessionID,
		Role:      conversation.Role(row.Role),
		Content:   row.Content,
		CreatedAt: row.CreatedAt,
	}
}

func toInfo(row ChatSession) store.SessionInfo {
	return store.SessionInfo{
		ID:            row.ID,
		UserID:        row.UserID,
		Title:         row.Title,
		WorkflowMode:  row.WorkflowMode,
		ApplicationID: row.ApplicationID,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}
