package sqlstore

import "time"

// ChatSession is one conversation row.
type ChatSession struct {
	ID            string `gorm:"primaryKey;size:36"`
	UserID        string `gorm:"size:64;index"`
	Title         string `gorm:"size:256;not null"`
	WorkflowMode  string `gorm:"size:32"`
	ApplicationID string `gorm:"size:64"`
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"index"`
}

// ChatMessage is one stored message. Sequence orders messages within a
// session and is the truncation boundary for regenerate.
type ChatMessage struct {
	ID        string `gorm:"primaryKey;size:36"`
	SessionID string `gorm:"size:36;not null;uniqueIndex:idx_session_sequence"`
	Sequence  int64  `gorm:"not null;uniqueIndex:idx_session_sequence"`
	Role      string `gorm:"size:16;not null"`
	Content   string `gorm:"type:text"`
	CreatedAt time.Time
}

// AllModels returns every model managed by AutoMigrate.
func AllModels() []any {
	return []any{&ChatSession{}, &ChatMessage{}}
}
