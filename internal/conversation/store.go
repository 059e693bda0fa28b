package conversation

import (
	"sync"
	"time"
)

// Store owns one session's message list and flags. Every mutation is
// synchronous and total: unknown ids are ignored, and a mutation that
// changes nothing does not bump Version or notify subscribers.
//
// Subscribers run synchronously, in version order, after the mutation has
// been applied. They may read Snapshot but must not mutate the store or call
// back into an Engine.
type Store struct {
	now func() time.Time

	mu    sync.Mutex
	state Snapshot
	subs  map[int]func(Snapshot)
	subID int

	notifyMu sync.Mutex
}

// NewStore returns an empty store for sessionID (which may be empty until
// the first message is confirmed).
func NewStore(sessionID string) *Store {
	return &Store{
		now:   time.Now,
		state: Snapshot{SessionID: sessionID},
		subs:  make(map[int]func(Snapshot)),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// SessionID returns the owning session id.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SessionID
}

// Subscribe registers fn for every effective mutation and returns a function
// that removes it.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.subID
	s.subID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// mutate applies fn and, when it reports a change, bumps the version and
// notifies subscribers. notifyMu is taken before mu is released so that
// deliveries stay in version order.
func (s *Store) mutate(fn func(st *Snapshot) bool) bool {
	s.mu.Lock()
	if !fn(&s.state) {
		s.mu.Unlock()
		return false
	}
	s.state.Version++
	if len(s.subs) == 0 {
		s.mu.Unlock()
		return true
	}
	snap := s.state.clone()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, sub := range subs {
		sub(snap)
	}
	return true
}

// Append adds msg at the end of the list and returns the stored copy. An
// empty ID gets a local id; a duplicate ID is ignored. CreatedAt is clamped
// so that it never precedes the previous message.
func (s *Store) Append(msg Message) Message {
	if msg.ID == "" {
		msg.ID = NewLocalID()
	}
	stored := msg
	s.mutate(func(st *Snapshot) bool {
		if existing := indexOf(st.Messages, msg.ID); existing >= 0 {
			stored = st.Messages[existing]
			return false
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = s.now()
		}
		if n := len(st.Messages); n > 0 && stored.CreatedAt.Before(st.Messages[n-1].CreatedAt) {
			stored.CreatedAt = st.Messages[n-1].CreatedAt
		}
		if stored.SessionID == "" {
			stored.SessionID = st.SessionID
		}
		stored.IsStreaming = false
		st.Messages = append(st.Messages, stored)
		return true
	})
	return stored
}

// ReplaceContent overwrites the content of message id.
func (s *Store) ReplaceContent(id, content string) bool {
	return s.mutate(func(st *Snapshot) bool {
		i := indexOf(st.Messages, id)
		if i < 0 || st.Messages[i].Content == content {
			return false
		}
		st.Messages[i].Content = content
		return true
	})
}

// AppendContent appends delta to the current content of message id.
func (s *Store) AppendContent(id, delta string) bool {
	if delta == "" {
		return false
	}
	return s.mutate(func(st *Snapshot) bool {
		i := indexOf(st.Messages, id)
		if i < 0 {
			return false
		}
		st.Messages[i].Content += delta
		return true
	})
}

// Remove deletes message id.
func (s *Store) Remove(id string) bool {
	return s.mutate(func(st *Snapshot) bool {
		i := indexOf(st.Messages, id)
		if i < 0 {
			return false
		}
		removed := st.Messages[i]
		st.Messages = append(st.Messages[:i:i], st.Messages[i+1:]...)
		dropPointers(st, []Message{removed})
		return true
	})
}

// RemoveAfter deletes every message strictly after id and returns how many
// were removed.
func (s *Store) RemoveAfter(id string) int {
	return s.truncate(id, 1)
}

// RemoveFrom deletes id and every message after it.
func (s *Store) RemoveFrom(id string) int {
	return s.truncate(id, 0)
}

func (s *Store) truncate(id string, offset int) int {
	removed := 0
	s.mutate(func(st *Snapshot) bool {
		i := indexOf(st.Messages, id)
		if i < 0 || i+offset >= len(st.Messages) {
			return false
		}
		cut := append([]Message(nil), st.Messages[i+offset:]...)
		st.Messages = st.Messages[: i+offset : i+offset]
		dropPointers(st, cut)
		removed = len(cut)
		return true
	})
	return removed
}

// dropPointers clears session pointers that referenced removed messages.
func dropPointers(st *Snapshot, removed []Message) {
	for _, m := range removed {
		if m.ID == st.StreamingMessageID {
			st.StreamingMessageID = ""
			st.IsStreaming = false
		}
		if m.ID == st.EditingMessageID {
			st.EditingMessageID = ""
		}
	}
}

// Reconcile replaces the identity of localID with the server-confirmed
// message in place. Position and CreatedAt are kept. When confirmed.ID is
// already present elsewhere the local copy is dropped instead, so a
// duplicated send collapses into one record.
func (s *Store) Reconcile(localID string, confirmed Message) bool {
	return s.mutate(func(st *Snapshot) bool {
		i := indexOf(st.Messages, localID)
		if i < 0 {
			return false
		}
		newID := confirmed.ID
		if newID == "" {
			newID = localID
		}
		if j := indexOf(st.Messages, newID); j >= 0 && j != i {
			st.Messages = append(st.Messages[:i:i], st.Messages[i+1:]...)
			renamePointers(st, localID, newID)
			return true
		}

		m := st.Messages[i]
		before := m
		m.ID = newID
		if confirmed.SessionID != "" {
			m.SessionID = confirmed.SessionID
		}
		if confirmed.Content != "" {
			m.Content = confirmed.Content
		}
		if m == before {
			return false
		}
		st.Messages[i] = m
		renamePointers(st, localID, newID)
		return true
	})
}

func renamePointers(st *Snapshot, from, to string) {
	if from == to {
		return
	}
	if st.StreamingMessageID == from {
		st.StreamingMessageID = to
	}
	if st.EditingMessageID == from {
		st.EditingMessageID = to
	}
	if st.LastUserMessageID == from {
		st.LastUserMessageID = to
	}
}

// BeginStreaming appends an empty assistant message flagged as streaming and
// points the session at it. Typing is cleared. When a message is already
// streaming it is returned unchanged with ok=false.
func (s *Store) BeginStreaming() (msg Message, ok bool) {
	s.mutate(func(st *Snapshot) bool {
		if i := indexOf(st.Messages, st.StreamingMessageID); i >= 0 {
			msg = st.Messages[i]
			return false
		}
		msg = Message{
			ID:          NewLocalID(),
			SessionID:   st.SessionID,
			Role:        RoleAssistant,
			CreatedAt:   s.now(),
			IsStreaming: true,
		}
		if n := len(st.Messages); n > 0 && msg.CreatedAt.Before(st.Messages[n-1].CreatedAt) {
			msg.CreatedAt = st.Messages[n-1].CreatedAt
		}
		st.Messages = append(st.Messages, msg)
		st.StreamingMessageID = msg.ID
		st.IsStreaming = true
		st.IsTyping = false
		ok = true
		return true
	})
	return msg, ok
}

// CompleteStreaming clears the streaming flag on the message and session.
func (s *Store) CompleteStreaming() bool {
	return s.mutate(func(st *Snapshot) bool {
		if st.StreamingMessageID == "" && !st.IsStreaming {
			return false
		}
		if i := indexOf(st.Messages, st.StreamingMessageID); i >= 0 {
			st.Messages[i].IsStreaming = false
		}
		st.StreamingMessageID = ""
		st.IsStreaming = false
		return true
	})
}

// SetTyping sets the typing indicator. Typing cannot be raised while a
// message is streaming.
func (s *Store) SetTyping(typing bool) bool {
	return s.mutate(func(st *Snapshot) bool {
		if st.IsTyping == typing || (typing && st.IsStreaming) {
			return false
		}
		st.IsTyping = typing
		return true
	})
}

// SetRegenerating sets the regenerating indicator.
func (s *Store) SetRegenerating(regenerating bool) bool {
	return s.mutate(func(st *Snapshot) bool {
		if st.IsRegenerating == regenerating {
			return false
		}
		st.IsRegenerating = regenerating
		return true
	})
}

// SetError records a user-visible failure.
func (s *Store) SetError(msg string) bool {
	return s.mutate(func(st *Snapshot) bool {
		if st.Error == msg {
			return false
		}
		st.Error = msg
		return true
	})
}

// ClearError drops the current failure.
func (s *Store) ClearError() bool {
	return s.SetError("")
}

// SetEditing points the session at a user message being rewritten. Ids that
// are unknown or not user messages are ignored.
func (s *Store) SetEditing(id string) bool {
	return s.mutate(func(st *Snapshot) bool {
		i := indexOf(st.Messages, id)
		if i < 0 || st.Messages[i].Role != RoleUser || st.EditingMessageID == id {
			return false
		}
		st.EditingMessageID = id
		return true
	})
}

// ClearEditing drops the editing pointer.
func (s *Store) ClearEditing() bool {
	return s.mutate(func(st *Snapshot) bool {
		if st.EditingMessageID == "" {
			return false
		}
		st.EditingMessageID = ""
		return true
	})
}

// SetLastUserMessage caches the most recently sent user message.
func (s *Store) SetLastUserMessage(id, content string) bool {
	return s.mutate(func(st *Snapshot) bool {
		if st.LastUserMessageID == id && st.LastUserMessage == content {
			return false
		}
		st.LastUserMessageID = id
		st.LastUserMessage = content
		return true
	})
}

// ReplaceMessages swaps in an authoritative history. Streaming state is
// dropped and an editing pointer survives only if it still names a user
// message. An empty sessionID keeps the current one.
func (s *Store) ReplaceMessages(sessionID string, messages []Message) bool {
	replaced := make([]Message, 0, len(messages))
	for _, m := range messages {
		m.IsStreaming = false
		replaced = append(replaced, m)
	}
	return s.mutate(func(st *Snapshot) bool {
		if sessionID != "" {
			st.SessionID = sessionID
		}
		st.Messages = replaced
		st.StreamingMessageID = ""
		st.IsStreaming = false
		if i := indexOf(st.Messages, st.EditingMessageID); i < 0 || st.Messages[i].Role != RoleUser {
			st.EditingMessageID = ""
		}
		return true
	})
}

// Clear removes every message and resets all flags except the session id.
func (s *Store) Clear() bool {
	return s.mutate(func(st *Snapshot) bool {
		cleared := Snapshot{SessionID: st.SessionID, Version: st.Version}
		if st.isSameAs(cleared) {
			return false
		}
		*st = cleared
		return true
	})
}

// SetSessionID adopts the server-assigned session id.
func (s *Store) SetSessionID(id string) bool {
	return s.mutate(func(st *Snapshot) bool {
		if id == "" || st.SessionID == id {
			return false
		}
		st.SessionID = id
		for i := range st.Messages {
			if st.Messages[i].SessionID == "" {
				st.Messages[i].SessionID = id
			}
		}
		return true
	})
}

func (s Snapshot) isSameAs(o Snapshot) bool {
	return len(s.Messages) == len(o.Messages) &&
		s.SessionID == o.SessionID &&
		s.StreamingMessageID == o.StreamingMessageID &&
		s.IsTyping == o.IsTyping &&
		s.IsStreaming == o.IsStreaming &&
		s.IsRegenerating == o.IsRegenerating &&
		s.EditingMessageID == o.EditingMessageID &&
		s.LastUserMessage == o.LastUserMessage &&
		s.LastUserMessageID == o.LastUserMessageID &&
		s.Error == o.Error
}
