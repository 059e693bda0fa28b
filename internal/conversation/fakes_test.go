package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"agfinbot/internal/llm"
)

var errNotFound = errors.New("not found")

// fakePersistence is an in-memory server record keyed by session.
type fakePersistence struct {
	mu         sync.Mutex
	newSession string
	nextID     int
	messages   map[string][]Message

	sendErr  error
	editErr  error
	fetchErr error
	clearErr error

	sendCalls  int
	editCalls  []editCall
	fetchCalls int
}

type editCall struct {
	id         string
	content    string
	regenerate bool
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{newSession: "sess-1", messages: make(map[string][]Message)}
}

func (p *fakePersistence) SendMessage(_ context.Context, sessionID string, role Role, content string) (SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendCalls++
	if p.sendErr != nil {
		return SendResult{}, p.sendErr
	}
	if sessionID == "" {
		sessionID = p.newSession
	}
	msg := p.appendLocked(sessionID, role, content)
	return SendResult{Message: msg, SessionID: sessionID}, nil
}

func (p *fakePersistence) appendLocked(sessionID string, role Role, content string) Message {
	p.nextID++
	msg := Message{
		ID:        fmt.Sprintf("srv-%d", p.nextID),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Unix(int64(p.nextID), 0),
	}
	p.messages[sessionID] = append(p.messages[sessionID], msg)
	return msg
}

// seed stores a message as if it had been persisted earlier.
func (p *fakePersistence) seed(sessionID string, role Role, content string) Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.appendLocked(sessionID, role, content)
}

func (p *fakePersistence) FetchHistory(_ context.Context, sessionID string) (HistoryResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchCalls++
	if p.fetchErr != nil {
		return HistoryResult{}, p.fetchErr
	}
	return HistoryResult{
		Messages:  append([]Message(nil), p.messages[sessionID]...),
		SessionID: sessionID,
	}, nil
}

func (p *fakePersistence) EditMessage(_ context.Context, id, content string, regenerate bool) (EditResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.editCalls = append(p.editCalls, editCall{id: id, content: content, regenerate: regenerate})
	if p.editErr != nil {
		return EditResult{}, p.editErr
	}
	for sid, msgs := range p.messages {
		for i := range msgs {
			if msgs[i].ID != id {
				continue
			}
			msgs[i].Content = content
			deleted := 0
			if regenerate {
				deleted = len(msgs) - i - 1
				msgs = msgs[:i+1]
			}
			p.messages[sid] = msgs
			return EditResult{MessageID: id, Content: content, MessagesDeleted: deleted}, nil
		}
	}
	return EditResult{}, errNotFound
}

func (p *fakePersistence) ClearSession(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clearErr != nil {
		return p.clearErr
	}
	delete(p.messages, sessionID)
	return nil
}

func (p *fakePersistence) history(sessionID string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages[sessionID]...)
}

// fakeTransport hands every opened connection to the test, which drives the
// callbacks directly.
type fakeTransport struct {
	mu      sync.Mutex
	streams []*fakeStream
	openErr []error
	// holdCancelled makes new streams stay not-done after Cancel.
	holdCancelled bool
}

type fakeStream struct {
	req     StreamRequest
	ctx     context.Context
	h       StreamHandler
	mu      sync.Mutex
	cancels int

	// hold keeps Done open after Cancel until release is called.
	hold     bool
	done     chan struct{}
	doneOnce sync.Once
}

func (s *fakeStream) Cancel() {
	s.mu.Lock()
	s.cancels++
	hold := s.hold
	s.mu.Unlock()
	if !hold {
		s.release()
	}
}

func (s *fakeStream) Done() <-chan struct{} { return s.done }

func (s *fakeStream) release() { s.doneOnce.Do(func() { close(s.done) }) }

func (s *fakeStream) cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels > 0
}

func (s *fakeStream) start()            { s.h.OnStart() }
func (s *fakeStream) token(text string) { s.h.OnToken(text) }
func (s *fakeStream) end() {
	s.h.OnEnd()
	s.release()
}

func (s *fakeStream) fail(err error) {
	s.h.OnError(err)
	s.release()
}

func (s *fakeStream) tokens(parts ...string) {
	for _, p := range parts {
		s.token(p)
	}
}

func (f *fakeTransport) Open(ctx context.Context, req StreamRequest, h StreamHandler) (StreamHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.openErr) > 0 {
		err := f.openErr[0]
		f.openErr = f.openErr[1:]
		if err != nil {
			return nil, err
		}
	}
	s := &fakeStream{req: req, ctx: ctx, h: h, hold: f.holdCancelled, done: make(chan struct{})}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeTransport) last(t *testing.T) *fakeStream {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		t.Fatalf("no stream was opened")
	}
	return f.streams[len(f.streams)-1]
}

type harness struct {
	engine    *Engine
	store     *fakePersistence
	transport *fakeTransport
}

func newHarness(t *testing.T, sessionID string) *harness {
	t.Helper()
	p := newFakePersistence()
	tr := &fakeTransport{}
	engine, err := New(Config{
		SessionID:   sessionID,
		Persistence: p,
		Transport:   tr,
		Reconnect:   llm.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	return &harness{engine: engine, store: p, transport: tr}
}

// seedLoaded persists the given turns and loads them into the engine.
func (h *harness) seedLoaded(t *testing.T, turns ...string) []Message {
	t.Helper()
	sid := h.engine.SessionID()
	for i, content := range turns {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		h.store.seed(sid, role, content)
	}
	if err := h.engine.LoadHistory(context.Background()); err != nil {
		t.Fatalf("LoadHistory() err = %v", err)
	}
	return h.engine.Snapshot().Messages
}

// finishReply mimics a transport that saves the reply before signalling end.
func (h *harness) finishReply(t *testing.T, s *fakeStream) {
	t.Helper()
	content := ""
	if msg, ok := h.engine.Snapshot().Message(h.engine.Snapshot().StreamingMessageID); ok {
		content = msg.Content
	}
	h.store.seed(s.req.SessionID, RoleAssistant, content)
	s.end()
}

func contents(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Role)+":"+m.Content)
	}
	return out
}

func streamingCount(s Snapshot) int {
	n := 0
	for _, m := range s.Messages {
		if m.IsStreaming {
			n++
		}
	}
	return n
}

// checkInvariants reports an error when a snapshot breaks a session invariant.
func checkInvariants(t *testing.T, s Snapshot) {
	t.Helper()
	if n := streamingCount(s); n > 1 {
		t.Errorf("v%d: %d streaming messages, want at most 1", s.Version, n)
	}
	if s.StreamingMessageID != "" {
		m, ok := s.Message(s.StreamingMessageID)
		if !ok || m.Role != RoleAssistant || !m.IsStreaming {
			t.Errorf("v%d: streaming pointer %q does not name a streaming assistant message", s.Version, s.StreamingMessageID)
		}
	} else if streamingCount(s) != 0 {
		t.Errorf("v%d: streaming message without session pointer", s.Version)
	}
	if s.IsTyping && s.IsStreaming {
		t.Errorf("v%d: typing and streaming both set", s.Version)
	}
	if s.EditingMessageID != "" {
		m, ok := s.Message(s.EditingMessageID)
		if !ok || m.Role != RoleUser {
			t.Errorf("v%d: editing pointer %q does not name a user message", s.Version, s.EditingMessageID)
		}
	}
	for i := 1; i < len(s.Messages); i++ {
		if s.Messages[i].CreatedAt.Before(s.Messages[i-1].CreatedAt) {
			t.Errorf("v%d: createdAt decreases at %d", s.Version, i)
		}
	}
}
