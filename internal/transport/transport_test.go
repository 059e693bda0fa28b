package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"agfinbot/internal/conversation"
	"agfinbot/internal/llm"
	mockprovider "agfinbot/internal/llm/providers/mock"
	"agfinbot/internal/store"
)

type memoryPersistence struct {
	mu       sync.Mutex
	nextID   int
	messages map[string][]conversation.Message
	fetchErr error
	sendErr  error
	// assistantDelay slows assistant saves to widen save races.
	assistantDelay time.Duration
}

func newMemoryPersistence() *memoryPersistence {
	return &memoryPersistence{messages: make(map[string][]conversation.Message)}
}

func (p *memoryPersistence) SendMessage(_ context.Context, sessionID string, role conversation.Role, content string) (conversation.SendResult, error) {
	if role == conversation.RoleAssistant && p.assistantDelay > 0 {
		time.Sleep(p.assistantDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return conversation.SendResult{}, p.sendErr
	}
	p.nextID++
	msg := conversation.Message{ID: fmt.Sprintf("m-%d", p.nextID), SessionID: sessionID, Role: role, Content: content, CreatedAt: time.Unix(int64(p.nextID), 0)}
	p.messages[sessionID] = append(p.messages[sessionID], msg)
	return conversation.SendResult{Message: msg, SessionID: sessionID}, nil
}

func (p *memoryPersistence) FetchHistory(_ context.Context, sessionID string) (conversation.HistoryResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fetchErr != nil {
		return conversation.HistoryResult{}, p.fetchErr
	}
	return conversation.HistoryResult{Messages: append([]conversation.Message(nil), p.messages[sessionID]...), SessionID: sessionID}, nil
}

func (p *memoryPersistence) EditMessage(context.Context, string, string, bool) (conversation.EditResult, error) {
	return conversation.EditResult{}, errors.New("not supported")
}

func (p *memoryPersistence) ClearSession(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.messages, sessionID)
	return nil
}

func (p *memoryPersistence) contents(sessionID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.messages[sessionID]))
	for _, m := range p.messages[sessionID] {
		out = append(out, string(m.Role)+":"+m.Content)
	}
	return out
}

type staticSessions map[string]store.SessionInfo

func (s staticSessions) GetSession(_ context.Context, id string) (store.SessionInfo, error) {
	info, ok := s[id]
	if !ok {
		return store.SessionInfo{}, store.ErrNotFound
	}
	return info, nil
}

// recorder collects handler callbacks in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	err    error
	tokens chan string
	done   chan struct{}
	once   sync.Once
}

func newRecorder() *recorder {
	return &recorder{tokens: make(chan string, 64), done: make(chan struct{})}
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) handler() conversation.StreamHandler {
	return conversation.StreamHandler{
		OnStart: func() { r.add("start") },
		OnToken: func(text string) {
			r.add("token:" + text)
			r.tokens <- text
		},
		OnEnd: func() {
			r.add("end")
			r.once.Do(func() { close(r.done) })
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			r.add("error")
			r.once.Do(func() { close(r.done) })
		},
	}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("stream did not finish; events = %v", r.snapshot())
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func newTestTransport(t *testing.T, provider llm.Provider, p conversation.Persistence, sessions SessionLookup) *LLMTransport {
	t.Helper()
	tr, err := New(Config{
		Provider:    provider,
		Persistence: p,
		Sessions:    sessions,
		Now:         func() time.Time { return time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	return tr
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Persistence: newMemoryPersistence()}); !errors.Is(err, ErrProviderRequired) {
		t.Fatalf("New() err = %v, want ErrProviderRequired", err)
	}
	if _, err := New(Config{Provider: &mockprovider.Provider{}}); !errors.Is(err, conversation.ErrPersistenceRequired) {
		t.Fatalf("New() err = %v, want ErrPersistenceRequired", err)
	}
	tr, err := New(Config{Provider: &mockprovider.Provider{}, Persistence: newMemoryPersistence()})
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	if _, err := tr.Open(context.Background(), conversation.StreamRequest{Prompt: "x"}, newRecorder().handler()); !errors.Is(err, conversation.ErrSessionIDRequired) {
		t.Fatalf("Open() err = %v, want ErrSessionIDRequired", err)
	}
}

func TestOpenStreamsTokensAndSavesReply(t *testing.T) {
	t.Parallel()

	p := newMemoryPersistence()
	if _, err := p.SendMessage(context.Background(), "sess-1", conversation.RoleUser, "What is SOC 1?"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	provider := &mockprovider.Provider{Scripts: [][]llm.Event{mockprovider.TextScript("SOC 1 ", "covers financial controls.")}}
	tr := newTestTransport(t, provider, p, nil)

	rec := newRecorder()
	if _, err := tr.Open(context.Background(), conversation.StreamRequest{SessionID: "sess-1", Prompt: "What is SOC 1?"}, rec.handler()); err != nil {
		t.Fatalf("Open() err = %v", err)
	}
	rec.wait(t)

	want := []string{"start", "token:SOC 1 ", "token:covers financial controls.", "end"}
	if got := rec.snapshot(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if got := p.contents("sess-1"); len(got) != 2 || got[1] != "assistant:SOC 1 covers financial controls." {
		t.Fatalf("stored = %v", got)
	}

	reqs := provider.Requests()
	if len(reqs) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Model != DefaultModel || req.MaxTokens != DefaultMaxTokens {
		t.Fatalf("request model/max = %q/%d", req.Model, req.MaxTokens)
	}
	if !strings.HasPrefix(req.System, "You are AgFin AI") || !strings.Contains(req.System, "2026-10-15 09:30 UTC") {
		t.Fatalf("system prompt = %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Text != "What is SOC 1?" || req.Messages[0].Role != llm.RoleUser {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if req.Metadata["session_id"] != "sess-1" || req.Metadata["attempt"] != "0" {
		t.Fatalf("metadata = %v", req.Metadata)
	}
}

func TestOpenSavesPlaceholderForEmptyReply(t *testing.T) {
	t.Parallel()

	p := newMemoryPersistence()
	provider := &mockprovider.Provider{Events: mockprovider.TextScript()}
	tr := newTestTransport(t, provider, p, nil)

	rec := newRecorder()
	if _, err := tr.Open(context.Background(), conversation.StreamRequest{SessionID: "s", Prompt: "hi"}, rec.handler()); err != nil {
		t.Fatalf("Open() err = %v", err)
	}
	rec.wait(t)

	if got := p.contents("s"); len(got) != 1 || got[0] != "assistant:"+EmptyReplyPlaceholder {
		t.Fatalf("stored = %v", got)
	}
}

func TestOpenReportsProviderErrorAndSavesPartial(t *testing.T) {
	t.Parallel()

	p := newMemoryPersistence()
	overloaded := llm.MarkRetryable(errors.New("overloaded"))
	provider := &mockprovider.Provider{Events: []llm.Event{
		{Type: llm.EventStart},
		{Type: llm.EventTextDelta, TextDelta: "Partial"},
		{Type: llm.EventError, Err: overloaded, Done: &llm.DonePayload{Reason: llm.StopReasonError}},
	}}
	tr := newTestTransport(t, provider, p, nil)

	rec := newRecorder()
	if _, err := tr.Open(context.Background(), conversation.StreamRequest{SessionID: "s", Prompt: "hi"}, rec.handler()); err != nil {
		t.Fatalf("Open() err = %v", err)
	}
	rec.wait(t)

	if err := rec.lastErr(); !errors.Is(err, overloaded) || !llm.IsRetryableError(err) {
		t.Fatalf("OnError err = %v, want retryable overloaded", err)
	}
	if got := p.contents("s"); len(got) != 1 || got[0] != "assistant:Partial" {
		t.Fatalf("stored = %v", got)
	}
}

func TestOpenTreatsUnterminatedStreamAsRetryable(t *testing.T) {
	t.Parallel()

	provider := &mockprovider.Provider{Events: []llm.Event{{Type: llm.EventStart}}}
	tr := newTestTransport(t, provider, newMemoryPersistence(), nil)

	rec := newRecorder()
	if _, err := tr.Open(context.Background(), conversation.StreamRequest{SessionID: "s", Prompt: "hi"}, rec.handler()); err != nil {
		t.Fatalf("Open() err = %v", err)
	}
	rec.wait(t)

	if err := rec.lastErr(); !errors.Is(err, llm.ErrNoTerminalEvent) || !llm.IsRetryableError(err) {
		t.Fatalf("OnError err = %v, want retryable ErrNoTerminalEvent", err)
	}
}

func TestOpenHistoryFailureIsRetryable(t *testing.T) {
	t.Parallel()

	p := newMemoryPersistence()
	p.fetchErr = errors.New("connection reset")
	provider := &mockprovider.Provider{Events: mockprovider.TextScript("x")}
	tr := newTestTransport(t, provider, p, nil)

	rec := newRecorder()
	if _, err := tr.Open(context.Background(), conversation.StreamRequest{SessionID: "s", Prompt: "hi"}, rec.handler()); err != nil {
		t.Fatalf("Open() err = %v", err)
	}
	rec.wait(t)

	if err := rec.lastErr(); !llm.IsRetryableError(err) {
		t.Fatalf("OnError err = %v, want retryable", err)
	}
	if provider.Calls() != 0 {
		t.Fatalf("provider called %d times after history failure", provider.Calls())
	}
}

func TestOpenSaveFailureReportsError(t *testing.T) {
	t.Parallel()

	p := newMemoryPersistence()
	p.sendErr = errors.New("disk full")
	provider := &mockprovider.Provider{Events: mockprovider.TextScript("done")}
	tr := newTestTransport(t, provider, p, nil)

	rec := newRecorder()
	if _, err := tr.Open(context.Background(), conversation.StreamRequest{SessionID: "s", Prompt: "hi"}, rec.handler()); err != nil {
		t.Fatalf("Open() err = %v", err)
	}
	rec.wait(t)

	got := rec.snapshot()
	if got[len(got)-1] != "error" || llm.IsRetryableError(rec.lastErr()) {
		t.Fatalf("events = %v err = %v, want non-retryable error", got, rec.lastErr())
	}
}

func TestCancelSavesPartialWithoutCallbacks(t *testing.T) {
	t.Parallel()

	p := newMemoryPersistence()
	provider := &mockprovider.Provider{
		Events:   []llm.Event{{Type: llm.EventStart}, {Type: llm.EventTextDelta, TextDelta: "Half an answer"}},
		HoldOpen: true,
	}
	tr := newTestTransport(t, provider, p, nil)

	rec := newRecorder()
	handle, err := tr.Open(context.Background(), conversation.StreamRequest{SessionID: "s", Prompt: "hi"}, rec.handler())
	if err != nil {
		t.Fatalf("Open() err = %v", err)
	}
	select {
	case <-rec.tokens:
	case <-time.After(5 * time.Second):
		t.Fatalf("no token arrived")
	}
	handle.Cancel()
	handle.Cancel()

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("handle not done after cancel")
	}
	// Done closes only after the partial reply is stored
	if got := p.contents("s"); len(got) != 1 || got[0] != "assistant:Half an answer" {
		t.Fatalf("partial reply not saved before done: %v", got)
	}
	if got := rec.snapshot(); got[len(got)-1] != "token:Half an answer" {
		t.Fatalf("callbacks after cancel: %v", got)
	}
}

func TestOpenUsesSessionWorkflow(t *testing.T) {
	t.Parallel()

	sessions := staticSessions{"s": {ID: "s", UserID: "farmer-7", WorkflowMode: store.WorkflowDocumentReview, ApplicationID: "app-42"}}
	provider := &mockprovider.Provider{Events: mockprovider.TextScript("ok")}
	tr := newTestTransport(t, provider, newMemoryPersistence(), sessions)

	rec := newRecorder()
	if _, err := tr.Open(context.Background(), conversation.StreamRequest{SessionID: "s", Prompt: "review my docs", Attempt: 2}, rec.handler()); err != nil {
		t.Fatalf("Open() err = %v", err)
	}
	rec.wait(t)

	req := provider.Requests()[0]
	if !strings.Contains(req.System, "Current mode: Document Review") || !strings.Contains(req.System, "Application ID: app-42") {
		t.Fatalf("system prompt = %q", req.System)
	}
	if req.Metadata["user_id"] != "farmer-7" || req.Metadata["attempt"] != "2" {
		t.Fatalf("metadata = %v", req.Metadata)
	}
}

func TestEngineTurnOverTransport(t *testing.T) {
	t.Parallel()

	p := newMemoryPersistence()
	provider := &mockprovider.Provider{Events: mockprovider.TextScript("Start with ", "a readiness assessment.")}
	tr := newTestTransport(t, provider, p, nil)
	engine, err := conversation.New(conversation.Config{SessionID: "sess-9", Persistence: p, Transport: tr})
	if err != nil {
		t.Fatalf("conversation.New() err = %v", err)
	}
	defer engine.Close()

	if err := engine.Send(context.Background(), "How do I begin an audit?"); err != nil {
		t.Fatalf("Send() err = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := engine.Snapshot()
		if !engine.Busy() && len(snap.Messages) == 2 && !conversation.IsLocalID(snap.Messages[1].ID) {
			if snap.Messages[1].Content != "Start with a readiness assessment." || snap.Error != "" {
				t.Fatalf("final snapshot = %+v", snap)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("turn did not settle: %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopThenSendKeepsPartialReplyBeforeNextMessage(t *testing.T) {
	t.Parallel()

	p := newMemoryPersistence()
	p.assistantDelay = 50 * time.Millisecond
	provider := &mockprovider.Provider{
		Scripts: [][]llm.Event{
			{{Type: llm.EventStart}, {Type: llm.EventTextDelta, TextDelta: "Partial on loans"}},
			mockprovider.TextScript("Bring two years of returns."),
		},
		HoldOpen: true,
	}
	tr := newTestTransport(t, provider, p, nil)
	engine, err := conversation.New(conversation.Config{SessionID: "sess-3", Persistence: p, Transport: tr})
	if err != nil {
		t.Fatalf("conversation.New() err = %v", err)
	}
	defer engine.Close()

	ctx := context.Background()
	if err := engine.Send(ctx, "What does an operating loan need?"); err != nil {
		t.Fatalf("Send() err = %v", err)
	}
	eventually(t, func() bool {
		snap := engine.Snapshot()
		msg, ok := snap.Message(snap.StreamingMessageID)
		return ok && msg.Content == "Partial on loans"
	})
	if !engine.Stop() {
		t.Fatalf("Stop() = false while streaming")
	}
	if err := engine.Send(ctx, "Which tax documents?"); err != nil {
		t.Fatalf("Send() err = %v", err)
	}

	want := []string{
		"user:What does an operating loan need?",
		"assistant:Partial on loans",
		"user:Which tax documents?",
		"assistant:Bring two years of returns.",
	}
	eventually(t, func() bool {
		if engine.Busy() {
			return false
		}
		snap := engine.Snapshot()
		got := make([]string, 0, len(snap.Messages))
		for _, m := range snap.Messages {
			if conversation.IsLocalID(m.ID) {
				return false
			}
			got = append(got, string(m.Role)+":"+m.Content)
		}
		return strings.Join(got, "|") == strings.Join(want, "|")
	})
	if got := p.contents("sess-3"); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("server history = %v, want %v", got, want)
	}
}

// eventually polls cond until it holds or five seconds pass.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
