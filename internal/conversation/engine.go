package conversation

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"agfinbot/internal/llm"
)

const (
	defaultReconnects   = 3
	defaultFetchTimeout = 30 * time.Second
)

// Config wires an Engine to its collaborators.
type Config struct {
	SessionID   string
	Persistence Persistence
	Transport   Transport
	// Reconnect bounds automatic reconnects for transport failures that
	// happen before the first token. MaxRetries < 0 disables reconnects.
	Reconnect llm.RetryPolicy
	// FetchTimeout bounds the history fetch that follows a completed turn.
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

// Engine coordinates one session: it owns the Store and runs the send,
// edit, regenerate and stop operations against it. At most one assistant
// turn is active at a time.
type Engine struct {
	persistence  Persistence
	transport    Transport
	reconnect    llm.RetryPolicy
	fetchTimeout time.Duration
	logger       *slog.Logger

	store *Store

	mu sync.Mutex
	// reserved is set while a coordinator waits on persistence before it
	// can start a turn.
	reserved bool
	turn     *turn
	turnSeq  uint64
	// epoch increments whenever an operation starts, so late history
	// fetches can tell they were overtaken.
	epoch uint64
	// settling holds connections of finished turns that may still be
	// saving a partial reply.
	settling []StreamHandle
}

// turn is one assistant reply, possibly spanning several connections.
type turn struct {
	id        uint64
	sessionID string
	prompt    string

	phase     Phase
	attempt   int
	tokens    int
	messageID string

	ctx    context.Context
	cancel context.CancelFunc
	handle StreamHandle
}

// New constructs an Engine with an empty store.
func New(cfg Config) (*Engine, error) {
	if cfg.Persistence == nil {
		return nil, ErrPersistenceRequired
	}
	if cfg.Transport == nil {
		return nil, ErrTransportRequired
	}
	reconnect := cfg.Reconnect
	if reconnect.MaxRetries == 0 {
		reconnect.MaxRetries = defaultReconnects
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		persistence:  cfg.Persistence,
		transport:    cfg.Transport,
		reconnect:    llm.NormalizeRetryPolicy(reconnect),
		fetchTimeout: fetchTimeout,
		logger:       logger.With(slog.String("component", "conversation.engine")),
		store:        NewStore(cfg.SessionID),
	}, nil
}

// Snapshot returns the current session state.
func (e *Engine) Snapshot() Snapshot {
	return e.store.Snapshot()
}

// SessionID returns the session id, which may change after the first send.
func (e *Engine) SessionID() string {
	return e.store.SessionID()
}

// Subscribe registers fn for every state change. fn must not call back into
// the engine.
func (e *Engine) Subscribe(fn func(Snapshot)) func() {
	return e.store.Subscribe(fn)
}

// Watched reports whether anything is subscribed to state changes.
func (e *Engine) Watched() bool {
	return e.store.Subscribers() > 0
}

// Busy reports whether an operation or assistant turn is in flight.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busyLocked()
}

func (e *Engine) busyLocked() bool {
	return e.reserved || e.turn != nil
}

// DismissError clears the surfaced failure.
func (e *Engine) DismissError() {
	e.store.ClearError()
}

// Stop cancels the streaming reply. The partial message is finalized before
// Stop returns. It reports false, and changes nothing, when nothing streams.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	t := e.turn
	if t == nil || !e.store.Snapshot().IsStreaming {
		e.mu.Unlock()
		return false
	}
	next, err := Transition(t.phase, StreamCancel)
	if err != nil {
		e.mu.Unlock()
		return false
	}
	e.finishLocked(t, next)
	handle := t.handle
	e.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	e.logger.Debug("stream stopped", slog.String("session_id", t.sessionID), slog.Int("tokens", t.tokens))
	return true
}

// Close cancels any active turn, streaming or not. It is meant for shutdown.
func (e *Engine) Close() {
	e.mu.Lock()
	t := e.turn
	if t == nil {
		e.mu.Unlock()
		return
	}
	e.finishLocked(t, PhaseCancelled)
	handle := t.handle
	e.mu.Unlock()
	if handle != nil {
		handle.Cancel()
	}
}

// beginTurnLocked registers a new turn and raises the typing indicator.
// The caller must call openAttempt after releasing e.mu.
func (e *Engine) beginTurnLocked(ctx context.Context, prompt string) *turn {
	e.turnSeq++
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &turn{
		id:        e.turnSeq,
		sessionID: e.store.SessionID(),
		prompt:    prompt,
		ctx:       tctx,
		cancel:    cancel,
	}
	e.turn = t
	e.store.SetTyping(true)
	return t
}

// openAttempt connects the transport for attempt. A handle that comes back
// for a turn that has meanwhile finished is cancelled right away.
func (e *Engine) openAttempt(t *turn, attempt int) {
	e.logger.Debug("opening stream",
		slog.String("session_id", t.sessionID),
		slog.Uint64("turn", t.id),
		slog.Int("attempt", attempt),
	)
	handle, err := e.transport.Open(t.ctx, StreamRequest{
		SessionID: t.sessionID,
		Prompt:    t.prompt,
		Attempt:   attempt,
	}, e.handlerFor(t, attempt))
	if err != nil {
		e.dispatch(t, attempt, StreamError, "", err)
		return
	}

	e.mu.Lock()
	current := e.turn == t && t.attempt == attempt
	if current {
		t.handle = handle
	} else {
		e.settleLocked(handle)
	}
	e.mu.Unlock()
	if !current && handle != nil {
		handle.Cancel()
	}
}

func (e *Engine) handlerFor(t *turn, attempt int) StreamHandler {
	return StreamHandler{
		OnStart: func() { e.dispatch(t, attempt, StreamStart, "", nil) },
		OnToken: func(text string) { e.dispatch(t, attempt, StreamToken, text, nil) },
		OnEnd:   func() { e.dispatch(t, attempt, StreamEnd, "", nil) },
		OnError: func(err error) { e.dispatch(t, attempt, StreamError, "", err) },
	}
}

// dispatch applies one transport event to the store. Events for a turn or
// connection attempt that is no longer current are discarded.
func (e *Engine) dispatch(t *turn, attempt int, ev StreamEvent, text string, cause error) {
	e.mu.Lock()
	if e.turn != t || t.attempt != attempt {
		e.mu.Unlock()
		return
	}

	if ev == StreamError && e.shouldReconnectLocked(t, cause) {
		t.attempt++
		next := t.attempt
		e.mu.Unlock()
		e.reconnectAfterBackoff(t, next, cause)
		return
	}

	phase, err := Transition(t.phase, ev)
	if err != nil {
		e.mu.Unlock()
		e.logger.Debug("dropping stream event", slog.String("event", string(ev)), slog.Any("error", err))
		return
	}

	switch phase {
	case PhaseStarted:
		t.phase = phase
		e.ensureMessageLocked(t)
		e.mu.Unlock()
	case PhaseStreaming:
		t.phase = phase
		e.ensureMessageLocked(t)
		if e.store.AppendContent(t.messageID, text) {
			t.tokens++
		}
		e.mu.Unlock()
	case PhaseCompleted:
		e.finishLocked(t, phase)
		epoch := e.epoch
		e.mu.Unlock()
		e.refreshAfterTurn(t, epoch)
	case PhaseErrored:
		e.finishLocked(t, phase)
		e.store.SetError(describeFailure("Response failed", cause))
		e.mu.Unlock()
		e.logger.Warn("stream failed",
			slog.String("session_id", t.sessionID),
			slog.Int("tokens", t.tokens),
			slog.Any("error", cause),
		)
	default:
		e.mu.Unlock()
	}
}

func (e *Engine) shouldReconnectLocked(t *turn, cause error) bool {
	return t.tokens == 0 &&
		t.phase != PhaseStreaming &&
		llm.IsRetryableError(cause) &&
		t.attempt < e.reconnect.MaxRetries
}

func (e *Engine) reconnectAfterBackoff(t *turn, attempt int, cause error) {
	delay := llm.ComputeBackoffDelay(e.reconnect, attempt-1)
	e.logger.Info("reconnecting stream",
		slog.String("session_id", t.sessionID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.Any("error", cause),
	)
	if err := llm.SleepContext(t.ctx, delay); err != nil {
		return
	}
	e.mu.Lock()
	current := e.turn == t && t.attempt == attempt
	e.mu.Unlock()
	if current {
		e.openAttempt(t, attempt)
	}
}

// ensureMessageLocked allocates the assistant message once per turn, so a
// reconnect keeps filling the same message.
func (e *Engine) ensureMessageLocked(t *turn) {
	if t.messageID == "" {
		msg, _ := e.store.BeginStreaming()
		t.messageID = msg.ID
	}
	e.store.SetRegenerating(false)
}

// finishLocked moves t to a terminal phase and clears all turn indicators.
func (e *Engine) finishLocked(t *turn, phase Phase) {
	t.phase = phase
	e.store.CompleteStreaming()
	e.store.SetTyping(false)
	e.store.SetRegenerating(false)
	if e.turn == t {
		e.turn = nil
	}
	e.settleLocked(t.handle)
	t.cancel()
}

// settleLocked remembers h until its connection has wound down.
func (e *Engine) settleLocked(h StreamHandle) {
	e.settling = slices.DeleteFunc(e.settling, handleDone)
	if h != nil && !handleDone(h) {
		e.settling = append(e.settling, h)
	}
}

// awaitSettled blocks until every finished turn's connection is done, so a
// partial reply still being saved lands before whatever the caller is about
// to persist. The wait is bounded by ctx and the fetch timeout; on expiry
// the caller proceeds anyway.
func (e *Engine) awaitSettled(ctx context.Context) {
	e.mu.Lock()
	pending := slices.Clone(e.settling)
	e.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	wait, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	for _, h := range pending {
		select {
		case <-h.Done():
		case <-wait.Done():
			e.logger.Warn("stopped stream still saving", slog.String("session_id", e.store.SessionID()), slog.Any("error", wait.Err()))
			return
		}
	}

	e.mu.Lock()
	e.settling = slices.DeleteFunc(e.settling, handleDone)
	e.mu.Unlock()
}

func handleDone(h StreamHandle) bool {
	done := h.Done()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// refreshAfterTurn replaces the streamed preview with the persisted history.
// The result is dropped when another operation started in the meantime.
func (e *Engine) refreshAfterTurn(t *turn, epoch uint64) {
	sessionID := e.store.SessionID()
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), e.fetchTimeout)
	defer cancel()

	res, err := e.persistence.FetchHistory(ctx, sessionID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != epoch || e.busyLocked() {
		return
	}
	if err != nil {
		e.logger.Warn("history refresh failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}
	e.applyHistoryLocked(res)
}

// applyHistoryLocked installs an authoritative history and keeps the
// last-user cache pointing at a message that still exists.
func (e *Engine) applyHistoryLocked(res HistoryResult) {
	e.store.ReplaceMessages(res.SessionID, res.Messages)
	snap := e.store.Snapshot()
	if _, ok := snap.Message(snap.LastUserMessageID); ok {
		return
	}
	if last, ok := snap.LastOfRole(RoleUser); ok {
		e.store.SetLastUserMessage(last.ID, last.Content)
	}
}

func describeFailure(action string, err error) string {
	if err == nil {
		return action
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return action + ": timed out"
	}
	return action + ": " + err.Error()
}
