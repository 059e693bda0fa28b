// Package transport streams assistant turns from an LLM provider into the
// conversation engine and saves the finished replies.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"agfinbot/internal/conversation"
	"agfinbot/internal/llm"
	"agfinbot/internal/store"
)

const (
	DefaultModel          = "claude-sonnet-4-5"
	DefaultMaxTokens      = 4096
	DefaultPersistTimeout = 10 * time.Second

	// EmptyReplyPlaceholder is saved when a turn completes without text.
	EmptyReplyPlaceholder = "(no text response)"
)

// ErrProviderRequired reports a transport built without a provider.
var ErrProviderRequired = errors.New("transport: provider is required")

// SessionLookup resolves session metadata for prompt building.
type SessionLookup interface {
	GetSession(ctx context.Context, id string) (store.SessionInfo, error)
}

// Config wires an LLMTransport.
type Config struct {
	Provider    llm.Provider
	Persistence conversation.Persistence
	// Sessions is optional. Without it every session uses the general prompt.
	Sessions SessionLookup

	Model       string
	MaxTokens   int
	Temperature *float64

	ContextBudget int
	KeepRecent    int
	HistoryLimit  int

	PersistTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// LLMTransport implements conversation.Transport over an llm.Provider.
type LLMTransport struct {
	cfg    Config
	logger *slog.Logger
}

var _ conversation.Transport = (*LLMTransport)(nil)

// New validates cfg and fills defaults.
func New(cfg Config) (*LLMTransport, error) {
	if cfg.Provider == nil {
		return nil, ErrProviderRequired
	}
	if cfg.Persistence == nil {
		return nil, conversation.ErrPersistenceRequired
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LLMTransport{cfg: cfg, logger: logger.With(slog.String("component", "transport"))}, nil
}

// Open starts streaming one attempt in the background. Cancelling the
// returned handle stops the provider stream without further callbacks; its
// Done channel closes after the partial reply, if any, has been saved.
func (t *LLMTransport) Open(ctx context.Context, req conversation.StreamRequest, h conversation.StreamHandler) (conversation.StreamHandle, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, conversation.ErrSessionIDRequired
	}
	ctx, cancel := context.WithCancel(ctx)
	sh := &streamHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sh.done)
		defer cancel()
		t.run(ctx, req, h)
	}()
	return sh, nil
}

type streamHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *streamHandle) Cancel()               { h.cancel() }
func (h *streamHandle) Done() <-chan struct{} { return h.done }

func (t *LLMTransport) run(ctx context.Context, req conversation.StreamRequest, h conversation.StreamHandler) {
	logger := t.logger.With(slog.String("session_id", req.SessionID), slog.Int("attempt", req.Attempt))

	llmReq, err := t.buildRequest(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			logger.WarnContext(ctx, "prepare stream failed", slog.Any("error", err))
			h.OnError(err)
		}
		return
	}

	events, err := t.cfg.Provider.Stream(ctx, llmReq)
	if err != nil {
		if ctx.Err() == nil {
			logger.WarnContext(ctx, "open stream failed", slog.Any("error", err))
			h.OnError(err)
		}
		return
	}

	var text strings.Builder
	started := false
	for {
		select {
		case <-ctx.Done():
			t.savePartial(ctx, logger, req.SessionID, text.String())
			return
		case ev, ok := <-events:
			if !ok {
				t.savePartial(ctx, logger, req.SessionID, text.String())
				if ctx.Err() == nil {
					h.OnError(llm.MarkRetryable(llm.ErrNoTerminalEvent))
				}
				return
			}
			switch ev.Type {
			case llm.EventStart:
				if !started {
					started = true
					h.OnStart()
				}
			case llm.EventTextDelta:
				if ev.TextDelta == "" {
					continue
				}
				text.WriteString(ev.TextDelta)
				h.OnToken(ev.TextDelta)
			case llm.EventUsage:
				if ev.Usage != nil {
					logger.DebugContext(ctx, "stream usage",
						slog.Int("input_tokens", ev.Usage.InputTokens),
						slog.Int("output_tokens", ev.Usage.OutputTokens))
				}
			case llm.EventDone:
				if ev.Done != nil && ev.Done.Reason == llm.StopReasonLength {
					logger.WarnContext(ctx, "reply truncated at max tokens", slog.Int("max_tokens", t.cfg.MaxTokens))
				}
				content := text.String()
				if strings.TrimSpace(content) == "" {
					content = EmptyReplyPlaceholder
				}
				if err := t.save(ctx, req.SessionID, content); err != nil {
					logger.ErrorContext(ctx, "save reply failed", slog.Any("error", err))
					if ctx.Err() == nil {
						h.OnError(fmt.Errorf("save reply: %w", err))
					}
					return
				}
				if ctx.Err() == nil {
					h.OnEnd()
				}
				return
			case llm.EventError:
				t.savePartial(ctx, logger, req.SessionID, text.String())
				if ctx.Err() != nil {
					return
				}
				streamErr := ev.Err
				if streamErr == nil {
					streamErr = llm.MarkRetryable(errors.New("provider reported an error without detail"))
				}
				logger.WarnContext(ctx, "stream failed", slog.Any("error", streamErr), slog.Bool("retryable", llm.IsRetryableError(streamErr)))
				h.OnError(streamErr)
				return
			}
		}
	}
}

func (t *LLMTransport) buildRequest(ctx context.Context, req conversation.StreamRequest) (*llm.Request, error) {
	hist, err := t.cfg.Persistence.FetchHistory(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || llm.IsAbort(err) {
			return nil, fmt.Errorf("load history: %w", err)
		}
		return nil, llm.MarkRetryable(fmt.Errorf("load history: %w", err))
	}

	pc := PromptContext{Now: t.cfg.Now()}
	metadata := map[string]string{
		"session_id": req.SessionID,
		"attempt":    strconv.Itoa(req.Attempt),
	}
	if t.cfg.Sessions != nil {
		info, err := t.cfg.Sessions.GetSession(ctx, req.SessionID)
		if err != nil {
			t.logger.WarnContext(ctx, "session lookup failed; using general prompt",
				slog.String("session_id", req.SessionID), slog.Any("error", err))
		} else {
			pc.WorkflowMode = info.WorkflowMode
			pc.ApplicationID = info.ApplicationID
			if info.UserID != "" {
				metadata["user_id"] = info.UserID
			}
		}
	}

	msgs := PrepareHistory(hist.Messages, req.Prompt, HistoryOptions{
		Budget:     t.cfg.ContextBudget,
		KeepRecent: t.cfg.KeepRecent,
		Limit:      t.cfg.HistoryLimit,
	})
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: nothing to send", llm.ErrInvalidRequest)
	}

	return &llm.Request{
		Model:       t.cfg.Model,
		System:      BuildSystemPrompt(pc),
		Messages:    msgs,
		MaxTokens:   t.cfg.MaxTokens,
		Temperature: t.cfg.Temperature,
		Metadata:    metadata,
	}, nil
}

// save stores an assistant reply. It outlives ctx so a reply finished as the
// caller goes away is still recorded.
func (t *LLMTransport) save(ctx context.Context, sessionID, content string) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.PersistTimeout)
	defer cancel()
	_, err := t.cfg.Persistence.SendMessage(saveCtx, sessionID, conversation.RoleAssistant, content)
	return err
}

func (t *LLMTransport) savePartial(ctx context.Context, logger *slog.Logger, sessionID, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	if err := t.save(ctx, sessionID, content); err != nil {
		logger.WarnContext(ctx, "save partial reply failed", slog.Any("error", err))
		return
	}
	logger.InfoContext(ctx, "saved partial reply", slog.Int("chars", len(content)))
}
