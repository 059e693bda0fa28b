package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"agfinbot/internal/conversation"
	"agfinbot/internal/llm"
)

const (
	defaultRetries        = 2
	defaultRetryBaseDelay = 50 * time.Millisecond
	defaultRetryMaxDelay  = time.Second
)

// Retrying retries message writes against a backend with exponential
// backoff. Reads and catalog calls pass straight through.
type Retrying struct {
	Backend
	policy llm.RetryPolicy
	logger *slog.Logger
}

// RetryConfig tunes the write retry loop. Retries < 0 disables retrying.
type RetryConfig struct {
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Logger    *slog.Logger
}

// NewRetrying wraps backend.
func NewRetrying(backend Backend, cfg RetryConfig) *Retrying {
	policy := llm.RetryPolicy{MaxRetries: cfg.Retries, BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay}
	if policy.MaxRetries == 0 {
		policy.MaxRetries = defaultRetries
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaultRetryBaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaultRetryMaxDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Retrying{Backend: backend, policy: llm.NormalizeRetryPolicy(policy), logger: logger}
}

// SendMessage implements conversation.Persistence.
func (r *Retrying) SendMessage(ctx context.Context, sessionID string, role conversation.Role, content string) (conversation.SendResult, error) {
	var out conversation.SendResult
	err := r.do(ctx, "send_message", func(ctx context.Context) error {
		res, err := r.Backend.SendMessage(ctx, sessionID, role, content)
		if err == nil {
			out = res
		}
		return err
	})
	return out, err
}

// EditMessage implements conversation.Persistence.
func (r *Retrying) EditMessage(ctx context.Context, messageID, content string, regenerate bool) (conversation.EditResult, error) {
	var out conversation.EditResult
	err := r.do(ctx, "edit_message", func(ctx context.Context) error {
		res, err := r.Backend.EditMessage(ctx, messageID, content, regenerate)
		if err == nil {
			out = res
		}
		return err
	})
	return out, err
}

func (r *Retrying) do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	return llm.Retry(ctx, r.policy, retryableWrite, func(ctx context.Context) error {
		if attempt > 0 {
			r.logger.WarnContext(ctx, "retrying storage write", slog.String("op", op), slog.Int("attempt", attempt))
		}
		attempt++
		return fn(ctx)
	})
}

func retryableWrite(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidRole),
		errors.Is(err, conversation.ErrSessionIDRequired),
		llm.IsAbort(err):
		return false
	default:
		return true
	}
}
