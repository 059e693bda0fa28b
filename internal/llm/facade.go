package llm

import (
	"context"
	"time"

	anthropicprovider "agfinbot/internal/llm/providers/anthropic"
	mockprovider "agfinbot/internal/llm/providers/mock"

	"agfinbot/internal/llm/core"
)

type (
	// Provider is the public streaming provider contract.
	Provider = core.Provider

	// EventType enumerates stream event variants.
	EventType   = core.EventType
	RetryPolicy = core.RetryPolicy

	// Request and Event payload aliases define the public stream protocol.
	Request     = core.Request
	DonePayload = core.DonePayload
	Event       = core.Event

	// Conversation-model aliases.
	Role       = core.Role
	StopReason = core.StopReason
	Message    = core.Message
	Usage      = core.Usage

	// Anthropic* aliases expose provider-specific configuration and implementation.
	AnthropicConfig   = anthropicprovider.Config
	AnthropicProvider = anthropicprovider.Provider

	// MockProvider emits scripted events for tests.
	MockProvider = mockprovider.Provider
)

const (
	EventStart     = core.EventStart
	EventTextDelta = core.EventTextDelta
	EventUsage     = core.EventUsage
	EventDone      = core.EventDone
	EventError     = core.EventError

	RoleUser      = core.RoleUser
	RoleAssistant = core.RoleAssistant

	StopReasonStop    = core.StopReasonStop
	StopReasonLength  = core.StopReasonLength
	StopReasonError   = core.StopReasonError
	StopReasonAborted = core.StopReasonAborted
)

var (
	// ErrInvalidRequest indicates malformed canonical request payloads.
	ErrInvalidRequest = core.ErrInvalidRequest
	// ErrMissingAPIKey indicates missing Anthropic API credentials.
	ErrMissingAPIKey = core.ErrMissingAPIKey
	// ErrEmptyResponse indicates a completed stream carried no text.
	ErrEmptyResponse = core.ErrEmptyResponse
	// ErrNoTerminalEvent indicates a stream closed without done or error.
	ErrNoTerminalEvent = core.ErrNoTerminalEvent
)

// NewAnthropicProvider constructs an Anthropic provider with normalized defaults.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	return anthropicprovider.New(cfg)
}

// UserMessage builds a user turn.
func UserMessage(text string) Message { return core.UserMessage(text) }

// AssistantMessage builds an assistant turn.
func AssistantMessage(text string) Message { return core.AssistantMessage(text) }

// MarkRetryable wraps err so reconnect logic treats it as transient.
func MarkRetryable(err error) error { return core.MarkRetryable(err) }

// IsRetryableError reports whether err was marked retryable.
func IsRetryableError(err error) bool { return core.IsRetryableError(err) }

// IsAbort reports whether err came from context cancellation.
func IsAbort(err error) bool { return core.IsAbort(err) }

// NormalizeRetryPolicy fills unset retry settings with defaults.
func NormalizeRetryPolicy(p RetryPolicy) RetryPolicy { return core.NormalizeRetryPolicy(p) }

// ComputeBackoffDelay returns jittered exponential backoff for attempt.
func ComputeBackoffDelay(p RetryPolicy, attempt int) time.Duration {
	return core.ComputeBackoffDelay(p, attempt)
}

// SleepContext waits for delay unless ctx is canceled first.
func SleepContext(ctx context.Context, delay time.Duration) error {
	return core.SleepContext(ctx, delay)
}

// Retry runs op with backoff while shouldRetry accepts its error.
func Retry(ctx context.Context, p RetryPolicy, shouldRetry func(error) bool, op func(context.Context) error) error {
	return core.Retry(ctx, p, shouldRetry, op)
}

// CollectText drains a stream into its concatenated text.
func CollectText(ctx context.Context, events <-chan Event) (string, error) {
	return core.CollectText(ctx, events)
}
