package anthropicprovider

import (
	anthropic "github.com/anthropics/anthropic-sdk-go"

	"agfinbot/internal/llm/core"
)

// applyStartUsage records the prompt side of message_start. Output tokens
// reported there are provisional and are replaced by message_delta.
func applyStartUsage(dst *core.Usage, usage anthropic.Usage) {
	dst.InputTokens = int(usage.InputTokens)
	dst.CacheReadTokens = int(usage.CacheReadInputTokens)
	dst.CacheWriteTokens = int(usage.CacheCreationInputTokens)
	if usage.OutputTokens > 0 {
		dst.OutputTokens = int(usage.OutputTokens)
	}
}

// applyDeltaUsage folds message_delta counters in. The delta always carries
// the cumulative output count but only sometimes repeats the prompt counters,
// so zero prompt values keep what message_start reported.
func applyDeltaUsage(dst *core.Usage, usage anthropic.MessageDeltaUsage) {
	dst.OutputTokens = int(usage.OutputTokens)
	if usage.InputTokens > 0 {
		dst.InputTokens = int(usage.InputTokens)
	}
	if usage.CacheReadInputTokens > 0 {
		dst.CacheReadTokens = int(usage.CacheReadInputTokens)
	}
	if usage.CacheCreationInputTokens > 0 {
		dst.CacheWriteTokens = int(usage.CacheCreationInputTokens)
	}
}
