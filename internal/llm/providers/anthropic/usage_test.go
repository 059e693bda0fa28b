package anthropicprovider

import (
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"agfinbot/internal/llm/core"
)

func TestDeltaUsageKeepsPromptCountsFromStart(t *testing.T) {
	t.Parallel()

	var usage core.Usage
	applyStartUsage(&usage, anthropic.Usage{InputTokens: 42, OutputTokens: 1, CacheReadInputTokens: 8})
	applyDeltaUsage(&usage, anthropic.MessageDeltaUsage{OutputTokens: 17})

	want := core.Usage{InputTokens: 42, OutputTokens: 17, CacheReadTokens: 8}
	if usage != want {
		t.Fatalf("usage = %+v, want %+v", usage, want)
	}
}
