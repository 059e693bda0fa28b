package transport

import (
	"strings"

	"agfinbot/internal/conversation"
	"agfinbot/internal/llm"
)

const (
	DefaultContextBudget = 150000
	DefaultKeepRecent    = 10
	DefaultHistoryLimit  = 50
)

// HistoryOptions bounds the history sent with a prompt.
type HistoryOptions struct {
	// Budget is the token ceiling for the whole history.
	Budget int
	// KeepRecent messages are always kept, even over budget.
	KeepRecent int
	// Limit caps how many stored messages are considered, newest first.
	Limit int
	// Count estimates tokens. Defaults to EstimateTokens.
	Count func(string) int
}

func (o HistoryOptions) normalized() HistoryOptions {
	if o.Budget <= 0 {
		o.Budget = DefaultContextBudget
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = DefaultKeepRecent
	}
	if o.Limit <= 0 {
		o.Limit = DefaultHistoryLimit
	}
	if o.Count == nil {
		o.Count = EstimateTokens
	}
	return o
}

// PrepareHistory turns stored messages into a provider conversation that
// starts with a user turn, alternates roles, ends with the user's prompt and
// fits the token budget.
func PrepareHistory(stored []conversation.Message, prompt string, opts HistoryOptions) []llm.Message {
	opts = opts.normalized()
	if len(stored) > opts.Limit {
		stored = stored[len(stored)-opts.Limit:]
	}

	msgs := make([]llm.Message, 0, len(stored)+1)
	for _, m := range stored {
		if !m.Role.Valid() || strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = appendMerged(msgs, llm.Message{Role: llm.Role(m.Role), Text: m.Content})
	}
	if prompt = strings.TrimSpace(prompt); prompt != "" {
		if len(msgs) == 0 || msgs[len(msgs)-1].Role != llm.RoleUser {
			msgs = append(msgs, llm.UserMessage(prompt))
		}
	}

	msgs = truncateToFit(msgs, opts)
	for len(msgs) > 0 && msgs[0].Role != llm.RoleUser {
		msgs = msgs[1:]
	}
	return msgs
}

func appendMerged(msgs []llm.Message, m llm.Message) []llm.Message {
	if n := len(msgs); n > 0 && msgs[n-1].Role == m.Role {
		msgs[n-1].Text += "\n\n" + m.Text
		return msgs
	}
	return append(msgs, m)
}

// truncateToFit keeps the newest KeepRecent messages and then older ones
// while the running total fits the budget.
func truncateToFit(msgs []llm.Message, opts HistoryOptions) []llm.Message {
	counts := make([]int, len(msgs))
	total := 0
	for i, m := range msgs {
		counts[i] = opts.Count(m.Text)
		total += counts[i]
	}
	if total <= opts.Budget {
		return msgs
	}

	start := len(msgs) - opts.KeepRecent
	if start < 0 {
		start = 0
	}
	used := 0
	for _, c := range counts[start:] {
		used += c
	}
	for start > 0 && used+counts[start-1] <= opts.Budget {
		start--
		used += counts[start]
	}
	return msgs[start:]
}
