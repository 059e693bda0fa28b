// Package title names chat sessions from their first exchange.
package title

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"agfinbot/internal/llm"
	"agfinbot/internal/store"
)

const (
	DefaultMaxLength = 50
	maxInputRunes    = 500
	titleMaxTokens   = 50
	titleSystem      = "You are a title generator. Output only the title, nothing else."
)

const promptTemplate = `Generate a brief, descriptive title (5-8 words max) for this conversation based on the first exchange.
The title should:
- Capture the main topic or intent
- Include relevant names, entities, or specifics if mentioned
- Be concise and scannable for a sidebar list
- NOT include quotes around the title
- NOT start with "Title:" or similar prefixes

Examples of good titles:
- "John Smith Farm Loan Application"
- "Corn Yield Documentation Review"
- "Missing Tax Records Follow-up"
- "2024 Operating Budget Questions"

USER MESSAGE:
%s

ASSISTANT RESPONSE:
%s

Generate only the title, nothing else:`

// ErrEmptyExchange reports a title request without both sides of the exchange.
var ErrEmptyExchange = errors.New("title: user message and assistant response are required")

// Generator asks a provider for session titles.
type Generator struct {
	Provider  llm.Provider
	Model     string
	MaxLength int
}

// Generate returns a short title for the exchange.
func (g *Generator) Generate(ctx context.Context, userMessage, assistantResponse string) (string, error) {
	if strings.TrimSpace(userMessage) == "" || strings.TrimSpace(assistantResponse) == "" {
		return "", ErrEmptyExchange
	}
	events, err := g.Provider.Stream(ctx, &llm.Request{
		Model:     g.Model,
		System:    titleSystem,
		MaxTokens: titleMaxTokens,
		Messages: []llm.Message{llm.UserMessage(fmt.Sprintf(promptTemplate,
			clip(userMessage, maxInputRunes), clip(assistantResponse, maxInputRunes)))},
	})
	if err != nil {
		return "", fmt.Errorf("title: stream: %w", err)
	}
	text, err := llm.CollectText(ctx, events)
	if err != nil {
		return "", fmt.Errorf("title: collect: %w", err)
	}

	maxLen := g.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	title := strings.Trim(strings.TrimSpace(text), `"'`)
	if r := []rune(title); len(r) > maxLen {
		title = string(r[:maxLen-3]) + "..."
	}
	if title == "" {
		return store.DefaultTitle, nil
	}
	return title, nil
}

// Fallback derives a title from the user's message, cutting at a word
// boundary when the message is longer than maxLen.
func Fallback(userMessage string, maxLen int) string {
	if maxLen <= 3 {
		maxLen = DefaultMaxLength
	}
	clean := strings.Join(strings.Fields(userMessage), " ")
	if clean == "" {
		return store.DefaultTitle
	}
	runes := []rune(clean)
	if len(runes) <= maxLen {
		return clean
	}
	truncated := runes[:maxLen-3]
	if cut := lastSpace(truncated); cut > maxLen/2 {
		truncated = truncated[:cut]
	}
	return string(truncated) + "..."
}

func lastSpace(r []rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == ' ' {
			return i
		}
	}
	return -1
}

func clip(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}

// Result reports the title a session ended up with.
type Result struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	Generated bool   `json:"generated"`
}

// Service titles sessions in a catalog.
type Service struct {
	Generator *Generator
	Catalog   store.Catalog
	Logger    *slog.Logger
}

// Apply titles a session that still has the default title. Sessions with a
// custom title are returned unchanged. Generation failures fall back to the
// user's message.
func (s *Service) Apply(ctx context.Context, sessionID, userMessage, assistantResponse string) (Result, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if strings.TrimSpace(userMessage) == "" || strings.TrimSpace(assistantResponse) == "" {
		return Result{}, ErrEmptyExchange
	}
	info, err := s.Catalog.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if !info.HasDefaultTitle() {
		return Result{SessionID: sessionID, Title: info.Title}, nil
	}

	maxLen := DefaultMaxLength
	if s.Generator != nil && s.Generator.MaxLength > 0 {
		maxLen = s.Generator.MaxLength
	}
	res := Result{SessionID: sessionID, Generated: true}
	if s.Generator == nil || s.Generator.Provider == nil {
		res.Title, res.Generated = Fallback(userMessage, maxLen), false
	} else if res.Title, err = s.Generator.Generate(ctx, userMessage, assistantResponse); err != nil {
		logger.WarnContext(ctx, "title generation failed; using fallback",
			slog.String("session_id", sessionID), slog.Any("error", err))
		res.Title, res.Generated = Fallback(userMessage, maxLen), false
	}

	if err := s.Catalog.SetTitle(ctx, sessionID, res.Title); err != nil {
		return Result{}, err
	}
	logger.InfoContext(ctx, "session titled", slog.String("session_id", sessionID), slog.String("title", res.Title))
	return res, nil
}
