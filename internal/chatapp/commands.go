// Package chatapp runs an interactive terminal chat over a conversation
// engine.
package chatapp

import (
	"context"
	"fmt"
	"strings"
)

// ExecuteSlashCommand parses and handles one slash command.
func ExecuteSlashCommand(ctx context.Context, content string, env CommandEnv) {
	if env.Session == nil {
		appendError(env, "session is not initialized")
		return
	}

	parts := strings.Fields(strings.TrimSpace(content))
	if len(parts) == 0 {
		return
	}
	command := strings.TrimPrefix(parts[0], "/")
	args := parts[1:]

	switch command {
	case "help":
		appendOutput(env, strings.Join([]string{
			"Slash commands:",
			"/help",
			"/session",
			"/sessions",
			"/history",
			"/stop",
			"/regenerate",
			"/edit <message-id> <text>",
			"/fix <message-id> <text>",
			"/reload",
			"/clear",
			"/dismiss",
			"/title <text>",
			"/quit",
		}, "\n"))
	case "session":
		snap := env.Session.Snapshot()
		appendOutput(env, fmt.Sprintf(
			"session=%s messages=%d typing=%t streaming=%t regenerating=%t editing=%q error=%q",
			snap.SessionID,
			len(snap.Messages),
			snap.IsTyping,
			snap.IsStreaming,
			snap.IsRegenerating,
			snap.EditingMessageID,
			snap.Error,
		))
	case "sessions":
		if env.Catalog == nil {
			appendError(env, "session catalog is not available")
			return
		}
		infos, err := env.Catalog.ListSessions(ctx, "", 20)
		if err != nil {
			appendError(env, err.Error())
			return
		}
		if len(infos) == 0 {
			appendOutput(env, "No sessions found.")
			return
		}
		current := env.Session.Snapshot().SessionID
		lines := make([]string, 0, len(infos)+1)
		lines = append(lines, "Sessions:")
		for _, info := range infos {
			marker := " "
			if info.ID == current {
				marker = "*"
			}
			lines = append(lines, fmt.Sprintf("%s %s %q (%s)", marker, info.ID, info.Title, info.UpdatedAt.Format("2006-01-02 15:04")))
		}
		appendOutput(env, strings.Join(lines, "\n"))
	case "history":
		snap := env.Session.Snapshot()
		if len(snap.Messages) == 0 {
			appendOutput(env, "No messages yet.")
			return
		}
		lines := make([]string, 0, len(snap.Messages))
		for _, msg := range snap.Messages {
			lines = append(lines, fmt.Sprintf("[%s] %s: %s", msg.ID, msg.Role, msg.Content))
		}
		appendOutput(env, strings.Join(lines, "\n"))
	case "stop":
		if env.Session.Stop() {
			appendOutput(env, "Stopped.")
		} else {
			appendOutput(env, "Nothing is streaming.")
		}
	case "regenerate":
		if err := env.Session.RegenerateLast(ctx); err != nil {
			appendError(env, err.Error())
		}
	case "edit", "fix":
		if len(args) < 2 {
			appendError(env, "usage: /"+command+" <message-id> <text>")
			return
		}
		text := strings.Join(args[1:], " ")
		if err := env.Session.CommitEdit(ctx, args[0], text, command == "edit"); err != nil {
			appendError(env, err.Error())
			return
		}
		if command == "fix" {
			appendOutput(env, "Message "+args[0]+" updated.")
		}
	case "reload":
		if err := env.Session.LoadHistory(ctx); err != nil {
			appendError(env, err.Error())
			return
		}
		appendOutput(env, fmt.Sprintf("Loaded %d messages.", len(env.Session.Snapshot().Messages)))
	case "clear":
		if err := env.Session.Clear(ctx); err != nil {
			appendError(env, err.Error())
			return
		}
		appendOutput(env, "Conversation cleared.")
	case "dismiss":
		env.Session.DismissError()
	case "title":
		if env.Catalog == nil {
			appendError(env, "session catalog is not available")
			return
		}
		if len(args) == 0 {
			appendError(env, "usage: /title <text>")
			return
		}
		id := env.Session.Snapshot().SessionID
		name := strings.Join(args, " ")
		if err := env.Catalog.SetTitle(ctx, id, name); err != nil {
			appendError(env, err.Error())
			return
		}
		appendOutput(env, fmt.Sprintf("Session title set to %q.", name))
	case "quit", "exit":
		if env.Quit != nil {
			env.Quit()
		}
	default:
		appendError(env, "unknown slash command: /"+command)
	}
}

func appendOutput(env CommandEnv, text string) {
	if env.Print != nil {
		env.Print(text)
	}
}

func appendError(env CommandEnv, errText string) {
	if env.PrintError != nil {
		env.PrintError(errText)
	}
}
