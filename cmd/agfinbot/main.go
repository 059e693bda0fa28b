package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"agfinbot/internal/app"
	"agfinbot/internal/chatapp"
	"agfinbot/internal/config"
	"agfinbot/internal/conversation"
	"agfinbot/internal/httpapi"
	"agfinbot/internal/logging"
	"agfinbot/internal/store"
)

func main() {
	if err := execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "agfinbot: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "agfinbot",
		Short:         "agfinbot is the AgFin AI farm-loan chat assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	load := func() (config.Config, error) {
		cfg, err := config.Load(config.LoadOptions{Path: strings.TrimSpace(configPath)})
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	cmd.AddCommand(newServeCmd(load), newChatCmd(load), newSchemaCmd())
	return cmd
}

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Log, cmd.ErrOrStderr())

			a, err := app.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error("shutdown", slog.Any("error", err))
				}
			}()

			srv, err := a.HTTPServer()
			if err != nil {
				return fmt.Errorf("build http server: %w", err)
			}
			ctx := cmd.Context()
			go a.Registry.Run(ctx)
			return srv.Serve(ctx, cfg.Server.Addr)
		},
	}
}

func newChatCmd(load func() (config.Config, error)) *cobra.Command {
	var (
		sessionID     string
		userID        string
		workflowMode  string
		applicationID string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Log, cmd.ErrOrStderr())

			a, err := app.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			defer func() { _ = a.Close() }()

			ctx := cmd.Context()
			id := strings.TrimSpace(sessionID)
			if id == "" {
				info, err := a.Backend.CreateSession(ctx, store.NewSession{
					UserID:        userID,
					WorkflowMode:  workflowMode,
					ApplicationID: applicationID,
				})
				if err != nil {
					return fmt.Errorf("create session: %w", err)
				}
				id = info.ID
			} else if _, err := a.Backend.GetSession(ctx, id); err != nil {
				return fmt.Errorf("open session %s: %w", id, err)
			}

			engine, err := a.Registry.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("load session: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "session %s (type /help for commands)\n", id)
			if err := chatapp.RunREPL(ctx, chatapp.REPLConfig{
				Session: engine,
				Catalog: a.Backend,
				In:      cmd.InOrStdin(),
				Out:     cmd.OutOrStdout(),
			}); err != nil {
				return err
			}

			titleAfterFirstExchange(context.WithoutCancel(ctx), a, engine.Snapshot(), logger)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Resume an existing session id")
	cmd.Flags().StringVar(&userID, "user", "", "User id for a new session")
	cmd.Flags().StringVar(&workflowMode, "workflow", "", "Workflow mode for a new session")
	cmd.Flags().StringVar(&applicationID, "application", "", "Application id for a new session")
	return cmd
}

// titleAfterFirstExchange names a session that still has the default title
// from its first user and assistant messages.
func titleAfterFirstExchange(ctx context.Context, a *app.App, snap conversation.Snapshot, logger *slog.Logger) {
	var user, assistant string
	for _, msg := range snap.Messages {
		switch {
		case msg.Role == conversation.RoleUser && user == "":
			user = msg.Content
		case msg.Role == conversation.RoleAssistant && user != "" && assistant == "":
			assistant = msg.Content
		}
	}
	if user == "" || assistant == "" {
		return
	}
	if _, err := a.Titles.Apply(ctx, snap.SessionID, user, assistant); err != nil {
		logger.Warn("title session", slog.String("session_id", snap.SessionID), slog.Any("error", err))
	}
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print JSON schemas of the HTTP API types",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(httpapi.Schemas())
		},
	}
}
