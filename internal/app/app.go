// Package app assembles the chat runtime from configuration: storage,
// model provider, conversation engines and the title service.
package app

import (
	"fmt"
	"log/slog"
	"strings"

	"agfinbot/internal/config"
	"agfinbot/internal/conversation"
	"agfinbot/internal/httpapi"
	"agfinbot/internal/llm"
	"agfinbot/internal/store"
	"agfinbot/internal/store/jsonlstore"
	"agfinbot/internal/store/sqlstore"
	"agfinbot/internal/title"
	"agfinbot/internal/transport"
)

// App owns the long-lived collaborators of one process.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Backend  store.Backend
	Provider llm.Provider
	Registry *conversation.Registry
	Titles   *title.Service
}

// New opens storage and builds the Anthropic provider from cfg.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	provider, err := NewProvider(cfg.Provider.Anthropic)
	if err != nil {
		return nil, err
	}
	return NewWithProvider(cfg, logger, provider)
}

// NewWithProvider is New with a caller-supplied provider.
func NewWithProvider(cfg config.Config, logger *slog.Logger, provider llm.Provider) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	chat, err := cfg.ChatSettings()
	if err != nil {
		return nil, err
	}
	storage, err := cfg.StorageSettings()
	if err != nil {
		return nil, err
	}
	backend, err := OpenBackend(storage, logger)
	if err != nil {
		return nil, err
	}

	anthropic := cfg.Provider.Anthropic
	tr, err := transport.New(transport.Config{
		Provider:      provider,
		Persistence:   backend,
		Sessions:      backend,
		Model:         anthropic.Model,
		MaxTokens:     anthropic.MaxTokens,
		Temperature:   anthropic.Temperature,
		ContextBudget: chat.ContextBudget,
		KeepRecent:    chat.KeepRecent,
		HistoryLimit:  chat.HistoryLimit,
		Logger:        logger,
	})
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("build transport: %w", err)
	}

	reconnect := llm.RetryPolicy{
		MaxRetries: disabledWhenZero(chat.StreamReconnects),
		BaseDelay:  chat.ReconnectBaseDelay,
		MaxDelay:   chat.ReconnectMaxDelay,
	}
	registry, err := conversation.NewRegistry(conversation.RegistryConfig{
		Factory: func(sessionID string) (*conversation.Engine, error) {
			return conversation.New(conversation.Config{
				SessionID:    sessionID,
				Persistence:  backend,
				Transport:    tr,
				Reconnect:    reconnect,
				FetchTimeout: chat.FetchTimeout,
				Logger:       logger,
			})
		},
		IdleTTL: chat.IdleTTL,
		Logger:  logger,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Backend:  backend,
		Provider: provider,
		Registry: registry,
		Titles: &title.Service{
			Generator: &title.Generator{Provider: provider, Model: anthropic.TitleModel},
			Catalog:   backend,
			Logger:    logger,
		},
	}, nil
}

// NewProvider builds the Anthropic provider. Provider-level retries are
// disabled because conversation engines reconnect failed streams.
func NewProvider(cfg config.AnthropicProviderConfig) (llm.Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, llm.ErrMissingAPIKey
	}
	return llm.NewAnthropicProvider(llm.AnthropicConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Version: cfg.Version,
		Retry:   llm.RetryPolicy{MaxRetries: -1},
	}), nil
}

// OpenBackend opens the configured store and wraps its writes with retries.
func OpenBackend(settings config.StorageSettings, logger *slog.Logger) (store.Backend, error) {
	var (
		backend store.Backend
		err     error
	)
	switch settings.Driver {
	case "jsonl":
		backend, err = jsonlstore.New(settings.Dir)
	default:
		backend, err = sqlstore.Open(settings.Driver, settings.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", settings.Driver, err)
	}
	logger.Info("storage opened", slog.String("driver", settings.Driver))
	return store.NewRetrying(backend, store.RetryConfig{
		Retries:   disabledWhenZero(settings.RetryAttempts),
		BaseDelay: settings.RetryBaseDelay,
		Logger:    logger,
	}), nil
}

// HTTPServer builds the HTTP API over the app's registry.
func (a *App) HTTPServer() (*httpapi.Server, error) {
	return httpapi.New(httpapi.Options{
		Registry: a.Registry,
		Catalog:  a.Backend,
		History:  a.Backend,
		Titles:   a.Titles,
		Logger:   a.Logger,
	})
}

// Close cancels active turns and closes storage.
func (a *App) Close() error {
	a.Registry.Close()
	if err := a.Backend.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	return nil
}

// disabledWhenZero maps a configured count of zero to a negative retry
// budget, which llm.RetryPolicy treats as disabled.
func disabledWhenZero(n int) int {
	if n == 0 {
		return -1
	}
	return n
}
