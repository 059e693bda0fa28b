// Package httpapi exposes chat sessions over HTTP with gin. Session state
// changes stream to clients as server-sent snapshot events.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agfinbot/internal/conversation"
	"agfinbot/internal/store"
	"agfinbot/internal/title"
)

// Prefix is the route prefix of every API endpoint.
const Prefix = "/api/agfin-ai-bot"

const (
	defaultHeartbeat       = 15 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

var (
	errRegistryRequired = errors.New("httpapi: registry is required")
	errCatalogRequired  = errors.New("httpapi: catalog is required")
	errHistoryRequired  = errors.New("httpapi: history reader is required")
)

// HistoryReader reads the persisted messages of a session.
type HistoryReader interface {
	FetchHistory(ctx context.Context, sessionID string) (conversation.HistoryResult, error)
}

// Options wires the API to its collaborators.
type Options struct {
	Registry *conversation.Registry
	Catalog  store.Catalog
	// History defaults to Catalog when it can also read messages.
	History HistoryReader
	// Titles is optional. Without it titles fall back to the user's message.
	Titles    *title.Service
	Logger    *slog.Logger
	Heartbeat time.Duration
}

// Server holds the gin router.
type Server struct {
	registry  *conversation.Registry
	catalog   store.Catalog
	history   HistoryReader
	titles    *title.Service
	logger    *slog.Logger
	heartbeat time.Duration
	router    *gin.Engine
}

// New validates opts and registers all routes.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errRegistryRequired
	}
	if opts.Catalog == nil {
		return nil, errCatalogRequired
	}
	history := opts.History
	if history == nil {
		reader, ok := opts.Catalog.(HistoryReader)
		if !ok {
			return nil, errHistoryRequired
		}
		history = reader
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	titles := opts.Titles
	if titles == nil {
		titles = &title.Service{Catalog: opts.Catalog, Logger: logger}
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		registry:  opts.Registry,
		catalog:   opts.Catalog,
		history:   history,
		titles:    titles,
		logger:    logger.With(slog.String("component", "httpapi")),
		heartbeat: heartbeat,
		router:    router,
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts end with ctx so event streams close on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpapi: %w", err)
	}
	return nil
}
