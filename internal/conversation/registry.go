package conversation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultIdleTTL is how long an idle engine stays cached.
	DefaultIdleTTL = 30 * time.Minute
	// DefaultSweepInterval is how often Run looks for idle engines.
	DefaultSweepInterval = time.Minute
)

// EngineFactory builds an engine bound to sessionID.
type EngineFactory func(sessionID string) (*Engine, error)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Factory       EngineFactory
	IdleTTL       time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

type registryEntry struct {
	engine   *Engine
	lastUsed time.Time
}

// Registry keeps one Engine per session and evicts engines that have been
// idle longer than the TTL.
type Registry struct {
	factory  EngineFactory
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	engines map[string]*registryEntry
}

// NewRegistry validates cfg and returns an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Factory == nil {
		return nil, ErrRegistryFactoryEmpty
	}
	r := &Registry{
		factory:  cfg.Factory,
		ttl:      cfg.IdleTTL,
		interval: cfg.SweepInterval,
		logger:   cfg.Logger,
		now:      cfg.Now,
		engines:  make(map[string]*registryEntry),
	}
	if r.ttl <= 0 {
		r.ttl = DefaultIdleTTL
	}
	if r.interval <= 0 {
		r.interval = DefaultSweepInterval
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.logger = r.logger.With(slog.String("component", "conversation.registry"))
	return r, nil
}

// Get returns the engine for sessionID, creating it and loading its history
// on first use.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Engine, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}

	r.mu.Lock()
	if entry, ok := r.engines[sessionID]; ok {
		entry.lastUsed = r.now()
		r.mu.Unlock()
		return entry.engine, nil
	}
	r.mu.Unlock()

	engine, err := r.factory(sessionID)
	if err != nil {
		return nil, err
	}
	if err := engine.LoadHistory(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// another caller may have won the race
	if entry, ok := r.engines[sessionID]; ok {
		entry.lastUsed = r.now()
		engine.Close()
		return entry.engine, nil
	}
	r.engines[sessionID] = &registryEntry{engine: engine, lastUsed: r.now()}
	r.logger.Debug("engine created", slog.String("session_id", sessionID))
	return engine, nil
}

// Lookup returns a cached engine without creating one.
func (r *Registry) Lookup(sessionID string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.engines[sessionID]
	if !ok {
		return nil, false
	}
	entry.lastUsed = r.now()
	return entry.engine, true
}

// Remove closes and forgets the engine for sessionID.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	entry, ok := r.engines[sessionID]
	delete(r.engines, sessionID)
	r.mu.Unlock()
	if ok {
		entry.engine.Close()
	}
}

// Len returns the number of cached engines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}

// Sweep evicts engines idle for longer than the TTL. Busy engines and
// engines with live subscribers, such as an open event stream, are kept and
// their idle clock restarts.
func (r *Registry) Sweep() int {
	now := r.now()
	cutoff := now.Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, entry := range r.engines {
		if entry.lastUsed.After(cutoff) {
			continue
		}
		if entry.engine.Busy() || entry.engine.Watched() {
			entry.lastUsed = now
			continue
		}
		delete(r.engines, id)
		removed++
	}
	return removed
}

// Run sweeps on every interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "registry sweeper stopping")
			return
		case <-ticker.C:
			if removed := r.Sweep(); removed > 0 {
				r.logger.InfoContext(ctx, "evicted idle engines",
					slog.Int("removed", removed),
					slog.Int("remaining", r.Len()),
				)
			}
		}
	}
}

// Close cancels every active turn and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	engines := r.engines
	r.engines = make(map[string]*registryEntry)
	r.mu.Unlock()
	for _, entry := range engines {
		entry.engine.Close()
	}
}
