// ABOUTME: Gateway orchestrator that wires stores, the stream registry, and the chat pipeline
// ABOUTME: Owns the HTTP server lifecycle and the health endpoints

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/agent-relay/internal/chat"
	"github.com/2389/agent-relay/internal/config"
	"github.com/2389/agent-relay/internal/pacing"
	"github.com/2389/agent-relay/internal/store"
	"github.com/2389/agent-relay/internal/stream"
	"github.com/2389/agent-relay/internal/upstream"
)

// shutdownTimeout bounds graceful shutdown once the run context is done.
const shutdownTimeout = 5 * time.Second

// Gateway serves the relay's HTTP API.
type Gateway struct {
	config     *config.Config
	messages   store.MessageStore
	logStore   store.LogStore // nil when the registry is memory-only or disabled
	streams    *stream.Registry
	chat       *chat.Service
	httpServer *http.Server
	logger     *slog.Logger

	// baseCtx parents every request context; cancelling it ends open streams
	// so shutdown does not wait on long-lived SSE connections.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStores opens the message store and the stream log store selected by
// registry.backend. The sqlite backend shares the message database when the
// paths match.
func initStores(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, store.LogStore, error) {
	messages, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening message store: %w", err)
	}

	var logStore store.LogStore
	switch cfg.Registry.Backend {
	case config.BackendSQLite:
		if cfg.Registry.Path == cfg.Database.Path {
			logStore = messages
			break
		}
		logStore, err = store.NewSQLiteStore(cfg.Registry.Path)
	case config.BackendBadger:
		logStore, err = store.NewBadgerStore(store.BadgerOptions{
			Dir:    cfg.Registry.Path,
			Logger: logger,
		})
	case config.BackendMemory:
		logStore = store.NewMemoryStore()
	case config.BackendNone:
	}
	if err != nil {
		_ = messages.Close()
		return nil, nil, fmt.Errorf("opening stream log store: %w", err)
	}

	return messages, logStore, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	shape, err := upstream.ParseShape(cfg.Upstream.Shape)
	if err != nil {
		return nil, err
	}
	framing, err := upstream.ParseFrameMode(cfg.Upstream.Framing)
	if err != nil {
		return nil, err
	}

	messages, logStore, err := initStores(cfg, logger)
	if err != nil {
		return nil, err
	}

	streams := stream.NewRegistry(stream.Options{
		Store:             logStore,
		Passthrough:       cfg.Registry.Backend == config.BackendNone,
		Retention:         cfg.Registry.Retention,
		PollInterval:      cfg.Registry.PollInterval,
		IdleTimeout:       cfg.Registry.IdleTimeout,
		AbortOnDisconnect: cfg.Registry.AbortOnDisconnect,
		Logger:            logger,
	})

	client := upstream.NewClient(upstream.ClientConfig{
		Endpoint:      cfg.Upstream.Endpoint,
		Shape:         shape,
		Framing:       framing,
		Headers:       cfg.Upstream.Headers,
		HeaderTimeout: cfg.Upstream.Timeout,
	}, logger)

	chatService := chat.New(messages, client, streams, pacing.New(cfg.Pacing.MinInterval), logger)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	gw := &Gateway{
		config:     cfg,
		messages:   messages,
		logStore:   logStore,
		streams:    streams,
		chat:       chatService,
		logger:     logger.With("component", "gateway"),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	return gw, nil
}

// Handler returns the HTTP routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("POST /api/chat", g.handleChat)
	mux.HandleFunc("GET /api/chat/stream", g.handleResumeChat)
	mux.HandleFunc("GET /api/streams/{id}", g.handleResumeStream)
	mux.HandleFunc("DELETE /api/streams/{id}", g.handleAbortStream)
	mux.HandleFunc("GET /api/chats/{id}/messages", g.handleChatMessages)

	return mux
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening",
			"addr", ln.Addr().String(),
			"upstream", g.config.Upstream.Endpoint,
			"shape", g.config.Upstream.Shape,
			"registry", g.config.Registry.Backend)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the server, aborts running generations, and closes stores.
// Later calls return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		g.baseCancel()
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		// Waits for stream writers, which persist their final records.
		g.streams.Close()
		g.chat.Close()

		// The sqlite backend may share one handle for both roles.
		if g.logStore != nil && any(g.logStore) != any(g.messages) {
			errs = appendCloseError(errs, "stream log close", g.logStore.Close())
		}
		errs = appendCloseError(errs, "message store close", g.messages.Close())

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the stores answer.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.messages.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "store", "messages", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("message store unavailable"))
		return
	}
	if g.logStore != nil {
		if err := g.logStore.Ping(ctx); err != nil {
			// Generations fall back to passthrough.
			g.logger.Warn("readiness check degraded", "store", "streams", "error", err)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready (resume unavailable)"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
