// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/quill/internal/api"
	"github.com/starford/quill/internal/draft"
	"github.com/starford/quill/internal/mcpserver"
	"github.com/starford/quill/internal/models"
	"github.com/starford/quill/internal/notestore"
	"github.com/starford/quill/internal/sse"
	"github.com/starford/quill/internal/storage"
)

// runtime is what both entry points share: a logger, an open backend and a
// loaded store.
type runtime struct {
	cfg     *Config
	logger  *slog.Logger
	backend storage.Backend
	dir     *storage.Dir // non-nil for the dir driver
	store   *notestore.Store
	close   func()
}

func setup(ctx context.Context, defaultOut io.Writer, opts ...Option) (*runtime, error) {
	app := &application{logOutput: defaultOut}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("storage_driver", cfg.Storage.Driver),
		slog.String("log_level", cfg.App.LogLevel.String()))

	rt := &runtime{cfg: cfg, logger: logger, close: func() {}}

	if app.backend != nil {
		rt.backend = app.backend
		rt.dir, _ = app.backend.(*storage.Dir)
	} else {
		backend, err := openBackend(cfg.Storage)
		if err != nil {
			return nil, err
		}
		rt.backend = backend
		rt.dir, _ = backend.(*storage.Dir)
		rt.close = func() {
			if err := backend.Close(); err != nil {
				logger.Error("storage close failed", slog.String("error", err.Error()))
			}
		}
	}

	rt.store = notestore.New(rt.backend, logger)
	// A failed load is not fatal: the store starts empty, reports the error
	// to every live query and recovers on the next successful reload.
	_ = rt.store.Load(ctx)

	return rt, nil
}

// openBackend opens the persistence backend selected by cfg.Driver.
func openBackend(cfg StorageConfig) (storage.Backend, error) {
	switch cfg.Driver {
	case DriverDir:
		if err := os.MkdirAll(cfg.Dir.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create notes dir: %w", err)
		}
		d, err := storage.NewDir(cfg.Dir.Path)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		return d, nil
	case DriverSQLite, "":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := storage.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// watch reloads the store whenever another program changes the notes
// directory. It returns when ctx is done.
func (rt *runtime) watch(ctx context.Context) error {
	if rt.dir == nil || !rt.cfg.Storage.Dir.Watch {
		return nil
	}
	return storage.Watch(ctx, rt.dir.Root(), storage.DefaultWatchQuiet, rt.dir.Foreign, rt.logger, func() {
		if err := rt.store.Reload(ctx); err != nil {
			rt.logger.Warn("watcher: reload failed", slog.String("error", err.Error()))
		}
	})
}

// newHTTPHandler builds the root router: middleware, health checks and the
// API under /api.
func newHTTPHandler(cfg *Config, store *notestore.Store, drafts *draft.Registry, broker *sse.Broker) http.Handler {
	apiRouter := api.NewRouter(store, drafts, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !store.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	return r
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	rt, err := setup(ctx, os.Stdout, opts...)
	if err != nil {
		return err
	}
	defer rt.close()

	cfg, logger, store := rt.cfg, rt.logger, rt.store

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()
	store.OnChange(func(c models.Change) {
		broker.PublishChange(c, store.Len())
	})

	drafts := draft.NewRegistry(ctx, store,
		draft.WithDebounce(cfg.Draft.Debounce),
		draft.WithLogger(logger),
	)

	// Streaming requests are cancelled through this context on shutdown.
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           newHTTPHandler(cfg, store, drafts, broker),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start directory watcher.
	g.Go(func() error {
		if err := rt.watch(gCtx); err != nil {
			logger.Error("watcher: failed", slog.String("error", err.Error()))
		}
		return nil
	})

	// Close draft sessions abandoned by their clients.
	g.Go(func() error {
		return drafts.RunSweeper(gCtx, cfg.Draft.IdleTimeout, logger)
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cancelBase()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		if err := drafts.CloseAll(shutdownCtx); err != nil {
			logger.Error("draft flush on shutdown failed", slog.String("error", err.Error()))
		}

		// Unblock the watcher if shutdown came from a signal.
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools over stdin/stdout until stdin closes.
// Logs go to stderr so they never mix with the protocol stream.
func RunMCP(ctx context.Context, opts ...Option) error {
	rt, err := setup(ctx, os.Stderr, opts...)
	if err != nil {
		return err
	}
	defer rt.close()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := rt.watch(watchCtx); err != nil {
			rt.logger.Error("watcher: failed", slog.String("error", err.Error()))
		}
	}()

	rt.logger.Info("MCP server starting on stdio")
	if err := mcpserver.New(rt.store).ServeStdio(); err != nil {
		return fmt.Errorf("mcp server error: %w", err)
	}
	return nil
}
