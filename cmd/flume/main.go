package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/corvid-labs/flume/internal/dispatch"
	"github.com/corvid-labs/flume/internal/engine"
	"github.com/corvid-labs/flume/internal/handler"
	"github.com/corvid-labs/flume/internal/logging"
	"github.com/corvid-labs/flume/internal/server"
	"github.com/corvid-labs/flume/internal/store"
	"github.com/corvid-labs/flume/internal/streaming"
	flumemcp "github.com/corvid-labs/flume/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "flume: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	registry, err := buildRegistry(logger)
	if err != nil {
		return fmt.Errorf("build handler registry: %w", err)
	}

	hub := streaming.NewMemoryHub()
	eng, err := engine.New(s, registry, hub, engine.Config{
		PoolSize:          cfg.PoolSize,
		HeartbeatInterval: duration(cfg.HeartbeatInterval, engine.DefaultHeartbeatInterval),
	}, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer eng.Shutdown()

	dispatcher := dispatch.NewDispatcher(eng, s, logger)

	sweeper := dispatch.NewSweeper(s, eng, dispatch.SweeperConfig{
		SweepInterval: duration(cfg.SweepInterval, dispatch.DefaultSweepInterval),
		StallAfter:    duration(cfg.StallAfter, dispatch.DefaultStallAfter),
	}, logger)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	srv := server.New(server.Deps{
		Store:      s,
		Engine:     eng,
		Dispatcher: dispatcher,
		Hub:        hub,
		Logger:     logger,
	})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.MCP {
		mcpSrv := flumemcp.NewFlumeServer(flumemcp.FlumeServerDeps{
			Engine:     eng,
			Store:      s,
			Dispatcher: dispatcher,
			Logger:     logger,
		})
		go func() {
			logger.Info("mcp server listening on stdio")
			if err := mcpSrv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("mcp server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

// buildRegistry wires every node handler the engine dispatches to. Agent
// nodes stay inert until an invoker transport is configured; they fail with
// a clear error instead of panicking.
func buildRegistry(logger *slog.Logger) (*handler.Registry, error) {
	registry := handler.NewRegistry()

	condition, err := handler.NewConditionHandler()
	if err != nil {
		return nil, err
	}

	actions := handler.NewActionSet()
	if err := handler.RegisterBuiltins(actions, handler.HTTPConfig{}, logger); err != nil {
		return nil, err
	}
	breakers := handler.NewBreakerRegistry(handler.DefaultBreakerConfig())

	handlers := []handler.Handler{
		handler.NewTriggerHandler(),
		condition,
		handler.NewTransformHandler(),
		handler.NewDelayHandler(),
		handler.NewAgentHandler(nil),
		handler.NewActionHandler(actions, breakers),
	}
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
