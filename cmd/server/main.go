package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dgnsrekt/forumlive/internal/auth"
	"github.com/dgnsrekt/forumlive/internal/checkpoint"
	"github.com/dgnsrekt/forumlive/internal/config"
	"github.com/dgnsrekt/forumlive/internal/live"
	"github.com/dgnsrekt/forumlive/internal/metrics"
	"github.com/dgnsrekt/forumlive/internal/search"
	"github.com/dgnsrekt/forumlive/internal/server"
	"github.com/dgnsrekt/forumlive/internal/store"
	"github.com/dgnsrekt/forumlive/internal/ws"
)

func main() {
	os.Exit(run())
}

func newLogger(logCfg config.LoggingConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if logCfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(logCfg.Level)); err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", logCfg.Level, err)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	return zapConfig.Build()
}

func run() int {
	// Load config
	cfg, err := config.Load(os.Getenv("FORUMLIVE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// Setup logger
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Path),
		zap.Duration("dataCacheExpire", cfg.Live.DataCacheExpire),
		zap.Int("maxEventListen", cfg.Live.MaxEventListen),
		zap.Duration("listenTimeout", cfg.Live.ListenTimeout),
		zap.Duration("checkpointCleanAge", cfg.Checkpoint.CleanAge),
		zap.Bool("wsEnabled", cfg.WS.Enabled),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		return 1
	}
	defer st.Close()

	tracker := checkpoint.NewTracker[*live.Event](checkpoint.Config{
		CleanFrequency: cfg.Checkpoint.CleanFrequency,
		CleanAge:       cfg.Checkpoint.CleanAge,
		IDIncrement:    cfg.Checkpoint.IDIncrement,
		SessionBase:    cfg.Checkpoint.SessionBase,
	}, logger.Named("checkpoint"))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(registry, tracker.CacheCount)

	queue := live.NewQueue(tracker, search.NewEngine(st.DB(), logger.Named("search")), live.Config{
		DataCacheExpire: cfg.Live.DataCacheExpire,
		MaxEventListen:  cfg.Live.MaxEventListen,
	}, logger.Named("live"), live.WithRecorder(recorder))

	// WebSocket hub (optional)
	var hub *ws.Hub
	if cfg.WS.Enabled {
		hub, err = ws.NewHub(queue, logger.Named("ws"))
		if err != nil {
			logger.Error("failed to create websocket hub", zap.Error(err))
			return 1
		}
		go hub.Run(ctx)
		logger.Info("WebSocket enabled", zap.Strings("subprotocols", []string{ws.ProtocolJSON, ws.ProtocolProtobuf}))
	}

	srv := server.NewServer(server.Deps{
		Store:    st,
		Queue:    queue,
		Hub:      hub,
		Auth:     auth.New(cfg.Auth.Secret, cfg.Auth.TokenTTL, logger.Named("auth")),
		Gatherer: registry,
	}, &cfg.Live, logger)

	// Create router
	router, err := server.NewRouter(srv, logger)
	if err != nil {
		logger.Error("failed to create router", zap.Error(err))
		return 1
	}

	// No write timeout: listen requests block. Cancelling ctx releases them.
	httpServer := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	logger.Info("shutting down server...")

	// Cancel context to stop WebSocket clients and blocked listeners
	cancel()

	// Graceful HTTP server shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return 1
	}

	logger.Info("server stopped")
	return 0
}
