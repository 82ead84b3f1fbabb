// Chat relay gateway: token issuance, history reads and the /chat WebSocket.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/chatrelay/internal/api"
	"github.com/ashureev/chatrelay/internal/chat"
	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/metrics"
	"github.com/ashureev/chatrelay/internal/middleware"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/ashureev/chatrelay/internal/stream"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting gateway", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	rdb, err := store.NewRedisClient(ctx, store.DefaultClientConfig(cfg.Redis.URL), logger)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := rdb.Close(); closeErr != nil {
			slog.Error("Failed to close Redis client", "error", closeErr)
		}
	}()

	// Relays block on XREAD for as long as the worker takes, each holding a
	// connection, so they get their own pool sized to the waiter cap.
	blockingCfg := store.DefaultClientConfig(cfg.Redis.URL)
	blockingCfg.PoolSize = cfg.Relay.MaxWaiters
	blockingRdb, err := store.NewRedisClient(ctx, blockingCfg, logger)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := blockingRdb.Close(); closeErr != nil {
			slog.Error("Failed to close blocking Redis client", "error", closeErr)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	gatewayMetrics := metrics.NewGateway(reg)

	sessions := store.NewRedisStore(rdb, cfg.SessionTTL)
	streams := stream.New(rdb,
		stream.WithBlockingClient(blockingRdb),
		stream.WithPollInterval(cfg.Relay.PollInterval),
		stream.WithLogger(logger),
	)
	connections := chat.NewConnectionManager()

	// Initialize handlers.
	sessionHandler := api.NewSessionHandler(api.NewHandler(sessions, gatewayMetrics))
	wsHandler := chat.NewWebSocketHandler(sessions, streams, connections,
		chat.WithResponseTimeout(cfg.Relay.ResponseTimeout),
		chat.WithMaxWaiters(cfg.Relay.MaxWaiters),
		chat.WithMetrics(gatewayMetrics),
		chat.WithHandlerLogger(logger),
	)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	sessionHandler.RegisterRoutes(r)
	r.Handle("/metrics", metrics.Handler(reg))

	// WebSocket endpoint.
	r.Get("/chat", wsHandler.ServeHTTP)

	// WebSocket relays wait indefinitely for replies, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	connections.CloseAll("server shutting down")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}
