// Chat relay worker: consumes message_channel and answers with the language model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/chatrelay/internal/agent"
	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/metrics"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/ashureev/chatrelay/internal/stream"
	"github.com/ashureev/chatrelay/internal/worker"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "check the health of a running worker and exit")
	flag.Parse()

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

	if *healthcheck {
		if err := worker.CheckHealth(context.Background(), dialAddr(cfg.Worker.HealthAddr), 3*time.Second); err != nil {
			slog.Error("Worker unhealthy", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Worker stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.RequireLLM(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("Starting worker", "model", cfg.LLM.Model, "context_limit", cfg.Worker.ContextLimit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := store.NewRedisClient(ctx, store.DefaultClientConfig(cfg.Redis.URL), logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if closeErr := rdb.Close(); closeErr != nil {
			slog.Error("Failed to close Redis client", "error", closeErr)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	model := agent.NewChatClient(agent.Config{
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   cfg.LLM.Timeout,
	}, logger)

	w := worker.New(
		stream.New(rdb, stream.WithPollInterval(cfg.Relay.PollInterval), stream.WithLogger(logger)),
		store.NewRedisStore(rdb, cfg.SessionTTL),
		model,
		worker.Config{ContextLimit: cfg.Worker.ContextLimit, ResponseTTL: cfg.SessionTTL},
		metrics.NewWorker(reg),
		logger,
	)

	lis, err := net.Listen("tcp", cfg.Worker.HealthAddr)
	if err != nil {
		return fmt.Errorf("listen health on %s: %w", cfg.Worker.HealthAddr, err)
	}
	health := worker.NewHealthServer(logger)

	metricsSrv := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           metrics.Handler(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		health.SetServing(true)
		defer health.SetServing(false)
		// A finished loop takes the servers down with it.
		defer stop()
		return w.Run(gctx)
	})

	g.Go(func() error {
		return health.Serve(lis)
	})

	g.Go(func() error {
		slog.Info("Metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve metrics: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		health.Stop()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// dialAddr turns a listen address such as ":50051" into a dialable one.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil || host != "" {
		return listen
	}
	return net.JoinHostPort("localhost", port)
}
