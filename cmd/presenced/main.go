// Package main is the entry point for the presence daemon.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nearcast/nearcast/internal/api"
	"github.com/nearcast/nearcast/internal/channel"
	"github.com/nearcast/nearcast/internal/config"
	"github.com/nearcast/nearcast/internal/health"
	"github.com/nearcast/nearcast/internal/logging"
	"github.com/nearcast/nearcast/internal/middleware"
	"github.com/nearcast/nearcast/internal/presence"
	"github.com/nearcast/nearcast/internal/tracing"
	"github.com/nearcast/nearcast/internal/transport"
	"github.com/nearcast/nearcast/internal/trust"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to YAML config file (env vars take precedence)")
	flag.Parse()

	if *help {
		fmt.Println("Nearcast Presence Daemon")
		fmt.Println()
		fmt.Println("Usage: presenced [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config error:", err)
		}
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.Any("config", cfg.LogSummary()))

	// Tracing
	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "presenced",
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: 1.0,
		InsecureMode: cfg.Env != "production",
	})
	if err != nil {
		logger.Error("failed to initialize tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// Metrics
	metrics := presence.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		logger.Error("failed to register metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Trust circle store: Postgres when configured, in-memory otherwise.
	var store trust.Store
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer db.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			logger.Error("database unreachable", slog.String("error", err.Error()))
			os.Exit(1)
		}
		store = trust.NewPostgresStore(db, logger)
		logger.Info("trust circle backed by postgres")
	} else {
		store = trust.NewInMemoryStore()
		logger.Info("trust circle held in memory")
	}

	manager, err := presence.NewManager(presence.Config{
		Identity:               cfg.Identity,
		DisplayName:            cfg.DisplayName,
		Color:                  cfg.Color,
		DeviceType:             cfg.DeviceType,
		SigningKey:             []byte(cfg.SpaceKey),
		UpdateInterval:         time.Duration(cfg.UpdateIntervalMS) * time.Millisecond,
		LocationThrottle:       time.Duration(cfg.LocationThrottleMS) * time.Millisecond,
		PresenceTTL:            time.Duration(cfg.PresenceTTLSeconds) * time.Second,
		ShareLocationByDefault: cfg.ShareLocationByDefault,
		PublicPrecision:        uint8(cfg.DefaultPublicPrecision),
		Trust:                  store,
		Logger:                 logger,
		Metrics:                metrics,
	})
	if err != nil {
		logger.Error("failed to create presence manager", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ch := channel.New(manager, logger)

	var tr transport.Transport
	var redisTr *transport.RedisTransport
	switch cfg.Transport {
	case config.TransportRedis:
		redisTr, err = transport.NewRedisTransport(transport.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.RedisChannel,
		}, ch.HandleFrame, ch.HandleState, logger)
		tr = redisTr
	default:
		tr, err = transport.NewWebSocketTransport(
			transport.DefaultWebSocketConfig(cfg.RelayURL),
			ch.HandleFrame, ch.HandleState, logger)
	}
	if err != nil {
		logger.Error("failed to create transport", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Control API and metrics endpoint, bound to localhost only: this
	// surface belongs to the device owner, never to the network.
	handlers := api.NewHandlers(manager, logger)
	if db != nil {
		handlers.AddChecker("db", health.NewDBChecker(db))
	}
	if redisTr != nil {
		handlers.AddChecker("redis", health.NewRedisChecker(redisTr.Client()))
	}

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.MetricsPort),
		Handler:      middleware.RequestID(middleware.Logging(logger)(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("control API listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control API error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("presence channel starting", slog.String("transport", cfg.Transport))
	if err := ch.Run(ctx, tr); err != nil && ctx.Err() == nil {
		logger.Error("presence channel failed", slog.String("error", err.Error()))
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("control API forced to shutdown", slog.String("error", err.Error()))
	}

	logger.Info("presence daemon stopped")
}
