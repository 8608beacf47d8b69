package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tabmux/tabmux/internal/config"
	"github.com/tabmux/tabmux/internal/daemon"
	"github.com/tabmux/tabmux/internal/db"
)

func main() {
	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	var logLevel string
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for tabmuxd")
	flag.StringVar(&cfg.TokenPath, "token-file", cfg.TokenPath, "auth token file path")
	flag.StringVar(&cfg.RegistryPath, "registry", cfg.RegistryPath, "profile registry JSON path")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path for the event log")
	flag.StringVar(&cfg.EngineLogDir, "engine-log-dir", cfg.EngineLogDir, "directory for driver process logs")
	flag.DurationVar(&cfg.ProfileTTL, "profile-ttl", cfg.ProfileTTL, "idle profile retention")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "minimum time between TTL sweeps")
	flag.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "oneshot browser pool size")
	flag.StringVar(&logLevel, "log-level", envOr("TABMUX_LOG_LEVEL", "info"), "debug, info, warn or error")
	flag.Parse()

	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	srv := daemon.NewServer(cfg, logger, store)
	start := time.Now()
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
	logger.Info("daemon stopped", "uptime", time.Since(start).Round(time.Second))
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "tabmuxd: %v\n", err)
	os.Exit(1)
}
