package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/okabe/claude-relay/internal/account"
	"github.com/okabe/claude-relay/internal/auth"
	"github.com/okabe/claude-relay/internal/config"
	"github.com/okabe/claude-relay/internal/dump"
	"github.com/okabe/claude-relay/internal/events"
	"github.com/okabe/claude-relay/internal/health"
	"github.com/okabe/claude-relay/internal/identity"
	"github.com/okabe/claude-relay/internal/proxyagent"
	"github.com/okabe/claude-relay/internal/relay"
	"github.com/okabe/claude-relay/internal/scheduler"
	"github.com/okabe/claude-relay/internal/server"
	"github.com/okabe/claude-relay/internal/store"
	"github.com/okabe/claude-relay/internal/transport"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	handler := events.NewLogHandler(logLevel(cfg.LogLevel), 1000)
	slog.SetDefault(slog.New(handler))

	kv, err := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer kv.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	usage, err := store.OpenUsageStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer usage.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(200)
	crypto := account.NewCrypto(cfg.EncryptionKey)
	proxies := proxyagent.NewFactory(cfg.UseIPv4)

	tm := transport.NewManager(cfg)
	defer tm.Close()
	go tm.RunReaper(ctx)

	tokens := account.NewTokenManager(kv, crypto, cfg, tm, proxies)
	accounts := account.NewService(kv, crypto, tokens)
	sched := scheduler.New(kv, accounts, cfg)
	healthCtl := health.NewController(kv, accounts, sched, bus, cfg)

	pricing := identity.NewPricingTable(cfg.PricingPath)
	preparer := identity.NewPreparer(cfg, pricing, identity.HeuristicValidator{})
	dumper := dump.New(cfg.DumpDir, cfg.DumpEnabled())

	rly := relay.New(relay.Deps{
		Config:    cfg,
		Transport: tm,
		Accounts:  accounts,
		Scheduler: sched,
		Health:    healthCtl,
		Preparer:  preparer,
		Proxies:   proxies,
		Pricing:   pricing,
		Usage:     usage,
		Bus:       bus,
		Dumper:    dumper,
	})

	srv := server.New(cfg, rly, usage, bus, kv, auth.Middleware(cfg, crypto))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
