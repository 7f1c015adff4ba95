package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackmichael/plebbit-feeds/internal/badgerstore"
	"github.com/blackmichael/plebbit-feeds/internal/config"
	"github.com/blackmichael/plebbit-feeds/internal/domain"
	"github.com/blackmichael/plebbit-feeds/internal/engine"
	"github.com/blackmichael/plebbit-feeds/internal/fetch"
	"github.com/blackmichael/plebbit-feeds/internal/gateway"
	"github.com/blackmichael/plebbit-feeds/internal/httpserver"
	"github.com/blackmichael/plebbit-feeds/internal/pagecache"
	"github.com/blackmichael/plebbit-feeds/internal/rpc"
	"github.com/blackmichael/plebbit-feeds/internal/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up the page cache backend
	backend, closeBackend, err := openBackend(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer closeBackend()
	logger.Info("opened page cache", "backend", cfg.Cache.Backend, "path", cfg.Cache.Path)

	// Set up the fetch transport behind a circuit breaker
	fetcher, closeFetcher := newFetcher(cfg.Fetch, logger)
	defer closeFetcher()

	eng, err := engine.New(engine.Config{
		PageSize:        cfg.Feeds.PageSize,
		RefillThreshold: cfg.Feeds.RefillThreshold,
		Debounce:        cfg.Feeds.Debounce,
		PageCacheSize:   cfg.Cache.PageSize,
		AuthorCacheSize: cfg.Cache.AuthorSize,
		Policy: fetch.Policy{
			InitialInterval: cfg.Fetch.RetryInitialInterval,
			MaxInterval:     cfg.Fetch.RetryMaxInterval,
		},
	}, engine.Deps{
		Fetcher: fetch.WithBreaker(fetcher, cfg.Fetch.Transport, cfg.Fetch.BreakerTimeout, logger),
		Backend: backend,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer eng.Close()

	if len(cfg.Feeds.Communities) > 0 {
		name, err := eng.Feeds().AddFeed(domain.FeedOptions{
			Name:      "default",
			SourceIDs: cfg.Feeds.Communities,
			SortType:  cfg.Feeds.SortType,
		})
		if err != nil {
			return fmt.Errorf("register default feed: %w", err)
		}
		logger.Info("registered default feed", "feed", name, "communities", cfg.Feeds.Communities, "sort", cfg.Feeds.SortType)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start the HTTP server
	server := httpserver.NewServer(cfg, eng, logger)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "transport", cfg.Fetch.Transport)

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}

func openBackend(ctx context.Context, cfg config.CacheConfig) (pagecache.Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		store, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return store, closer(store), nil
	case config.BackendBadger:
		store, err := badgerstore.Open(badgerstore.Config{Path: cfg.Path})
		if err != nil {
			return nil, nil, fmt.Errorf("open badger cache: %w", err)
		}
		return store, closer(store), nil
	default:
		return pagecache.NewMemoryBackend(), func() {}, nil
	}
}

func newFetcher(cfg config.FetchConfig, logger *slog.Logger) (domain.Fetcher, func()) {
	if cfg.Transport == config.TransportGateway {
		return gateway.NewClient(cfg.GatewayURL, cfg.Timeout), func() {}
	}
	client := rpc.NewClient(cfg.RPCURL, logger)
	return client, closer(client)
}

func closer(c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			slog.Error("close failed", "error", err)
		}
	}
}
