package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"nsite-gateway/internal/cache"
)

// Memory backend bounds; file and kv backends manage their own space.
const (
	memoryCacheMaxEntries = 10000
	backendCleanupSweep   = time.Minute
)

// openCacheBackend selects a backend from the CACHE_BACKEND value:
// "memory", "kv://..." / "redis://...", or "file://path".
func openCacheBackend(spec string) (cache.CacheBackend, error) {
	switch {
	case spec == "" || spec == "memory":
		return cache.NewMemoryCache(memoryCacheMaxEntries, backendCleanupSweep), nil

	case strings.HasPrefix(spec, "kv://"), strings.HasPrefix(spec, "redis://"), strings.HasPrefix(spec, "rediss://"):
		return cache.NewRedisCache(cache.NormalizeRedisURL(spec), "nsite:")

	case strings.HasPrefix(spec, "file://"):
		path := strings.TrimPrefix(spec, "file://")
		if path == "" {
			return nil, fmt.Errorf("file cache backend needs a path")
		}
		return cache.NewBoltCache(path, backendCleanupSweep)

	default:
		return nil, fmt.Errorf("unknown cache backend %q", spec)
	}
}

func main() {
	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	InitLogger()

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	backend, err := openCacheBackend(cfg.CacheBackend)
	if err != nil {
		slog.Error("cache backend unavailable", "backend", cfg.CacheBackend, "error", err)
		os.Exit(1)
	}

	store := NewStore(backend, StoreConfig{
		DefaultTTL:  cfg.CacheDefaultTTL,
		ContentTTL:  cfg.ContentCacheTTL,
		NegativeTTL: cfg.NegativeCacheTTL,
		Sliding:     cfg.SlidingExpiration,
	})

	pool := NewRelayPool(cfg.ConnectionIdleThreshold, cfg.CleanupInterval)
	resolver := NewResolver(store, pool, cfg.DefaultRelays, cfg.DefaultServers, cfg.RelayQueryTimeout)
	fetcher := NewBlobFetcher(store, cfg.MaxFileSize, cfg.RequestTimeout)

	var inv *InvalidationSubscriber
	if cfg.RealtimeInvalidation {
		inv = NewInvalidationSubscriber(store, pool,
			cfg.InvalidationRelays, cfg.DefaultRelays, cfg.DefaultServers,
			cfg.InvalidationReconnectDelay)
		inv.Start()
	}

	gateway := NewGateway(cfg, store, resolver, fetcher, pool, inv)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening",
			"port", cfg.Port,
			"base_domain", cfg.BaseDomain,
			"cache_backend", cfg.CacheBackend,
			"invalidation", cfg.RealtimeInvalidation)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	// Drain HTTP first, then stop the pre-warming subscriber, then the pool
	// its subscriptions ran on, then the cache everything wrote through.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}

	if inv != nil {
		inv.Stop()
	}
	pool.Shutdown()
	if err := store.Close(); err != nil {
		slog.Warn("cache close failed", "error", err)
	}

	slog.Info("shutdown complete")
}
