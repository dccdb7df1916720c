package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"nsite-gateway/internal/nostr"
)

// Config holds all gateway settings, resolved once at startup.
// Invalid configuration is fatal; nothing downgrades silently.
type Config struct {
	Port       string
	BaseDomain string

	DefaultRelays  []string
	DefaultServers []string

	CacheBackend      string
	CacheDefaultTTL   time.Duration
	NegativeCacheTTL  time.Duration
	ContentCacheTTL   time.Duration
	SlidingExpiration bool

	RelayQueryTimeout       time.Duration
	ConnectionIdleThreshold time.Duration
	CleanupInterval         time.Duration

	RealtimeInvalidation       bool
	InvalidationRelays         []string
	InvalidationReconnectDelay time.Duration

	MaxFileSize    int64
	RequestTimeout time.Duration
}

func loadConfig() (*Config, error) {
	cfg := &Config{
		Port:       envString("PORT", "8080"),
		BaseDomain: strings.ToLower(strings.TrimSpace(os.Getenv("BASE_DOMAIN"))),

		CacheBackend:      envString("CACHE_BACKEND", "memory"),
		SlidingExpiration: envBool("SLIDING_EXPIRATION", true),

		RealtimeInvalidation: envBool("REALTIME_INVALIDATION", true),
	}

	if cfg.BaseDomain == "" {
		return nil, fmt.Errorf("BASE_DOMAIN is required")
	}

	var err error
	if cfg.CacheDefaultTTL, err = envDuration("CACHE_DEFAULT_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.NegativeCacheTTL, err = envDuration("NEGATIVE_CACHE_TTL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ContentCacheTTL, err = envDuration("CONTENT_CACHE_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RelayQueryTimeout, err = envDuration("RELAY_QUERY_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.ConnectionIdleThreshold, err = envDuration("CONNECTION_IDLE_THRESHOLD", time.Hour); err != nil {
		return nil, err
	}
	if cfg.CleanupInterval, err = envDuration("CLEANUP_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.InvalidationReconnectDelay, err = envDuration("INVALIDATION_RECONNECT_DELAY", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = envDuration("REQUEST_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxFileSize, err = envInt64("MAX_FILE_SIZE", 10*1024*1024); err != nil {
		return nil, err
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("MAX_FILE_SIZE must be positive")
	}

	cfg.DefaultRelays = envRelayList("DEFAULT_RELAYS", []string{
		"wss://relay.damus.io",
		"wss://nos.lol",
		"wss://relay.nostr.band",
	})
	if len(cfg.DefaultRelays) == 0 {
		return nil, fmt.Errorf("DEFAULT_RELAYS contains no valid relay URLs")
	}

	cfg.DefaultServers = envServerList("DEFAULT_SERVERS", []string{
		"https://blossom.primal.net",
		"https://cdn.satellite.earth",
	})
	if len(cfg.DefaultServers) == 0 {
		return nil, fmt.Errorf("DEFAULT_SERVERS contains no valid server URLs")
	}

	cfg.InvalidationRelays = envRelayList("INVALIDATION_RELAYS", cfg.DefaultRelays)
	if cfg.RealtimeInvalidation && len(cfg.InvalidationRelays) == 0 {
		return nil, fmt.Errorf("INVALIDATION_RELAYS contains no valid relay URLs")
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envRelayList(key string, fallback []string) []string {
	return envURLList(key, fallback, nostr.NormalizeRelayURL)
}

func envServerList(key string, fallback []string) []string {
	return envURLList(key, fallback, nostr.NormalizeServerURL)
}

func envURLList(key string, fallback []string, normalize func(string) string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	var urls []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		u := normalize(part)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}
