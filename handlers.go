package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// resolveBudget, in multiples of the relay query timeout, covers the
// relay-list and server-list lookups plus the two-stage mapping query for
// both the requested path and its fallback.
const resolveBudget = 8

// Gateway is the HTTP surface: it maps Host to a pubkey, the request path to
// a content hash, and the hash to bytes.
type Gateway struct {
	cfg      *Config
	store    *Store
	resolver *Resolver
	fetcher  *BlobFetcher
	inv      *InvalidationSubscriber
	pool     *RelayPool
}

// NewGateway wires the handler to the resolution pipeline.
func NewGateway(cfg *Config, store *Store, resolver *Resolver, fetcher *BlobFetcher, pool *RelayPool, inv *InvalidationSubscriber) *Gateway {
	return &Gateway{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		fetcher:  fetcher,
		pool:     pool,
		inv:      inv,
	}
}

// Handler builds the gateway's root handler with logging middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.serve)
	return RequestLoggingMiddleware(mux)
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	host := hostOnly(r.Host)

	// The bare base domain serves operational endpoints, not sites.
	if host == g.cfg.BaseDomain {
		switch r.URL.Path {
		case "/health":
			g.serveHealth(w, r)
		case "/metrics":
			metricsHandler(g.pool, g.inv, g.cfg.CacheBackend)(w, r)
		default:
			http.NotFound(w, r)
		}
		return
	}

	pubkey, ok := g.resolvePubkey(r.Context(), host)
	if !ok {
		http.Error(w, "unknown site", http.StatusNotFound)
		return
	}

	path := NormalizePath(r.URL.Path)

	// Relay resolution gets its own budget; the blob fetch is bounded per
	// server inside the fetcher, so slow relays cannot consume its time.
	resolveCtx, cancel := context.WithTimeout(r.Context(), resolveBudget*g.cfg.RelayQueryTimeout)
	defer cancel()

	hash, ok := g.resolver.ResolvePath(resolveCtx, pubkey, path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	// The hash is the entity: revalidation never needs the bytes.
	etag := `"` + hash + `"`
	if matchesETag(r.Header.Get("If-None-Match"), etag) {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	servers := g.resolver.ServerList(resolveCtx, pubkey)
	blob, ok := g.fetcher.Fetch(r.Context(), hash, servers, path)
	if !ok {
		logger := LoggerFromContext(r.Context())
		logger.Warn("blob unavailable on all servers", "pubkey", shortID(pubkey), "sha256", shortID(hash))
		http.Error(w, "content unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("X-Content-SHA256", hash)

	if r.Method == http.MethodHead {
		return
	}
	w.Write(blob.Data)
}

// resolvePubkey maps a request host to a site pubkey. Only npub subdomains of
// the base domain are served; the mapping is cached with sliding refresh of
// the pubkey's related entries.
func (g *Gateway) resolvePubkey(ctx context.Context, host string) (string, bool) {
	if pubkey, ok := g.store.GetDomain(ctx, host); ok {
		g.store.TouchRelated(ctx, pubkey, host)
		return pubkey, true
	}

	label, ok := subdomainLabel(host, g.cfg.BaseDomain)
	if !ok {
		return "", false
	}

	pubkey, err := DecodeNpub(label)
	if err != nil {
		return "", false
	}

	g.store.PutDomain(ctx, host, pubkey)
	return pubkey, true
}

func (g *Gateway) serveHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":            "ok",
		"cache_backend":     g.cfg.CacheBackend,
		"relay_connections": g.pool.ConnectionCount(),
	}
	if g.inv != nil {
		health["invalidation"] = g.inv.State()
	} else {
		health["invalidation"] = "disabled"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// hostOnly strips an optional port from a Host header value.
func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(hostport)
}

// subdomainLabel extracts the single label in front of the base domain.
// "npub1xyz.example.com" with base "example.com" yields "npub1xyz".
func subdomainLabel(host, baseDomain string) (string, bool) {
	suffix := "." + baseDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

// NormalizePath maps request paths onto the published path namespace:
// directory requests get index.html appended, and extensionless last
// segments are treated as directories.
func NormalizePath(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if strings.HasSuffix(p, "/") {
		return p + "index.html"
	}
	last := p[strings.LastIndex(p, "/")+1:]
	if !strings.Contains(last, ".") {
		return p + "/index.html"
	}
	return p
}

// matchesETag implements If-None-Match comparison, including weak tags and
// the catch-all form.
func matchesETag(header, etag string) bool {
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}
