package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nsite-gateway/internal/cache"
)

// Cache namespaces. Each namespace stores exactly one value type.
const (
	nsDomains  = "domains"  // lowercase hostname -> pubkey
	nsRelays   = "relays"   // pubkey -> RelayList
	nsServers  = "servers"  // pubkey -> ServerList
	nsPaths    = "paths"    // pubkey|path -> PathMapping
	nsBlobs    = "blobs"    // sha256 -> BlobURLSet
	nsContent  = "content"  // sha256 -> raw bytes
	nsNegative = "negative" // free-form -> absence marker
)

// Value type tags for the serialization envelope.
const (
	tagPubkey      = "pubkey"
	tagRelayList   = "relay_list"
	tagServerList  = "server_list"
	tagPathMapping = "path_mapping"
	tagBlobURLSet  = "blob_urls"
	tagBytes       = "bytes"
	tagNegative    = "negative"
)

// PathMapping associates a (pubkey, path) with a content hash.
type PathMapping struct {
	Pubkey    string `json:"pubkey"`
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	CreatedAt int64  `json:"created_at"`
}

// RelayList holds a user's read-capable relays, in preference order.
type RelayList struct {
	Pubkey string   `json:"pubkey"`
	Relays []string `json:"relays"`
}

// ServerList holds a user's blob servers; position is priority.
type ServerList struct {
	Pubkey  string   `json:"pubkey"`
	Servers []string `json:"servers"`
}

// BlobURLSet records which servers have successfully served a blob.
type BlobURLSet struct {
	SHA256 string   `json:"sha256"`
	URLs   []string `json:"urls"`
}

// envelope is the self-describing wrapper every cached value is stored in.
// A read whose tag does not match the namespace's expected tag is treated
// as a corrupt entry and returns absent.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func encodeValue(tag string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: tag, Data: data})
}

func decodeValue(raw []byte, tag string, v interface{}) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	if env.Type != tag {
		return fmt.Errorf("cache entry tag %q, want %q", env.Type, tag)
	}
	return json.Unmarshal(env.Data, v)
}

// StoreConfig holds the per-namespace TTLs.
type StoreConfig struct {
	DefaultTTL  time.Duration // domains, relays, servers, paths, blobs
	ContentTTL  time.Duration
	NegativeTTL time.Duration
	Sliding     bool
}

// Store is the namespaced cache every component reads and writes through.
// It owns all cached values; the backend provides serialization of access.
type Store struct {
	backend cache.CacheBackend
	cfg     StoreConfig
}

// NewStore wraps an opened backend.
func NewStore(backend cache.CacheBackend, cfg StoreConfig) *Store {
	return &Store{backend: backend, cfg: cfg}
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func storeKey(ns, key string) string {
	return ns + ":" + key
}

func pathKey(pubkey, path string) string {
	return pubkey + "|" + path
}

func (s *Store) ttlFor(ns string) time.Duration {
	switch ns {
	case nsContent:
		return s.cfg.ContentTTL
	case nsNegative:
		return s.cfg.NegativeTTL
	default:
		return s.cfg.DefaultTTL
	}
}

// getSticky reads without ever extending the entry's lifetime.
func (s *Store) getSticky(ctx context.Context, ns, key, tag string, v interface{}) bool {
	raw, found, err := s.backend.Get(ctx, storeKey(ns, key))
	if err != nil {
		slog.Warn("cache get failed", "ns", ns, "error", err)
		IncrementCacheMiss()
		return false
	}
	if !found {
		IncrementCacheMiss()
		return false
	}
	if err := decodeValue(raw, tag, v); err != nil {
		// Corrupt entry: treat as absent, never as a partial value.
		slog.Warn("corrupt cache entry", "ns", ns, "key", key, "error", err)
		IncrementCacheMiss()
		return false
	}
	IncrementCacheHit()
	return true
}

// getRefreshing reads and, when sliding expiration is on, renews the
// entry's TTL via Touch so the value is not re-sent to the backend.
func (s *Store) getRefreshing(ctx context.Context, ns, key, tag string, v interface{}) bool {
	if !s.getSticky(ctx, ns, key, tag, v) {
		return false
	}
	if s.cfg.Sliding {
		if _, err := s.backend.Touch(ctx, storeKey(ns, key), s.ttlFor(ns)); err != nil {
			slog.Debug("cache touch failed", "ns", ns, "error", err)
		}
	}
	return true
}

// put stores a value; backend errors are logged and swallowed (a cache
// write failure is never an operation failure).
func (s *Store) put(ctx context.Context, ns, key, tag string, v interface{}) {
	raw, err := encodeValue(tag, v)
	if err != nil {
		slog.Warn("cache encode failed", "ns", ns, "error", err)
		return
	}
	if err := s.backend.Set(ctx, storeKey(ns, key), raw, s.ttlFor(ns)); err != nil {
		slog.Warn("cache set failed", "ns", ns, "error", err)
	}
}

func (s *Store) delete(ctx context.Context, ns, key string) {
	if err := s.backend.Delete(ctx, storeKey(ns, key)); err != nil {
		slog.Warn("cache delete failed", "ns", ns, "error", err)
	}
}

// Clear drops every entry in a namespace.
func (s *Store) Clear(ctx context.Context, ns string) {
	if err := s.backend.DeletePrefix(ctx, ns+":"); err != nil {
		slog.Warn("cache clear failed", "ns", ns, "error", err)
	}
}

// --- domains ---

func (s *Store) GetDomain(ctx context.Context, host string) (string, bool) {
	var pubkey string
	ok := s.getRefreshing(ctx, nsDomains, strings.ToLower(host), tagPubkey, &pubkey)
	return pubkey, ok
}

func (s *Store) PutDomain(ctx context.Context, host, pubkey string) {
	s.put(ctx, nsDomains, strings.ToLower(host), tagPubkey, pubkey)
}

// TouchRelated refreshes the pubkey-scoped entries tied to a domain hit,
// in parallel. A refresh is a hint: failures are logged, never propagated.
// With sliding expiration off no read path may extend a lifetime, so this
// is a no-op.
func (s *Store) TouchRelated(ctx context.Context, pubkey, host string) {
	if !s.cfg.Sliding {
		return
	}
	keys := []string{
		storeKey(nsDomains, strings.ToLower(host)),
		storeKey(nsRelays, pubkey),
		storeKey(nsServers, pubkey),
	}
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			if _, err := s.backend.Touch(ctx, k, s.cfg.DefaultTTL); err != nil {
				slog.Debug("related touch failed", "key", k, "error", err)
			}
		}(key)
	}
	wg.Wait()
}

// --- relays / servers ---

func (s *Store) GetRelayList(ctx context.Context, pubkey string) (*RelayList, bool) {
	var rl RelayList
	if !s.getRefreshing(ctx, nsRelays, pubkey, tagRelayList, &rl) {
		return nil, false
	}
	return &rl, true
}

func (s *Store) PutRelayList(ctx context.Context, rl *RelayList) {
	s.put(ctx, nsRelays, rl.Pubkey, tagRelayList, rl)
}

func (s *Store) GetServerList(ctx context.Context, pubkey string) (*ServerList, bool) {
	var sl ServerList
	if !s.getRefreshing(ctx, nsServers, pubkey, tagServerList, &sl) {
		return nil, false
	}
	return &sl, true
}

func (s *Store) PutServerList(ctx context.Context, sl *ServerList) {
	s.put(ctx, nsServers, sl.Pubkey, tagServerList, sl)
}

// --- paths ---

func (s *Store) GetPathMapping(ctx context.Context, pubkey, path string) (*PathMapping, bool) {
	var pm PathMapping
	if !s.getRefreshing(ctx, nsPaths, pathKey(pubkey, path), tagPathMapping, &pm) {
		return nil, false
	}
	return &pm, true
}

func (s *Store) PutPathMapping(ctx context.Context, pm *PathMapping) {
	s.put(ctx, nsPaths, pathKey(pm.Pubkey, pm.Path), tagPathMapping, pm)
}

func (s *Store) DeletePathMapping(ctx context.Context, pubkey, path string) {
	s.delete(ctx, nsPaths, pathKey(pubkey, path))
}

// --- blobs / content ---

func (s *Store) GetBlobURLs(ctx context.Context, sha256 string) (*BlobURLSet, bool) {
	var set BlobURLSet
	if !s.getSticky(ctx, nsBlobs, sha256, tagBlobURLSet, &set) {
		return nil, false
	}
	return &set, true
}

func (s *Store) AddBlobURL(ctx context.Context, sha256, serverURL string) {
	set, ok := s.GetBlobURLs(ctx, sha256)
	if !ok {
		set = &BlobURLSet{SHA256: sha256}
	}
	for _, u := range set.URLs {
		if u == serverURL {
			return
		}
	}
	set.URLs = append(set.URLs, serverURL)
	s.put(ctx, nsBlobs, sha256, tagBlobURLSet, set)
}

// GetContent returns cached blob bytes. Content never slides unless the
// store was explicitly configured to; reads here are always sticky.
func (s *Store) GetContent(ctx context.Context, sha256 string) ([]byte, bool) {
	var data []byte
	if !s.getSticky(ctx, nsContent, sha256, tagBytes, &data) {
		return nil, false
	}
	return data, true
}

// PutContent stores blob bytes by value so eviction is independent of
// in-flight requests.
func (s *Store) PutContent(ctx context.Context, sha256 string, data []byte) {
	owned := make([]byte, len(data))
	copy(owned, data)
	s.put(ctx, nsContent, sha256, tagBytes, owned)
}

// --- negative marks ---

// Negative reports whether key was recently marked authoritatively absent.
func (s *Store) Negative(ctx context.Context, key string) bool {
	var unit bool
	return s.getSticky(ctx, nsNegative, key, tagNegative, &unit)
}

func (s *Store) MarkNegative(ctx context.Context, key string) {
	s.put(ctx, nsNegative, key, tagNegative, true)
}

func (s *Store) ClearNegative(ctx context.Context, key string) {
	s.delete(ctx, nsNegative, key)
}
