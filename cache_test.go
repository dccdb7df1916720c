package main

import (
	"context"
	"testing"
	"time"

	"nsite-gateway/internal/cache"
)

func newTestStore(t *testing.T, cfg StoreConfig) *Store {
	t.Helper()
	backend := cache.NewMemoryCache(1000, time.Minute)
	t.Cleanup(func() { backend.Close() })
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = time.Minute
	}
	if cfg.ContentTTL == 0 {
		cfg.ContentTTL = time.Minute
	}
	if cfg.NegativeTTL == 0 {
		cfg.NegativeTTL = time.Minute
	}
	return NewStore(backend, cfg)
}

func TestStorePathMappingRoundTrip(t *testing.T) {
	s := newTestStore(t, StoreConfig{})
	ctx := context.Background()

	pm := &PathMapping{
		Pubkey:    "abc",
		Path:      "/index.html",
		SHA256:    "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		CreatedAt: 100,
	}
	s.PutPathMapping(ctx, pm)

	got, ok := s.GetPathMapping(ctx, "abc", "/index.html")
	if !ok {
		t.Fatal("mapping not found")
	}
	if got.SHA256 != pm.SHA256 || got.CreatedAt != 100 {
		t.Errorf("got %+v, want %+v", got, pm)
	}

	// Different path under the same pubkey is a distinct entry
	if _, ok := s.GetPathMapping(ctx, "abc", "/other.html"); ok {
		t.Error("unexpected hit for /other.html")
	}
}

func TestStoreEntriesExpire(t *testing.T) {
	s := newTestStore(t, StoreConfig{NegativeTTL: 30 * time.Millisecond})
	ctx := context.Background()

	s.MarkNegative(ctx, "paths:abc|/gone")
	if !s.Negative(ctx, "paths:abc|/gone") {
		t.Fatal("negative mark not readable")
	}

	time.Sleep(60 * time.Millisecond)
	if s.Negative(ctx, "paths:abc|/gone") {
		t.Error("negative mark survived its TTL")
	}
}

func TestStoreSlidingExpirationExtendsLife(t *testing.T) {
	s := newTestStore(t, StoreConfig{DefaultTTL: 80 * time.Millisecond, Sliding: true})
	ctx := context.Background()

	s.PutDomain(ctx, "site.example.com", "abc")

	// Keep reading within the TTL window; the entry must outlive several
	// original TTLs.
	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		if _, ok := s.GetDomain(ctx, "site.example.com"); !ok {
			t.Fatalf("entry expired on read %d despite sliding expiration", i)
		}
	}
}

func TestStoreStickyReadsDoNotExtend(t *testing.T) {
	s := newTestStore(t, StoreConfig{ContentTTL: 80 * time.Millisecond, Sliding: true})
	ctx := context.Background()

	s.PutContent(ctx, "hash1", []byte("data"))

	// Content reads are sticky even with sliding enabled.
	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		s.GetContent(ctx, "hash1")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := s.GetContent(ctx, "hash1"); ok {
		t.Error("content entry should have expired despite reads")
	}
}

func TestTouchRelatedNoOpWithSlidingOff(t *testing.T) {
	s := newTestStore(t, StoreConfig{DefaultTTL: 80 * time.Millisecond, Sliding: false})
	ctx := context.Background()

	s.PutDomain(ctx, "site.example.com", "pk1")
	s.PutRelayList(ctx, &RelayList{Pubkey: "pk1", Relays: []string{"wss://r.example"}})

	// Simulate the per-request path: repeated domain hits with related
	// refreshes. With sliding off none of it may extend a lifetime.
	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		s.GetDomain(ctx, "site.example.com")
		s.TouchRelated(ctx, "pk1", "site.example.com")
	}

	if _, ok := s.GetRelayList(ctx, "pk1"); ok {
		t.Error("relay list outlived its TTL with sliding expiration off")
	}
	if _, ok := s.GetDomain(ctx, "site.example.com"); ok {
		t.Error("domain entry outlived its TTL with sliding expiration off")
	}
}

func TestTouchRelatedExtendsWithSlidingOn(t *testing.T) {
	s := newTestStore(t, StoreConfig{DefaultTTL: 80 * time.Millisecond, Sliding: true})
	ctx := context.Background()

	s.PutRelayList(ctx, &RelayList{Pubkey: "pk1", Relays: []string{"wss://r.example"}})

	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		s.TouchRelated(ctx, "pk1", "site.example.com")
	}

	if _, ok := s.GetRelayList(ctx, "pk1"); !ok {
		t.Error("relay list expired despite related refreshes with sliding on")
	}
}

func TestStoreCorruptEntryIsAMiss(t *testing.T) {
	backend := cache.NewMemoryCache(100, time.Minute)
	defer backend.Close()
	s := NewStore(backend, StoreConfig{DefaultTTL: time.Minute, ContentTTL: time.Minute, NegativeTTL: time.Minute})
	ctx := context.Background()

	// Not a valid envelope at all
	backend.Set(ctx, storeKey(nsRelays, "abc"), []byte("{{{"), time.Minute)
	if _, ok := s.GetRelayList(ctx, "abc"); ok {
		t.Error("corrupt entry returned as a hit")
	}

	// Valid envelope, wrong tag for the namespace
	raw, err := encodeValue(tagPubkey, "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	backend.Set(ctx, storeKey(nsRelays, "abc"), raw, time.Minute)
	if _, ok := s.GetRelayList(ctx, "abc"); ok {
		t.Error("mistagged entry returned as a hit")
	}
}

func TestStoreContentIsCopied(t *testing.T) {
	s := newTestStore(t, StoreConfig{})
	ctx := context.Background()

	data := []byte("original")
	s.PutContent(ctx, "h", data)
	data[0] = 'X'

	got, ok := s.GetContent(ctx, "h")
	if !ok {
		t.Fatal("content not found")
	}
	if string(got) != "original" {
		t.Errorf("stored content aliased caller's buffer: %q", got)
	}
}

func TestStoreBlobURLSetDeduplicates(t *testing.T) {
	s := newTestStore(t, StoreConfig{})
	ctx := context.Background()

	s.AddBlobURL(ctx, "h", "https://a.example")
	s.AddBlobURL(ctx, "h", "https://b.example")
	s.AddBlobURL(ctx, "h", "https://a.example")

	set, ok := s.GetBlobURLs(ctx, "h")
	if !ok {
		t.Fatal("blob URL set not found")
	}
	if len(set.URLs) != 2 {
		t.Errorf("got %d URLs, want 2: %v", len(set.URLs), set.URLs)
	}
}

func TestStoreClearNamespace(t *testing.T) {
	s := newTestStore(t, StoreConfig{})
	ctx := context.Background()

	s.PutDomain(ctx, "a.example.com", "pk1")
	s.PutRelayList(ctx, &RelayList{Pubkey: "pk1", Relays: []string{"wss://r.example"}})

	s.Clear(ctx, nsDomains)

	if _, ok := s.GetDomain(ctx, "a.example.com"); ok {
		t.Error("domain survived namespace clear")
	}
	if _, ok := s.GetRelayList(ctx, "pk1"); !ok {
		t.Error("relay list was cleared by another namespace's clear")
	}
}

func TestStoreDeletePathMapping(t *testing.T) {
	s := newTestStore(t, StoreConfig{})
	ctx := context.Background()

	s.PutPathMapping(ctx, &PathMapping{Pubkey: "pk", Path: "/a", SHA256: "x", CreatedAt: 1})
	s.DeletePathMapping(ctx, "pk", "/a")
	if _, ok := s.GetPathMapping(ctx, "pk", "/a"); ok {
		t.Error("mapping survived delete")
	}
}
