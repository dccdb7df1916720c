package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryCache implements CacheBackend using sync.Map
type MemoryCache struct {
	data            sync.Map
	count           atomic.Int64
	maxSize         int
	cleanupInterval time.Duration
	stopCh          chan struct{}
	closeOnce       sync.Once
}

type memoryCacheEntry struct {
	value     []byte
	storedAt  time.Time
	expiresAt time.Time
}

// NewMemoryCache creates a new in-memory cache bounded to maxSize entries.
// Under pressure the oldest entries (by insertion time) are evicted first.
func NewMemoryCache(maxSize int, cleanupInterval time.Duration) *MemoryCache {
	mc := &MemoryCache{
		maxSize:         maxSize,
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	go mc.cleanupLoop()
	return mc
}

func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, ok := m.data.Load(key)
	if !ok {
		return nil, false, nil
	}
	entry := val.(*memoryCacheEntry)
	if time.Now().After(entry.expiresAt) {
		m.remove(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	if _, existed := m.data.Swap(key, &memoryCacheEntry{
		value:     value,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}); !existed {
		m.count.Add(1)
	}
	if m.maxSize > 0 && m.count.Load() > int64(m.maxSize) {
		m.evictOldest()
	}
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.remove(key)
	return nil
}

func (m *MemoryCache) DeletePrefix(ctx context.Context, prefix string) error {
	m.data.Range(func(key, _ interface{}) bool {
		if k := key.(string); strings.HasPrefix(k, prefix) {
			m.remove(k)
		}
		return true
	})
	return nil
}

func (m *MemoryCache) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	val, ok := m.data.Load(key)
	if !ok {
		return false, nil
	}
	entry := val.(*memoryCacheEntry)
	if time.Now().After(entry.expiresAt) {
		m.remove(key)
		return false, nil
	}
	m.data.Store(key, &memoryCacheEntry{
		value:     entry.value,
		storedAt:  entry.storedAt,
		expiresAt: time.Now().Add(ttl),
	})
	return true, nil
}

func (m *MemoryCache) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	now := time.Now()
	for _, key := range keys {
		val, ok := m.data.Load(key)
		if !ok {
			continue
		}
		entry := val.(*memoryCacheEntry)
		if now.After(entry.expiresAt) {
			m.remove(key)
			continue
		}
		result[key] = entry.value
	}
	return result, nil
}

func (m *MemoryCache) SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	for key, value := range items {
		if err := m.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryCache) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
	})
	return nil
}

func (m *MemoryCache) remove(key string) {
	if _, existed := m.data.LoadAndDelete(key); existed {
		m.count.Add(-1)
	}
}

func (m *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// cleanup drops expired entries, then enforces maxSize.
func (m *MemoryCache) cleanup() {
	now := time.Now()
	m.data.Range(func(key, value interface{}) bool {
		if now.After(value.(*memoryCacheEntry).expiresAt) {
			m.remove(key.(string))
		}
		return true
	})
	if m.maxSize > 0 && m.count.Load() > int64(m.maxSize) {
		m.evictOldest()
	}
}

// evictOldest removes insertion-oldest entries until the cache fits maxSize.
func (m *MemoryCache) evictOldest() {
	var entries []struct {
		key      string
		storedAt time.Time
	}
	m.data.Range(func(key, value interface{}) bool {
		entries = append(entries, struct {
			key      string
			storedAt time.Time
		}{key.(string), value.(*memoryCacheEntry).storedAt})
		return true
	})
	if len(entries) <= m.maxSize {
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].storedAt.Before(entries[j].storedAt)
	})
	for i := 0; i < len(entries)-m.maxSize; i++ {
		m.remove(entries[i].key)
	}
}
