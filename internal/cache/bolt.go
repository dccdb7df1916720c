package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("cache")

// BoltCache implements CacheBackend using a single-file bbolt database.
// Entries carry an expiry header; expired entries read as absent and are
// scrubbed by a background sweep.
type BoltCache struct {
	db              *bolt.DB
	cleanupInterval time.Duration
	stopCh          chan struct{}
	closeOnce       sync.Once
}

// NewBoltCache opens (or creates) the database at path.
func NewBoltCache(path string, cleanupInterval time.Duration) (*BoltCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	bc := &BoltCache{
		db:              db,
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	go bc.cleanupLoop()
	return bc, nil
}

// encodeEntry prepends an 8-byte big-endian expiry (unix nanos) to the value.
func encodeEntry(value []byte, expiresAt time.Time) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(expiresAt.UnixNano()))
	copy(buf[8:], value)
	return buf
}

func decodeEntry(raw []byte, now time.Time) ([]byte, bool) {
	if len(raw) < 8 {
		return nil, false
	}
	expiresAt := int64(binary.BigEndian.Uint64(raw[:8]))
	if now.UnixNano() > expiresAt {
		return nil, false
	}
	value := make([]byte, len(raw)-8)
	copy(value, raw[8:])
	return value, true
}

func (b *BoltCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		value, found = decodeEntry(raw, time.Now())
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

func (b *BoltCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := encodeEntry(value, time.Now().Add(ttl))
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), entry)
	})
}

func (b *BoltCache) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
}

func (b *BoltCache) DeletePrefix(ctx context.Context, prefix string) error {
	p := []byte(prefix)
	return b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltCache) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var touched bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		value, ok := decodeEntry(raw, time.Now())
		if !ok {
			return bucket.Delete([]byte(key))
		}
		touched = true
		return bucket.Put([]byte(key), encodeEntry(value, time.Now().Add(ttl)))
	})
	return touched, err
}

func (b *BoltCache) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		now := time.Now()
		for _, key := range keys {
			raw := bucket.Get([]byte(key))
			if raw == nil {
				continue
			}
			if value, ok := decodeEntry(raw, now); ok {
				result[key] = value
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *BoltCache) SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl)
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for key, value := range items {
			if err := bucket.Put([]byte(key), encodeEntry(value, expiresAt)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltCache) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
	})
	return b.db.Close()
}

func (b *BoltCache) cleanupLoop() {
	ticker := time.NewTicker(b.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.cleanup()
		}
	}
}

// cleanup scrubs expired entries in one pass.
func (b *BoltCache) cleanup() {
	now := time.Now()
	b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if _, ok := decodeEntry(v, now); !ok {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
