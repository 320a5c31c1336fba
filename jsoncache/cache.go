// Package jsoncache implements the Content-Addressed JSON Cache: a
// durable, TTL-bounded key-value cache built directly on the boltstore
// package, using bolt.DB.Update/View transactions rather than the generic
// PutJSON/GetJSON helpers, since the content and metadata buckets must be
// written atomically within one bolt.Tx.
package jsoncache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"core.evalgo.org/boltstore"
	"core.evalgo.org/common"
)

const (
	contentBucket  = "json_cache"
	metadataBucket = "cache_metadata"
)

// Metadata is the serialized companion row stored in cache_metadata for
// every cached key, per spec §3.8.
type Metadata struct {
	EntityType  string    `json:"entity_type"`
	CachedAt    time.Time `json:"cached_at"`
	TTLSeconds  int64     `json:"ttl_seconds"`
	ContentHash string    `json:"content_hash"`
	SizeBytes   int       `json:"size_bytes"`
}

// live reports whether this metadata's entry is still within its TTL
// window, per spec §3.8: ttl_seconds==0 is a permanent tombstone.
func (m Metadata) live(now time.Time) bool {
	if m.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(m.CachedAt) <= time.Duration(m.TTLSeconds)*time.Second
}

// Entry is the value returned by Get: content plus its metadata.
type Entry struct {
	Key      string
	Content  []byte
	Metadata Metadata
}

// Stats mirrors spec §4.K's stats() return shape.
type Stats struct {
	Total          int
	TotalBytes     int64
	Expired        int
	Active         int
	PerEntityCount map[string]int
}

// Cache is the content-addressed JSON cache. One writer lock per spec §4.K;
// bbolt's own MVCC lets readers (View transactions) proceed lock-free.
type Cache struct {
	db       *boltstore.DB
	writerMu sync.Mutex
}

// Open opens (creating if necessary) the two cache buckets at path.
func Open(path string) (*Cache, error) {
	db, err := boltstore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("jsoncache: open: %w", err)
	}
	if err := db.CreateBucket(contentBucket); err != nil {
		return nil, fmt.Errorf("jsoncache: create content bucket: %w", err)
	}
	if err := db.CreateBucket(metadataBucket); err != nil {
		return nil, fmt.Errorf("jsoncache: create metadata bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (c *Cache) Close() error { return c.db.Close() }

// Set writes value and its metadata atomically, overwriting any existing
// entry for key.
func (c *Cache) Set(key string, value []byte, entityType string, ttlSeconds int64, contentHash string) error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	meta := Metadata{
		EntityType:  entityType,
		CachedAt:    time.Now().UTC(),
		TTLSeconds:  ttlSeconds,
		ContentHash: contentHash,
		SizeBytes:   len(value),
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("jsoncache: marshal metadata for %q: %w", key, err)
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(contentBucket)).Put([]byte(key), value); err != nil {
			return err
		}
		return tx.Bucket([]byte(metadataBucket)).Put([]byte(key), metaBytes)
	})
}

// Get returns the entry for key iff its metadata exists and is not
// expired. A content row with no metadata is treated as a miss and
// logged, then removed as an orphan on the caller's behalf.
func (c *Cache) Get(key string) (*Entry, bool, error) {
	var entry *Entry
	var orphan bool

	err := c.db.View(func(tx *bolt.Tx) error {
		metaBytes := tx.Bucket([]byte(metadataBucket)).Get([]byte(key))
		content := tx.Bucket([]byte(contentBucket)).Get([]byte(key))

		if metaBytes == nil {
			if content != nil {
				orphan = true
			}
			return nil
		}
		var meta Metadata
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			return fmt.Errorf("unmarshal metadata for %q: %w", key, err)
		}
		if !meta.live(time.Now().UTC()) {
			return nil
		}
		entry = &Entry{Key: key, Content: append([]byte(nil), content...), Metadata: meta}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("jsoncache: get %q: %w", key, err)
	}

	if orphan {
		common.Logger.WithField("key", key).Warn("jsoncache: orphaned content with no metadata, removing")
		if delErr := c.deleteContentOnly(key); delErr != nil {
			common.Logger.WithError(delErr).WithField("key", key).Error("jsoncache: failed to remove orphan")
		}
		return nil, false, nil
	}
	if entry == nil {
		return nil, false, nil
	}
	return entry, true, nil
}

// Exists reports whether Get would return a live entry for key.
func (c *Cache) Exists(key string) (bool, error) {
	_, found, err := c.Get(key)
	return found, err
}

// Delete removes key from both buckets, reporting whether content existed.
func (c *Cache) Delete(key string) (bool, error) {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	var existed bool
	err := c.db.Update(func(tx *bolt.Tx) error {
		content := tx.Bucket([]byte(contentBucket))
		existed = content.Get([]byte(key)) != nil
		if err := content.Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket([]byte(metadataBucket)).Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("jsoncache: delete %q: %w", key, err)
	}
	return existed, nil
}

func (c *Cache) deleteContentOnly(key string) error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(contentBucket)).Delete([]byte(key))
	})
}

// Clear removes every entry from both buckets, returning the count removed.
func (c *Cache) Clear() (int, error) {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	var count int
	err := c.db.Update(func(tx *bolt.Tx) error {
		content := tx.Bucket([]byte(contentBucket))
		meta := tx.Bucket([]byte(metadataBucket))

		var keys [][]byte
		if err := content.ForEach(func(k, _ []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}
		if err := meta.ForEach(func(k, _ []byte) error {
			if content.Get(k) == nil {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}

		seen := make(map[string]bool, len(keys))
		for _, k := range keys {
			ks := string(k)
			if seen[ks] {
				continue
			}
			seen[ks] = true
			if err := content.Delete(k); err != nil {
				return err
			}
			if err := meta.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("jsoncache: clear: %w", err)
	}
	return count, nil
}

// DeleteByEntityType removes every cache entry whose metadata names
// entityType, used by the File Watcher's InvalidateCache side effect when
// a schema change touches an entity's cacheable shape.
func (c *Cache) DeleteByEntityType(entityType string) (int, error) {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	var count int
	err := c.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metadataBucket))
		content := tx.Bucket([]byte(contentBucket))

		var matched [][]byte
		if err := meta.ForEach(func(k, v []byte) error {
			var m Metadata
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			if m.EntityType == entityType {
				matched = append(matched, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range matched {
			if err := content.Delete(k); err != nil {
				return err
			}
			if err := meta.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("jsoncache: delete by entity type %q: %w", entityType, err)
	}
	return count, nil
}

// EvictExpired scans cache_metadata, removes every expired entry, and
// returns the count removed.
func (c *Cache) EvictExpired() (int, error) {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	now := time.Now().UTC()
	var count int
	err := c.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metadataBucket))
		content := tx.Bucket([]byte(contentBucket))

		var expiredKeys [][]byte
		if err := meta.ForEach(func(k, v []byte) error {
			var m Metadata
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			if !m.live(now) {
				expiredKeys = append(expiredKeys, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expiredKeys {
			if err := content.Delete(k); err != nil {
				return err
			}
			if err := meta.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("jsoncache: evict_expired: %w", err)
	}
	return count, nil
}

// Stats scans cache_metadata for the aggregate view spec §4.K names.
func (c *Cache) Stats() (Stats, error) {
	stats := Stats{PerEntityCount: make(map[string]int)}
	now := time.Now().UTC()

	err := c.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metadataBucket))
		return meta.ForEach(func(_, v []byte) error {
			var m Metadata
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			stats.Total++
			stats.TotalBytes += int64(m.SizeBytes)
			stats.PerEntityCount[m.EntityType]++
			if m.live(now) {
				stats.Active++
			} else {
				stats.Expired++
			}
			return nil
		})
	})
	if err != nil {
		return Stats{}, fmt.Errorf("jsoncache: stats: %w", err)
	}
	return stats, nil
}
