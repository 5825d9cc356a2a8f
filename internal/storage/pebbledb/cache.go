package pebbledb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"
)

type cacheEntry struct {
	Value     string `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"` // Unix nano, 0 = never
}

// ResponseCache persists LLM answers next to the records so a restarted
// node keeps its cache. Writes go through a BatchWriter and may be lost
// on crash.
type ResponseCache struct {
	db     *pebble.DB
	writer *BatchWriter
	ttl    time.Duration
	now    func() time.Time
}

// ResponseCache returns the store's persistent answer cache, creating it on
// first use.
func (s *PebbleStore) ResponseCache(ttl time.Duration, logger zerolog.Logger) *ResponseCache {
	s.cacheOnce.Do(func() {
		s.cache = &ResponseCache{
			db:     s.db,
			writer: NewBatchWriter(s.db, DefaultBatchWriterConfig(), logger),
			ttl:    ttl,
			now:    time.Now,
		}
	})
	return s.cache
}

func cacheKey(key string) []byte {
	return []byte(prefixCache + key)
}

func (c *ResponseCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, closer, err := c.db.Get(cacheKey(key))
	if err == pebble.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	defer closer.Close()

	var entry cacheEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		return "", false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	if entry.ExpiresAt != 0 && c.now().UnixNano() >= entry.ExpiresAt {
		c.writer.Delete(cacheKey(key))
		return "", false, nil
	}
	return entry.Value, true, nil
}

func (c *ResponseCache) Set(ctx context.Context, key, value string) error {
	entry := cacheEntry{Value: value}
	if c.ttl > 0 {
		entry.ExpiresAt = c.now().Add(c.ttl).UnixNano()
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if !c.writer.Set(cacheKey(key), encoded) {
		return fmt.Errorf("cache write queue full")
	}
	return nil
}

func (c *ResponseCache) Flush() {
	c.writer.Flush()
}

func (c *ResponseCache) close() error {
	return c.writer.Close()
}
