package cache

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultSize = 1000

type Stats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// LRU is the in-process cache tier, bounded to a fixed number of entries.
type LRU struct {
	entries *lru.Cache[string, string]
	hits    atomic.Int64
	misses  atomic.Int64
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	return &LRU{entries: entries}, nil
}

func (c *LRU) Get(ctx context.Context, key string) (string, bool, error) {
	value, ok := c.entries.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return value, ok, nil
}

func (c *LRU) Set(ctx context.Context, key, value string) error {
	c.entries.Add(key, value)
	return nil
}

func (c *LRU) Len() int {
	return c.entries.Len()
}

func (c *LRU) Stats() Stats {
	return Stats{
		Size:   c.entries.Len(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}

func (c *LRU) Purge() {
	c.entries.Purge()
}
