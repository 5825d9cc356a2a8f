// Package cache holds LLM answers keyed by a hash of the prompt text.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Cache is a content-addressed answer store. A miss is ("", false, nil);
// errors are reserved for backend failures.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Key returns the cache key for a plaintext prompt.
func Key(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
