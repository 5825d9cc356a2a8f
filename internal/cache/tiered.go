package cache

import (
	"context"

	"github.com/rs/zerolog"
)

// Tiered fronts a shared or persistent cache with the in-process LRU.
// Failures of the second tier are logged and treated as misses.
type Tiered struct {
	local  *LRU
	remote Cache
	logger zerolog.Logger
}

func NewTiered(local *LRU, remote Cache, logger zerolog.Logger) *Tiered {
	return &Tiered{local: local, remote: remote, logger: logger}
}

func (t *Tiered) Get(ctx context.Context, key string) (string, bool, error) {
	if value, ok, _ := t.local.Get(ctx, key); ok {
		return value, true, nil
	}
	if t.remote == nil {
		return "", false, nil
	}

	value, ok, err := t.remote.Get(ctx, key)
	if err != nil {
		t.logger.Warn().Err(err).Msg("remote cache read failed")
		return "", false, nil
	}
	if ok {
		_ = t.local.Set(ctx, key, value)
	}
	return value, ok, nil
}

func (t *Tiered) Set(ctx context.Context, key, value string) error {
	_ = t.local.Set(ctx, key, value)
	if t.remote == nil {
		return nil
	}
	if err := t.remote.Set(ctx, key, value); err != nil {
		t.logger.Warn().Err(err).Msg("remote cache write failed")
	}
	return nil
}

func (t *Tiered) Stats() Stats {
	return t.local.Stats()
}
