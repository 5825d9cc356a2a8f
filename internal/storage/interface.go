package storage

import (
	"context"
	"time"

	"github.com/georgeshao/prompt-relay/pkg/types"
)

type Store interface {
	Create(ctx context.Context, id string, encryptedPrompt string) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	CountByStatus(ctx context.Context, status types.RecordStatus) (int, error)
	StatusCounts(ctx context.Context) (map[types.RecordStatus]int, error)

	FindUnclaimed(ctx context.Context, filter ClaimFilter) ([]*Record, error)
	Claim(ctx context.Context, id string, owner string, lease time.Duration) (*Record, error)
	Transition(ctx context.Context, t Transition) (*Record, error)
	Reset(ctx context.Context, id string) (*Record, error)

	Close() error
}
