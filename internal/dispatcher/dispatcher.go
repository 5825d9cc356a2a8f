package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/georgeshao/prompt-relay/internal/storage"
	"github.com/georgeshao/prompt-relay/pkg/types"
)

// ClaimableStatuses are picked up by a cycle. PROCESSING, PROCESSED and
// ENCRYPTED rows only show up once their lease has expired.
var ClaimableStatuses = []types.RecordStatus{
	types.StatusReceived,
	types.StatusDecrypted,
	types.StatusProcessing,
	types.StatusProcessed,
	types.StatusEncrypted,
}

type Config struct {
	Interval       time.Duration
	BatchSize      int
	Lease          time.Duration
	BatchTimeout   time.Duration
	EnabledOnStart bool
}

func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		BatchSize:      10,
		Lease:          10 * time.Minute,
		BatchTimeout:   5 * time.Minute,
		EnabledOnStart: true,
	}
}

type CycleResult struct {
	CycleID  string
	Found    int
	Claimed  int
	Pooled   int
	Fallback int
	Skipped  bool
	TimedOut bool
}

// BatchProcessor claims a batch of unclaimed records and fans them out to
// the pool.
type BatchProcessor struct {
	store     storage.Store
	pool      *Pool
	processor *Processor
	cfg       Config
	owner     string
	logger    zerolog.Logger
	now       func() time.Time

	running atomic.Bool

	cycles      atomic.Int64
	processed   atomic.Int64
	succeeded   atomic.Int64
	failed      atomic.Int64
	fallbacks   atomic.Int64
	lastCycleAt atomic.Int64
	lastCycleID atomic.Value
}

func NewBatchProcessor(store storage.Store, pool *Pool, processor *Processor, cfg Config, logger zerolog.Logger) *BatchProcessor {
	defaults := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaults.Lease
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaults.BatchTimeout
	}
	owner := "node-" + uuid.New().String()
	return &BatchProcessor{
		store:     store,
		pool:      pool,
		processor: processor,
		cfg:       cfg,
		owner:     owner,
		logger:    logger.With().Str("owner", owner).Logger(),
		now:       time.Now,
	}
}

func (b *BatchProcessor) Owner() string {
	return b.owner
}

func (b *BatchProcessor) Running() bool {
	return b.running.Load()
}

// RunCycle processes one batch. A call made while another cycle is active
// returns immediately with Skipped set.
func (b *BatchProcessor) RunCycle(ctx context.Context) (CycleResult, error) {
	if !b.running.CompareAndSwap(false, true) {
		b.logger.Debug().Msg("previous cycle still running, skipping")
		return CycleResult{Skipped: true}, nil
	}
	defer b.running.Store(false)

	cycleID := "cycle_" + uuid.New().String()
	logger := b.logger.With().Str("cycle_id", cycleID).Logger()
	result := CycleResult{CycleID: cycleID}

	b.cycles.Add(1)
	b.lastCycleAt.Store(b.now().UnixNano())
	b.lastCycleID.Store(cycleID)

	candidates, err := b.store.FindUnclaimed(ctx, storage.ClaimFilter{
		Statuses: ClaimableStatuses,
		Limit:    b.cfg.BatchSize,
		Now:      b.now(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to find unclaimed records")
		return result, err
	}
	result.Found = len(candidates)
	if len(candidates) == 0 {
		logger.Debug().Msg("no records to process")
		return result, nil
	}

	claimed := make([]*storage.Record, 0, len(candidates))
	for _, rec := range candidates {
		got, err := b.store.Claim(ctx, rec.ID, b.owner, b.cfg.Lease)
		if err != nil {
			if errors.Is(err, storage.ErrAlreadyClaimed) {
				logger.Debug().Str("request_id", rec.ID).Msg("record claimed elsewhere")
			} else {
				logger.Warn().Err(err).Str("request_id", rec.ID).Msg("failed to claim record")
			}
			continue
		}
		claimed = append(claimed, got)
	}
	result.Claimed = len(claimed)
	if len(claimed) == 0 {
		return result, nil
	}

	logger.Info().Int("records", len(claimed)).Msg("processing batch")

	var wg sync.WaitGroup
	for i, rec := range claimed {
		wg.Add(1)
		err := b.pool.Submit(func(taskCtx context.Context) {
			defer wg.Done()
			b.processOne(taskCtx, rec)
		})
		if err == nil {
			result.Pooled++
			continue
		}

		wg.Done()
		remaining := claimed[i:]
		b.fallbacks.Add(1)
		logger.Warn().Err(err).Int("records", len(remaining)).Msg("worker pool refused work, processing sequentially")
		for _, r := range remaining {
			b.processOne(ctx, r)
		}
		result.Fallback = len(remaining)
		break
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(b.cfg.BatchTimeout)
	defer timer.Stop()

	select {
	case <-done:
		logger.Info().Int("records", len(claimed)).Msg("batch completed")
	case <-timer.C:
		result.TimedOut = true
		logger.Warn().Dur("timeout", b.cfg.BatchTimeout).Msg("batch timed out, remaining records continue in background")
	case <-ctx.Done():
		result.TimedOut = true
		logger.Warn().Msg("cycle cancelled while waiting for batch")
	}
	return result, nil
}

func (b *BatchProcessor) processOne(ctx context.Context, rec *storage.Record) {
	err := b.processor.Process(ctx, rec)
	if errors.Is(err, ErrSuperseded) {
		return
	}
	b.processed.Add(1)
	if err != nil {
		b.failed.Add(1)
		return
	}
	b.succeeded.Add(1)
}

func (b *BatchProcessor) Stats() types.BatchStats {
	stats := types.BatchStats{
		TotalCycles:        b.cycles.Load(),
		TotalProcessed:     b.processed.Load(),
		TotalSucceeded:     b.succeeded.Load(),
		TotalFailed:        b.failed.Load(),
		SequentialFallback: b.fallbacks.Load(),
	}
	if ts := b.lastCycleAt.Load(); ts != 0 {
		stats.LastCycleAt = time.Unix(0, ts).UTC().Format(time.RFC3339)
	}
	if id, ok := b.lastCycleID.Load().(string); ok {
		stats.LastCycleID = id
	}
	return stats
}

func (b *BatchProcessor) ResetStats() {
	b.cycles.Store(0)
	b.processed.Store(0)
	b.succeeded.Store(0)
	b.failed.Store(0)
	b.fallbacks.Store(0)
	b.lastCycleAt.Store(0)
	b.lastCycleID.Store("")
}
