package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrPoolSaturated = errors.New("worker pool queue is full")
	ErrPoolClosed    = errors.New("worker pool is closed")
)

type Task func(ctx context.Context)

type PoolConfig struct {
	Workers   int
	QueueSize int
	// MaxConcurrency caps tasks running at once, independent of Workers.
	MaxConcurrency int
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:        10,
		QueueSize:      50,
		MaxConcurrency: 10,
	}
}

// Pool is a fixed set of workers draining a bounded queue. Submit never
// blocks; callers decide what to do with work the pool refuses.
type Pool struct {
	tasks  chan Task
	sem    *semaphore.Weighted
	group  *errgroup.Group
	cancel context.CancelFunc
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool

	active atomic.Int64
}

func NewPool(cfg PoolConfig, logger zerolog.Logger) *Pool {
	defaults := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = cfg.Workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	p := &Pool{
		tasks:  make(chan Task, cfg.QueueSize),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		group:  g,
		cancel: cancel,
		logger: logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error { return p.work(gctx) })
	}
	return p
}

func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrPoolSaturated
	}
}

// Active reports how many tasks are executing right now.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Close stops intake and waits for queued tasks. If ctx ends first the
// running tasks see their context cancelled and queued ones are abandoned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()

	select {
	case err := <-done:
		p.cancel()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) work(ctx context.Context) error {
	for task := range p.tasks {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		p.run(ctx, task)
		p.sem.Release(1)
	}
	return nil
}

func (p *Pool) run(ctx context.Context, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("worker task panicked")
		}
	}()
	task(ctx)
}
