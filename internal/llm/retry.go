package llm

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/georgeshao/prompt-relay/internal/cache"
	"github.com/georgeshao/prompt-relay/internal/metrics"
)

const (
	MaxRetryAttempts = 3
	BaseDelay        = time.Second
	MaxDelay         = 10 * time.Second

	minJitter = 0.2
	maxJitter = 0.6
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: MaxRetryAttempts,
		BaseDelay:   BaseDelay,
		MaxDelay:    MaxDelay,
	}
}

type Result struct {
	Success      bool
	Text         string
	CacheHit     bool
	AttemptsMade int
	TotalTime    time.Duration
	ErrorType    Category
	ErrorMessage string
	RecoveryHint string
}

// Err summarises a failed result; nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("LLM call failed after %d attempts [%s]: %s", r.AttemptsMade, r.ErrorType, r.ErrorMessage)
}

// Backoff returns the wait before retrying after the given attempt
// (1-based): base*2^(attempt-1) plus 20-60% jitter, capped at max.
// jitter is a uniform sample in [0, 1).
func Backoff(attempt int, base, max time.Duration, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	fraction := minJitter + (maxJitter-minJitter)*jitter
	total := delay + time.Duration(float64(delay)*fraction)
	if total > max {
		return max
	}
	return total
}

// RetryingClient wraps a Completer with a response cache, bounded retries
// and call statistics.
type RetryingClient struct {
	backend   Completer
	cache     cache.Cache
	collector metrics.Collector
	cfg       RetryConfig
	logger    zerolog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	jitter    func() float64
	now       func() time.Time
}

type Option func(*RetryingClient)

func WithCache(c cache.Cache) Option {
	return func(r *RetryingClient) { r.cache = c }
}

func WithCollector(c metrics.Collector) Option {
	return func(r *RetryingClient) { r.collector = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *RetryingClient) { r.logger = l }
}

func WithRetryConfig(cfg RetryConfig) Option {
	return func(r *RetryingClient) { r.cfg = cfg }
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *RetryingClient) { r.sleep = fn }
}

func WithJitter(fn func() float64) Option {
	return func(r *RetryingClient) { r.jitter = fn }
}

func NewRetryingClient(backend Completer, opts ...Option) *RetryingClient {
	r := &RetryingClient{
		backend:   backend,
		collector: metrics.NewAtomicCollector(),
		cfg:       DefaultRetryConfig(),
		logger:    zerolog.Nop(),
		sleep:     sleepContext,
		jitter:    rand.Float64,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.MaxAttempts <= 0 {
		r.cfg.MaxAttempts = MaxRetryAttempts
	}
	return r
}

func (r *RetryingClient) Collector() metrics.Collector {
	return r.collector
}

func (r *RetryingClient) Call(ctx context.Context, prompt string) Result {
	start := r.now()
	key := cache.Key(prompt)

	if r.cache != nil {
		value, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			r.logger.Warn().Err(err).Msg("response cache read failed")
		} else if ok {
			elapsed := r.now().Sub(start)
			r.collector.RecordCall(metrics.CallRecord{
				Timestamp: start,
				Success:   true,
				Latency:   elapsed,
				CacheHit:  true,
			})
			return Result{Success: true, Text: value, CacheHit: true, TotalTime: elapsed}
		}
	}

	var (
		lastErr  error
		category Category
		attempts int
	)
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		text, err := r.backend.Complete(ctx, prompt)
		if err == nil {
			if r.cache != nil {
				if err := r.cache.Set(ctx, key, text); err != nil {
					r.logger.Warn().Err(err).Msg("response cache write failed")
				}
			}
			elapsed := r.now().Sub(start)
			r.collector.RecordCall(metrics.CallRecord{
				Timestamp:  start,
				Success:    true,
				Latency:    elapsed,
				RetryCount: attempt - 1,
			})
			return Result{Success: true, Text: text, AttemptsMade: attempt, TotalTime: elapsed}
		}

		lastErr = err
		category = CategoryOf(err)
		r.logger.Warn().
			Int("attempt", attempt).
			Int("max_attempts", r.cfg.MaxAttempts).
			Str("category", string(category)).
			Err(err).
			Msg("LLM attempt failed")

		if !category.Retryable() || attempt == r.cfg.MaxAttempts {
			break
		}

		delay := Backoff(attempt, r.cfg.BaseDelay, r.cfg.MaxDelay, r.jitter())
		if err := r.sleep(ctx, delay); err != nil {
			lastErr = err
			category = ThreadInterrupted
			break
		}
	}

	elapsed := r.now().Sub(start)
	r.collector.RecordCall(metrics.CallRecord{
		Timestamp:     start,
		Success:       false,
		Latency:       elapsed,
		ErrorCategory: string(category),
		RetryCount:    attempts - 1,
	})

	return Result{
		AttemptsMade: attempts,
		TotalTime:    elapsed,
		ErrorType:    category,
		ErrorMessage: lastErr.Error(),
		RecoveryHint: RecoveryHint(category),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
