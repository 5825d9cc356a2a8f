// Package metrics records LLM call statistics for the diagnostics endpoints.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

const HistorySize = 100

type CallRecord struct {
	Timestamp     time.Time
	Success       bool
	Latency       time.Duration
	ErrorCategory string
	RetryCount    int
	CacheHit      bool
}

// Histogram buckets: <1s, 1-5s, 5-30s, 30-120s, >120s.
type Histogram struct {
	Under1s      int64
	From1To5s    int64
	From5To30s   int64
	From30To120s int64
	Over120s     int64
}

type Stats struct {
	TotalCalls       int64
	SuccessfulCalls  int64
	FailedCalls      int64
	CacheHits        int64
	TotalRetries     int64
	AvgLatency       time.Duration
	MinLatency       time.Duration
	MaxLatency       time.Duration
	Histogram        Histogram
	ErrorsByCategory map[string]int64
}

func (s Stats) SuccessRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.SuccessfulCalls) / float64(s.TotalCalls)
}

// Collector is injected wherever LLM calls are made so tests can observe
// them without global state.
type Collector interface {
	RecordCall(rec CallRecord)
	Snapshot() Stats
	History(limit int) []CallRecord
	Reset()
}

// AtomicCollector keeps counters in atomics; only the history ring takes a
// lock.
type AtomicCollector struct {
	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
	cacheHits  atomic.Int64
	retries    atomic.Int64

	// latency aggregates cover network calls only
	latencyCount atomic.Int64
	latencySumNs atomic.Int64
	minNs        atomic.Int64 // 0 = unset
	maxNs        atomic.Int64
	buckets      [5]atomic.Int64

	categories sync.Map // string -> *atomic.Int64

	mu      sync.Mutex
	history [HistorySize]CallRecord
	next    int
	size    int
}

func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{}
}

func (c *AtomicCollector) RecordCall(rec CallRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	c.total.Add(1)
	if rec.Success {
		c.successful.Add(1)
	} else {
		c.failed.Add(1)
	}
	if rec.RetryCount > 0 {
		c.retries.Add(int64(rec.RetryCount))
	}
	if rec.ErrorCategory != "" {
		counter, _ := c.categories.LoadOrStore(rec.ErrorCategory, new(atomic.Int64))
		counter.(*atomic.Int64).Add(1)
	}

	if rec.CacheHit {
		c.cacheHits.Add(1)
	} else {
		c.observeLatency(rec.Latency)
	}

	c.mu.Lock()
	c.history[c.next] = rec
	c.next = (c.next + 1) % HistorySize
	if c.size < HistorySize {
		c.size++
	}
	c.mu.Unlock()
}

func (c *AtomicCollector) observeLatency(d time.Duration) {
	ns := int64(d)
	if ns <= 0 {
		ns = 1
	}
	c.latencyCount.Add(1)
	c.latencySumNs.Add(ns)

	for {
		cur := c.minNs.Load()
		if cur != 0 && cur <= ns {
			break
		}
		if c.minNs.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := c.maxNs.Load()
		if cur >= ns {
			break
		}
		if c.maxNs.CompareAndSwap(cur, ns) {
			break
		}
	}

	c.buckets[bucketFor(d)].Add(1)
}

func bucketFor(d time.Duration) int {
	switch {
	case d < time.Second:
		return 0
	case d < 5*time.Second:
		return 1
	case d < 30*time.Second:
		return 2
	case d < 120*time.Second:
		return 3
	default:
		return 4
	}
}

func (c *AtomicCollector) Snapshot() Stats {
	s := Stats{
		TotalCalls:      c.total.Load(),
		SuccessfulCalls: c.successful.Load(),
		FailedCalls:     c.failed.Load(),
		CacheHits:       c.cacheHits.Load(),
		TotalRetries:    c.retries.Load(),
		MinLatency:      time.Duration(c.minNs.Load()),
		MaxLatency:      time.Duration(c.maxNs.Load()),
		Histogram: Histogram{
			Under1s:      c.buckets[0].Load(),
			From1To5s:    c.buckets[1].Load(),
			From5To30s:   c.buckets[2].Load(),
			From30To120s: c.buckets[3].Load(),
			Over120s:     c.buckets[4].Load(),
		},
		ErrorsByCategory: make(map[string]int64),
	}
	if n := c.latencyCount.Load(); n > 0 {
		s.AvgLatency = time.Duration(c.latencySumNs.Load() / n)
	}
	c.categories.Range(func(key, value any) bool {
		s.ErrorsByCategory[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return s
}

// History returns up to limit of the most recent calls, newest first.
func (c *AtomicCollector) History(limit int) []CallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 || limit > c.size {
		limit = c.size
	}
	out := make([]CallRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (c.next - 1 - i + HistorySize) % HistorySize
		out = append(out, c.history[idx])
	}
	return out
}

func (c *AtomicCollector) Reset() {
	c.total.Store(0)
	c.successful.Store(0)
	c.failed.Store(0)
	c.cacheHits.Store(0)
	c.retries.Store(0)
	c.latencyCount.Store(0)
	c.latencySumNs.Store(0)
	c.minNs.Store(0)
	c.maxNs.Store(0)
	for i := range c.buckets {
		c.buckets[i].Store(0)
	}
	c.categories.Clear()

	c.mu.Lock()
	c.history = [HistorySize]CallRecord{}
	c.next = 0
	c.size = 0
	c.mu.Unlock()
}
