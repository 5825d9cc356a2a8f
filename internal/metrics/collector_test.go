package metrics

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestAtomicCollectorAggregates(t *testing.T) {
	c := NewAtomicCollector()

	c.RecordCall(CallRecord{Success: true, Latency: 500 * time.Millisecond})
	c.RecordCall(CallRecord{Success: true, Latency: 3 * time.Second, RetryCount: 1})
	c.RecordCall(CallRecord{Success: false, Latency: 45 * time.Second, RetryCount: 2, ErrorCategory: "READ_TIMEOUT"})
	c.RecordCall(CallRecord{Success: true, CacheHit: true})

	s := c.Snapshot()
	assert.Equal(t, int64(4), s.TotalCalls)
	assert.Equal(t, int64(3), s.SuccessfulCalls)
	assert.Equal(t, int64(1), s.FailedCalls)
	assert.Equal(t, int64(1), s.CacheHits)
	assert.Equal(t, int64(3), s.TotalRetries)
	assert.Equal(t, 500*time.Millisecond, s.MinLatency)
	assert.Equal(t, 45*time.Second, s.MaxLatency)
	assert.Equal(t, (500*time.Millisecond+3*time.Second+45*time.Second)/3, s.AvgLatency)
	assert.Equal(t, Histogram{Under1s: 1, From1To5s: 1, From30To120s: 1}, s.Histogram)
	assert.Equal(t, int64(1), s.ErrorsByCategory["READ_TIMEOUT"])
	assert.InDelta(t, 0.75, s.SuccessRate(), 0.0001)
}

func TestHistogramBoundaries(t *testing.T) {
	assert.Equal(t, 0, bucketFor(999*time.Millisecond))
	assert.Equal(t, 1, bucketFor(time.Second))
	assert.Equal(t, 2, bucketFor(5*time.Second))
	assert.Equal(t, 3, bucketFor(30*time.Second))
	assert.Equal(t, 4, bucketFor(120*time.Second))
}

func TestHistoryRingBuffer(t *testing.T) {
	c := NewAtomicCollector()
	for i := 0; i < HistorySize+25; i++ {
		c.RecordCall(CallRecord{Success: true, Latency: time.Duration(i+1) * time.Millisecond})
	}

	all := c.History(0)
	require.Len(t, all, HistorySize)
	assert.Equal(t, time.Duration(HistorySize+25)*time.Millisecond, all[0].Latency, "newest first")
	assert.Equal(t, 26*time.Millisecond, all[HistorySize-1].Latency, "oldest surviving entry")

	recent := c.History(5)
	require.Len(t, recent, 5)
	assert.Equal(t, all[:5], recent)
}

func TestReset(t *testing.T) {
	c := NewAtomicCollector()
	c.RecordCall(CallRecord{Success: false, Latency: time.Second, ErrorCategory: "GENERIC_ERROR"})
	c.Reset()

	s := c.Snapshot()
	assert.Zero(t, s.TotalCalls)
	assert.Zero(t, s.MaxLatency)
	assert.Empty(t, s.ErrorsByCategory)
	assert.Empty(t, c.History(10))

	c.RecordCall(CallRecord{Success: true, Latency: 2 * time.Second})
	assert.Equal(t, 2*time.Second, c.Snapshot().MinLatency)
}

func TestConcurrentRecording(t *testing.T) {
	c := NewAtomicCollector()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				c.RecordCall(CallRecord{
					Success:       i%5 != 0,
					Latency:       time.Duration(g*250+i+1) * time.Millisecond,
					ErrorCategory: map[bool]string{true: "", false: "HTTP_SERVER_ERROR"}[i%5 != 0],
				})
			}
		}(g)
	}
	wg.Wait()

	s := c.Snapshot()
	assert.Equal(t, int64(2000), s.TotalCalls)
	assert.Equal(t, int64(400), s.FailedCalls)
	assert.Equal(t, int64(400), s.ErrorsByCategory["HTTP_SERVER_ERROR"])
	assert.Equal(t, time.Millisecond, s.MinLatency)
	assert.Equal(t, 2000*time.Millisecond, s.MaxLatency)
	assert.Len(t, c.History(0), HistorySize)
}

func TestAnalyzeTrends(t *testing.T) {
	build := func(recent, previous time.Duration) []CallRecord {
		var h []CallRecord
		for i := 0; i < 10; i++ {
			h = append(h, CallRecord{Success: true, Latency: recent})
		}
		for i := 0; i < 10; i++ {
			h = append(h, CallRecord{Success: true, Latency: previous})
		}
		return h
	}

	assert.Equal(t, TrendDegrading, Analyze(Stats{}, build(10*time.Second, 2*time.Second)).Trend)
	assert.Equal(t, TrendImproving, Analyze(Stats{}, build(time.Second, 4*time.Second)).Trend)
	assert.Equal(t, TrendStable, Analyze(Stats{}, build(2*time.Second, 2*time.Second)).Trend)
	assert.Equal(t, TrendInsufficientData, Analyze(Stats{}, build(time.Second, time.Second)[:5]).Trend)
}

func TestAnalyzeSuggestions(t *testing.T) {
	var history []CallRecord
	for i := 0; i < 20; i++ {
		history = append(history, CallRecord{Success: i%2 == 0, Latency: time.Second, ErrorCategory: "READ_TIMEOUT"})
	}
	stats := Stats{
		TotalCalls:       20,
		SuccessfulCalls:  10,
		FailedCalls:      10,
		TotalRetries:     12,
		AvgLatency:       40 * time.Second,
		ErrorsByCategory: map[string]int64{"READ_TIMEOUT": 10, "HTTP_SERVER_ERROR": 2},
	}

	a := Analyze(stats, history)
	joined := fmt.Sprint(a.Suggestions)
	assert.Contains(t, joined, "failure rate")
	assert.Contains(t, joined, "READ_TIMEOUT")
	assert.Contains(t, joined, "30s")
	assert.Contains(t, joined, "retries")

	assert.Equal(t, []string{"No tuning needed."}, Analyze(Stats{}, nil).Suggestions)
}

func TestOTelCollectorMirrorsCalls(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	inner := NewAtomicCollector()
	c, err := NewOTelCollector(inner, provider.Meter("test"))
	require.NoError(t, err)

	c.RecordCall(CallRecord{Success: true, Latency: 1200 * time.Millisecond})
	c.RecordCall(CallRecord{Success: false, Latency: 300 * time.Millisecond, RetryCount: 2, ErrorCategory: "HTTP_SERVER_ERROR"})
	c.RecordCall(CallRecord{Success: true, CacheHit: true})

	assert.Equal(t, int64(3), c.Snapshot().TotalCalls, "queries delegate to the wrapped collector")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	var latencyCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					latencyCount += dp.Count
				}
			}
		}
	}

	assert.Equal(t, int64(3), sums["llm.calls"])
	assert.Equal(t, int64(1), sums["llm.calls.failed"])
	assert.Equal(t, int64(1), sums["llm.cache.hits"])
	assert.Equal(t, int64(2), sums["llm.retries"])
	assert.Equal(t, uint64(2), latencyCount)
}
