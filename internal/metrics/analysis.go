package metrics

import (
	"fmt"
	"sort"
	"time"
)

const (
	TrendInsufficientData = "insufficient_data"
	TrendImproving        = "improving"
	TrendStable           = "stable"
	TrendDegrading        = "degrading"
)

const minCallsForTrend = 10

type Analysis struct {
	Trend             string
	RecentAvg         time.Duration
	PreviousAvg       time.Duration
	RecentFailureRate float64
	Suggestions       []string
}

// Analyze compares the newer half of history against the older half.
// history is newest first, as returned by Collector.History.
func Analyze(stats Stats, history []CallRecord) Analysis {
	var network []CallRecord
	for _, rec := range history {
		if !rec.CacheHit {
			network = append(network, rec)
		}
	}

	a := Analysis{Trend: TrendInsufficientData}
	if len(network) >= minCallsForTrend {
		half := len(network) / 2
		recent, previous := network[:half], network[half:]
		a.RecentAvg = averageLatency(recent)
		a.PreviousAvg = averageLatency(previous)
		a.RecentFailureRate = failureRate(recent)

		switch {
		case a.PreviousAvg == 0:
			a.Trend = TrendStable
		case float64(a.RecentAvg) > float64(a.PreviousAvg)*1.2:
			a.Trend = TrendDegrading
		case float64(a.RecentAvg) < float64(a.PreviousAvg)*0.8:
			a.Trend = TrendImproving
		default:
			a.Trend = TrendStable
		}
	} else if len(network) > 0 {
		a.RecentAvg = averageLatency(network)
		a.RecentFailureRate = failureRate(network)
	}

	a.Suggestions = suggestions(stats, a)
	return a
}

func suggestions(stats Stats, a Analysis) []string {
	var out []string

	if a.RecentFailureRate > 0.2 {
		out = append(out, fmt.Sprintf("Recent failure rate is %.0f%%; check LLM endpoint health and network path.", a.RecentFailureRate*100))
	}
	if top, n := dominantCategory(stats.ErrorsByCategory); n > 0 {
		out = append(out, fmt.Sprintf("Most failed attempts are %s (%d); address that first.", top, n))
	}
	if stats.AvgLatency > 30*time.Second {
		out = append(out, "Average latency exceeds 30s; consider a longer request timeout or shorter prompts.")
	}
	if a.Trend == TrendDegrading {
		out = append(out, "Latency is trending up; consider lowering batch concurrency or the request rate.")
	}
	network := stats.TotalCalls - stats.CacheHits
	if network > 0 && float64(stats.TotalRetries)/float64(network) > 0.3 {
		out = append(out, "More than 30% of calls needed retries; the upstream may be overloaded.")
	}
	if stats.TotalCalls > 0 && float64(stats.CacheHits)/float64(stats.TotalCalls) > 0.5 {
		out = append(out, "Cache serves over half of all calls; a larger cache may help further.")
	}
	if len(out) == 0 {
		out = append(out, "No tuning needed.")
	}
	return out
}

func dominantCategory(counts map[string]int64) (string, int64) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var top string
	var max int64
	for _, k := range keys {
		if counts[k] > max {
			top, max = k, counts[k]
		}
	}
	return top, max
}

func averageLatency(recs []CallRecord) time.Duration {
	if len(recs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, r := range recs {
		sum += r.Latency
	}
	return sum / time.Duration(len(recs))
}

func failureRate(recs []CallRecord) float64 {
	if len(recs) == 0 {
		return 0
	}
	var failed int
	for _, r := range recs {
		if !r.Success {
			failed++
		}
	}
	return float64(failed) / float64(len(recs))
}
