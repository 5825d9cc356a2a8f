package api

import (
	"time"

	"github.com/georgeshao/prompt-relay/internal/metrics"
	"github.com/georgeshao/prompt-relay/internal/storage"
	"github.com/georgeshao/prompt-relay/pkg/types"
)

func recordToView(record *storage.Record) types.Record {
	view := types.Record{
		ID:           record.ID,
		Status:       record.Status,
		HasResult:    record.EncryptedResult != nil,
		Error:        record.ErrorMessage,
		ClaimedBy:    record.ClaimedBy,
		ReceivedTime: record.ReceivedAt.Format(time.RFC3339),
		CreatedAt:    record.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    record.UpdatedAt.Format(time.RFC3339),
	}

	if record.ClaimExpiry != nil {
		expiry := record.ClaimExpiry.Format(time.RFC3339)
		view.ClaimExpiry = &expiry
	}

	return view
}

func statsToResponse(stats metrics.Stats) types.LLMStats {
	errs := stats.ErrorsByCategory
	if errs == nil {
		errs = map[string]int64{}
	}
	return types.LLMStats{
		TotalCalls:      stats.TotalCalls,
		SuccessfulCalls: stats.SuccessfulCalls,
		FailedCalls:     stats.FailedCalls,
		CacheHits:       stats.CacheHits,
		TotalRetries:    stats.TotalRetries,
		SuccessRate:     stats.SuccessRate(),
		AvgLatencyMs:    stats.AvgLatency.Milliseconds(),
		MinLatencyMs:    stats.MinLatency.Milliseconds(),
		MaxLatencyMs:    stats.MaxLatency.Milliseconds(),
		Histogram: types.LatencyHistogram{
			Under1s:      stats.Histogram.Under1s,
			From1To5s:    stats.Histogram.From1To5s,
			From5To30s:   stats.Histogram.From5To30s,
			From30To120s: stats.Histogram.From30To120s,
			Over120s:     stats.Histogram.Over120s,
		},
		ErrorsByCategory: errs,
	}
}

func analysisToResponse(a metrics.Analysis) types.LLMAnalysis {
	return types.LLMAnalysis{
		Trend:             a.Trend,
		RecentAvgMs:       a.RecentAvg.Milliseconds(),
		PreviousAvgMs:     a.PreviousAvg.Milliseconds(),
		RecentFailureRate: a.RecentFailureRate,
		Suggestions:       a.Suggestions,
	}
}

func callsToResponse(records []metrics.CallRecord) []types.LLMCall {
	calls := make([]types.LLMCall, 0, len(records))
	for _, rec := range records {
		calls = append(calls, types.LLMCall{
			Timestamp:     rec.Timestamp.Format(time.RFC3339Nano),
			Success:       rec.Success,
			LatencyMs:     rec.Latency.Milliseconds(),
			ErrorCategory: rec.ErrorCategory,
			RetryCount:    rec.RetryCount,
			CacheHit:      rec.CacheHit,
		})
	}
	return calls
}
