package types

type BatchStats struct {
	TotalCycles        int64  `json:"totalCycles"`
	TotalProcessed     int64  `json:"totalProcessedRecords"`
	TotalSucceeded     int64  `json:"totalSucceededRecords"`
	TotalFailed        int64  `json:"totalFailedRecords"`
	SequentialFallback int64  `json:"sequentialFallbacks"`
	LastCycleAt        string `json:"lastCycleAt,omitempty"`
	LastCycleID        string `json:"lastCycleId,omitempty"`
}

type SchedulerStatus struct {
	Status        string               `json:"status"`
	Enabled       bool                 `json:"enabled"`
	CycleRunning  bool                 `json:"cycleRunning"`
	StartedAt     string               `json:"startedAt,omitempty"`
	UptimeSeconds int64                `json:"uptimeSeconds"`
	Interval      string               `json:"interval"`
	Stats         BatchStats           `json:"stats"`
	StatusCounts  map[RecordStatus]int `json:"statusCounts,omitempty"`
}

type ControlResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Enabled bool   `json:"enabled"`
}

type LatencyHistogram struct {
	Under1s      int64 `json:"under1s"`
	From1To5s    int64 `json:"from1To5s"`
	From5To30s   int64 `json:"from5To30s"`
	From30To120s int64 `json:"from30To120s"`
	Over120s     int64 `json:"over120s"`
}

type LLMStats struct {
	TotalCalls       int64            `json:"totalCalls"`
	SuccessfulCalls  int64            `json:"successfulCalls"`
	FailedCalls      int64            `json:"failedCalls"`
	CacheHits        int64            `json:"cacheHits"`
	TotalRetries     int64            `json:"totalRetries"`
	SuccessRate      float64          `json:"successRate"`
	AvgLatencyMs     int64            `json:"avgLatencyMs"`
	MinLatencyMs     int64            `json:"minLatencyMs"`
	MaxLatencyMs     int64            `json:"maxLatencyMs"`
	Histogram        LatencyHistogram `json:"histogram"`
	ErrorsByCategory map[string]int64 `json:"errorsByCategory"`
}

type LLMAnalysis struct {
	Trend             string   `json:"trend"`
	RecentAvgMs       int64    `json:"recentAvgMs"`
	PreviousAvgMs     int64    `json:"previousAvgMs"`
	RecentFailureRate float64  `json:"recentFailureRate"`
	Suggestions       []string `json:"suggestions"`
}

type LLMStatsResponse struct {
	Status   string      `json:"status"`
	Stats    LLMStats    `json:"stats"`
	Analysis LLMAnalysis `json:"analysis"`
}

type LLMCall struct {
	Timestamp     string `json:"timestamp"`
	Success       bool   `json:"success"`
	LatencyMs     int64  `json:"latencyMs"`
	ErrorCategory string `json:"errorCategory,omitempty"`
	RetryCount    int    `json:"retryCount"`
	CacheHit      bool   `json:"cacheHit"`
}

type LLMCallHistoryResponse struct {
	Status string    `json:"status"`
	Count  int       `json:"count"`
	Calls  []LLMCall `json:"calls"`
}
