package ports

import "time"

// MetricsCollector records operational metrics. Implementations must be
// safe for concurrent use.
type MetricsCollector interface {
	RecordExecutionSubmitted(mode string)
	RecordExecutionCompleted(status string, duration time.Duration)
	RecordNodeExecuted(category, status string, duration time.Duration)
	RecordJobRetry(category string)
	RecordRateLimit(category string)
	RecordDeadLetter(category string)
	RecordOrphanRecovered()
	SetQueueDepth(category string, depth int64)
	SetWorkerCount(category string, count int)
	SetActiveExecutions(count int)
	ObserveProviderLatency(provider string, duration time.Duration)
	RecordProviderTokens(model, tokenType string, count int)
}
