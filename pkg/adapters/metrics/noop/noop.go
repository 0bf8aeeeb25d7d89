// Package noop provides a MetricsCollector that records nothing. Tests and
// tools that do not expose /metrics use it so the Prometheus registry is
// never touched.
package noop

import "time"

// Collector implements MetricsCollector and discards every observation.
type Collector struct{}

// NewCollector creates a no-op metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

func (Collector) RecordExecutionSubmitted(mode string) {}

func (Collector) RecordExecutionCompleted(status string, duration time.Duration) {}

func (Collector) RecordNodeExecuted(category, status string, duration time.Duration) {}

func (Collector) RecordJobRetry(category string) {}

func (Collector) RecordRateLimit(category string) {}

func (Collector) RecordDeadLetter(category string) {}

func (Collector) RecordOrphanRecovered() {}

func (Collector) SetQueueDepth(category string, depth int64) {}

func (Collector) SetWorkerCount(category string, count int) {}

func (Collector) SetActiveExecutions(count int) {}

func (Collector) ObserveProviderLatency(provider string, duration time.Duration) {}

func (Collector) RecordProviderTokens(model, tokenType string, count int) {}
