package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus.
type Collector struct {
	executionsSubmitted *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec
	nodesExecuted       *prometheus.CounterVec
	nodeDuration        *prometheus.HistogramVec
	jobRetries          *prometheus.CounterVec
	rateLimits          *prometheus.CounterVec
	deadLetters         *prometheus.CounterVec
	orphansRecovered    prometheus.Counter
	queueDepth          *prometheus.GaugeVec
	workerCount         *prometheus.GaugeVec
	activeExecutions    prometheus.Gauge
	providerLatency     *prometheus.HistogramVec
	providerTokens      *prometheus.CounterVec
}

// NewCollector creates a new Prometheus metrics collector.
func NewCollector() *Collector {
	return &Collector{
		executionsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_executions_submitted_total",
				Help: "Total number of workflow executions submitted",
			},
			[]string{"mode"},
		),
		executionsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_executions_completed_total",
				Help: "Total number of workflow executions reaching a terminal status",
			},
			[]string{"status"},
		),
		executionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weft_execution_duration_seconds",
				Help:    "Workflow execution duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		nodesExecuted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_nodes_executed_total",
				Help: "Total number of node jobs executed",
			},
			[]string{"category", "status"},
		),
		nodeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weft_node_duration_seconds",
				Help:    "Node job duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"category"},
		),
		jobRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_job_retries_total",
				Help: "Total number of job retry attempts scheduled",
			},
			[]string{"category"},
		),
		rateLimits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_rate_limits_total",
				Help: "Total number of provider rate-limit reschedules",
			},
			[]string{"category"},
		),
		deadLetters: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_dead_letters_total",
				Help: "Total number of jobs moved to the dead-letter queue",
			},
			[]string{"category"},
		),
		orphansRecovered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "weft_orphans_recovered_total",
				Help: "Total number of orphaned jobs re-enqueued by recovery",
			},
		),
		queueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "weft_queue_depth",
				Help: "Current depth (ready plus delayed) of each task queue",
			},
			[]string{"category"},
		),
		workerCount: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "weft_worker_count",
				Help: "Current number of workers by category",
			},
			[]string{"category"},
		),
		activeExecutions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "weft_active_executions",
				Help: "Number of currently running executions",
			},
		),
		providerLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weft_provider_latency_seconds",
				Help:    "Provider API call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 60},
			},
			[]string{"provider"},
		),
		providerTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_provider_tokens_total",
				Help: "Total number of LLM tokens consumed",
			},
			[]string{"model", "type"},
		),
	}
}

// RecordExecutionSubmitted increments the submission counter.
func (c *Collector) RecordExecutionSubmitted(mode string) {
	c.executionsSubmitted.WithLabelValues(mode).Inc()
}

// RecordExecutionCompleted records a terminal execution and its duration.
func (c *Collector) RecordExecutionCompleted(status string, duration time.Duration) {
	c.executionsCompleted.WithLabelValues(status).Inc()
	c.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordNodeExecuted records one finished node job and its duration.
func (c *Collector) RecordNodeExecuted(category, status string, duration time.Duration) {
	c.nodesExecuted.WithLabelValues(category, status).Inc()
	c.nodeDuration.WithLabelValues(category).Observe(duration.Seconds())
}

// RecordJobRetry increments the retry counter for a category.
func (c *Collector) RecordJobRetry(category string) {
	c.jobRetries.WithLabelValues(category).Inc()
}

// RecordRateLimit increments the rate-limit reschedule counter.
func (c *Collector) RecordRateLimit(category string) {
	c.rateLimits.WithLabelValues(category).Inc()
}

// RecordDeadLetter increments the dead-letter counter for a category.
func (c *Collector) RecordDeadLetter(category string) {
	c.deadLetters.WithLabelValues(category).Inc()
}

// RecordOrphanRecovered increments the orphan recovery counter.
func (c *Collector) RecordOrphanRecovered() {
	c.orphansRecovered.Inc()
}

// SetQueueDepth sets the current depth of a category queue.
func (c *Collector) SetQueueDepth(category string, depth int64) {
	c.queueDepth.WithLabelValues(category).Set(float64(depth))
}

// SetWorkerCount sets the current number of workers for a category.
func (c *Collector) SetWorkerCount(category string, count int) {
	c.workerCount.WithLabelValues(category).Set(float64(count))
}

// SetActiveExecutions sets the number of currently running executions.
func (c *Collector) SetActiveExecutions(count int) {
	c.activeExecutions.Set(float64(count))
}

// ObserveProviderLatency records the latency of a provider API call.
func (c *Collector) ObserveProviderLatency(provider string, duration time.Duration) {
	c.providerLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordProviderTokens adds consumed LLM tokens by model and type.
func (c *Collector) RecordProviderTokens(model, tokenType string, count int) {
	c.providerTokens.WithLabelValues(model, tokenType).Add(float64(count))
}
