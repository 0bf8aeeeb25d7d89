package workers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

// HealthMonitor samples the worker pools, queue depths and running
// executions on an interval, publishing them as gauges and summary logs.
type HealthMonitor struct {
	pools      []*Pool
	queue      ports.TaskQueue
	executions ports.ExecutionStore
	metrics    ports.MetricsCollector
	interval   time.Duration
	logger     *zap.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// HealthStatus is one sampled snapshot across all pools.
type HealthStatus struct {
	TotalWorkers     int
	BusyWorkers      int
	StoppedWorkers   int
	QueueDepths      map[string]int64
	ActiveExecutions int
	Healthy          bool
	Timestamp        time.Time
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(
	pools []*Pool,
	queue ports.TaskQueue,
	executions ports.ExecutionStore,
	metrics ports.MetricsCollector,
	interval time.Duration,
	logger *zap.Logger,
) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		pools:      pools,
		queue:      queue,
		executions: executions,
		metrics:    metrics,
		interval:   interval,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start starts the health monitor
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

// Stop stops the health monitor
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.stopCh)
}

// run is the main health monitoring loop
func (h *HealthMonitor) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkHealth()
		}
	}
}

// checkHealth samples one snapshot and pushes it to the gauges.
func (h *HealthMonitor) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := h.sample(ctx)

	h.logger.Info("worker health check",
		zap.Int("total", status.TotalWorkers),
		zap.Int("busy", status.BusyWorkers),
		zap.Int("stopped", status.StoppedWorkers),
		zap.Int("active_executions", status.ActiveExecutions),
		zap.Bool("healthy", status.Healthy))

	if !status.Healthy {
		h.logger.Warn("worker pools degraded",
			zap.Int("stopped", status.StoppedWorkers),
			zap.Int("total", status.TotalWorkers))
	}

	if status.TotalWorkers > 0 && status.BusyWorkers == status.TotalWorkers {
		h.logger.Warn("all workers are busy - consider scaling up",
			zap.Int("total", status.TotalWorkers))
	}
}

func (h *HealthMonitor) sample(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		QueueDepths: make(map[string]int64),
		Timestamp:   time.Now(),
	}

	for _, p := range h.pools {
		for _, s := range p.GetStatus() {
			status.TotalWorkers++
			switch s {
			case WorkerStatusBusy:
				status.BusyWorkers++
			case WorkerStatusStopped:
				status.StoppedWorkers++
			}
		}
	}

	for _, c := range domain.Categories() {
		depth, err := h.queue.Depth(ctx, c)
		if err != nil {
			h.logger.Warn("failed to read queue depth",
				zap.String("category", string(c)),
				zap.Error(err))
			continue
		}
		status.QueueDepths[string(c)] = depth
		h.metrics.SetQueueDepth(string(c), depth)
	}

	running, err := h.executions.ListByStatus(ctx, domain.ExecutionStatusRunning)
	if err != nil {
		h.logger.Warn("failed to count running executions", zap.Error(err))
	} else {
		status.ActiveExecutions = len(running)
		h.metrics.SetActiveExecutions(len(running))
	}

	status.Healthy = status.StoppedWorkers == 0

	return status
}

// GetStatus returns the current health status
func (h *HealthMonitor) GetStatus() *HealthStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.sample(ctx)
}

// IsHealthy returns true when no worker has stopped unexpectedly.
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
