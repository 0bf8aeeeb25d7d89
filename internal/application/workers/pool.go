package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

// Pool runs a fixed group of workers against one queue category. Each
// worker pulls deliveries, claims them through the coordinator, runs the
// category's processor and reports the outcome back. A delivery whose
// claim fails is left unsettled so the recovery sweep can reclaim it.
type Pool struct {
	category  domain.Category
	size      int
	queue     ports.TaskQueue
	coord     Coordinator
	processor Processor
	metrics   ports.MetricsCollector
	logger    *zap.Logger

	workers []*worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// worker is a single pulling goroutine.
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a worker pool for the processor's category.
func NewPool(
	size int,
	queue ports.TaskQueue,
	coord Coordinator,
	processor Processor,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		category:  processor.Category(),
		size:      size,
		queue:     queue,
		coord:     coord,
		processor: processor,
		metrics:   metrics,
		logger:    logger.With(zap.String("category", string(processor.Category()))),
		workers:   make([]*worker, size),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Category returns the queue category this pool consumes.
func (p *Pool) Category() domain.Category {
	return p.category
}

// Start starts the worker pool
func (p *Pool) Start() error {
	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	for i := 0; i < p.size; i++ {
		w := &worker{
			id:      fmt.Sprintf("%s-worker-%d", p.category, i),
			pool:    p,
			status:  WorkerStatusIdle,
			lastJob: time.Now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(p.ctx)
	}

	p.metrics.SetWorkerCount(string(p.category), p.size)
	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Shutdown gracefully shuts down the worker pool
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.metrics.SetWorkerCount(string(p.category), 0)
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus)
	for _, w := range p.workers {
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// BusyWorkers returns how many workers are mid-task right now.
func (p *Pool) BusyWorkers() int {
	busy := 0
	for _, w := range p.workers {
		w.mu.RLock()
		if w.status == WorkerStatusBusy {
			busy++
		}
		w.mu.RUnlock()
	}
	return busy
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Info("worker started", zap.String("worker_id", w.id))

	for {
		if ctx.Err() != nil {
			break
		}

		d, err := w.pool.queue.Dequeue(ctx, w.pool.category, w.id)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.pool.logger.Error("dequeue failed",
				zap.String("worker_id", w.id),
				zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if d == nil {
			continue
		}

		w.handle(ctx, d)
	}

	w.mu.Lock()
	w.status = WorkerStatusStopped
	w.mu.Unlock()
	w.pool.logger.Info("worker stopped", zap.String("worker_id", w.id))
}

// handle drives one delivery through claim, process and settle.
func (w *worker) handle(ctx context.Context, d *ports.Delivery) {
	w.mu.Lock()
	w.status = WorkerStatusBusy
	w.lastJob = time.Now()
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.status = WorkerStatusIdle
		w.mu.Unlock()
	}()

	task := &d.Task

	run, err := w.pool.coord.BeginJob(ctx, d)
	if err != nil {
		// Unsettled; the recovery sweep will reclaim it.
		w.pool.logger.Error("failed to claim delivery",
			zap.String("worker_id", w.id),
			zap.String("job_id", task.JobID),
			zap.Error(err))
		return
	}
	if !run {
		return
	}

	w.pool.logger.Debug("processing task",
		zap.String("worker_id", w.id),
		zap.String("job_id", task.JobID),
		zap.String("execution_id", task.ExecutionID),
		zap.String("node_id", task.NodeID),
		zap.Int("attempt", task.Attempt))

	res, procErr := w.safeProcess(ctx, task)
	if procErr != nil {
		if err := w.pool.coord.HandleJobFailure(ctx, d, procErr); err != nil {
			w.pool.logger.Error("failed to record job failure",
				zap.String("job_id", task.JobID),
				zap.Error(err))
		}
		return
	}

	if err := w.pool.coord.HandleJobSuccess(ctx, d, res); err != nil {
		w.pool.logger.Error("failed to record job success",
			zap.String("job_id", task.JobID),
			zap.Error(err))
	}
}

// safeProcess converts a processor panic into a retryable failure instead
// of taking the worker down with it.
func (w *worker) safeProcess(ctx context.Context, task *domain.Task) (res *domain.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("processor panic",
				zap.String("worker_id", w.id),
				zap.String("job_id", task.JobID),
				zap.Any("panic", r))
			res = nil
			err = domain.NewProcessingError("processor panic: %v", r)
		}
	}()
	return w.pool.processor.Process(ctx, task)
}
