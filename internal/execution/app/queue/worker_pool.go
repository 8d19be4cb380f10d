// Package queue dispatches execution segments to a fixed pool of workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/metrics"
)

var (
	ErrPoolStopped = errors.New("worker pool is stopped")
	ErrQueueFull   = errors.New("worker pool queue is full")
)

// TaskKind says why an execution is being driven.
type TaskKind string

const (
	TaskStart   TaskKind = "start"
	TaskResume  TaskKind = "resume"
	TaskReplay  TaskKind = "replay"
	TaskRecover TaskKind = "recover"
)

// Task is one execution segment: run the execution until it settles.
type Task struct {
	ID          string
	ExecutionID string
	Kind        TaskKind
	CreatedAt   time.Time
}

// ExecutorFunc drives a task. Returned errors are logged and counted.
type ExecutorFunc func(ctx context.Context, task *Task) error

type Config struct {
	Workers   int
	QueueSize int
	// DispatchRate limits task starts per second across the pool. Zero disables the limit.
	DispatchRate  float64
	DispatchBurst int
	SubmitTimeout time.Duration
}

// WorkerPool runs submitted tasks on Workers goroutines.
type WorkerPool struct {
	config   Config
	tasks    chan *Task
	executor ExecutorFunc
	limiter  *rate.Limiter
	clock    clock.Clock
	logger   logger.Logger

	activeWorkers  int32
	totalTasks     int64
	completedTasks int64
	failedTasks    int64

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewWorkerPool(cfg Config, executor ExecutorFunc, clk clock.Clock, log logger.Logger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.DispatchRate > 0 {
		burst := cfg.DispatchBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst)
	}

	return &WorkerPool{
		config:   cfg,
		tasks:    make(chan *Task, cfg.QueueSize),
		executor: executor,
		limiter:  limiter,
		clock:    clk,
		logger:   log,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the workers. ctx is the parent of every task context.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return
	}
	wp.started = true

	wp.logger.Info("Starting worker pool", "workers", wp.config.Workers, "queueSize", wp.config.QueueSize)
	for i := 1; i <= wp.config.Workers; i++ {
		wp.wg.Add(1)
		go wp.run(ctx, i)
	}
}

// Stop stops accepting tasks and waits for workers to finish their current task.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return nil
	}
	wp.stopped = true
	close(wp.stopCh)
	wp.mu.Unlock()

	wp.logger.Info("Stopping worker pool")

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Info("All workers stopped")
		return nil
	case <-ctx.Done():
		wp.logger.Warn("Timeout waiting for workers to stop")
		return ctx.Err()
	}
}

// Submit queues a task, waiting up to SubmitTimeout for room.
func (wp *WorkerPool) Submit(ctx context.Context, task *Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = wp.clock.Now()
	}
	select {
	case <-wp.stopCh:
		return ErrPoolStopped
	default:
	}

	timer := time.NewTimer(wp.config.SubmitTimeout)
	defer timer.Stop()

	select {
	case wp.tasks <- task:
		atomic.AddInt64(&wp.totalTasks, 1)
		metrics.QueueDepth.Set(float64(len(wp.tasks)))
		wp.logger.Debug("Task submitted", "taskId", task.ID, "executionId", task.ExecutionID, "kind", task.Kind)
		return nil
	case <-wp.stopCh:
		return ErrPoolStopped
	case <-ctx.Done():
		return fmt.Errorf("submit task %s: %w", task.ID, ctx.Err())
	case <-timer.C:
		return ErrQueueFull
	}
}

// SubmitAfter queues the task once delay has elapsed on the pool's clock.
func (wp *WorkerPool) SubmitAfter(ctx context.Context, delay time.Duration, task *Task) {
	wp.clock.AfterFunc(delay, func() {
		if err := wp.Submit(ctx, task); err != nil {
			wp.logger.Error("Delayed submit failed", "taskId", task.ID, "executionId", task.ExecutionID, "error", err)
		}
	})
}

func (wp *WorkerPool) run(ctx context.Context, workerID int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.stopCh:
			return
		case <-ctx.Done():
			return
		case task := <-wp.tasks:
			metrics.QueueDepth.Set(float64(len(wp.tasks)))
			if err := wp.limiter.Wait(ctx); err != nil {
				wp.logger.Warn("Dispatch limiter aborted", "taskId", task.ID, "error", err)
				return
			}
			wp.process(ctx, workerID, task)
		}
	}
}

func (wp *WorkerPool) process(ctx context.Context, workerID int, task *Task) {
	atomic.AddInt32(&wp.activeWorkers, 1)
	defer atomic.AddInt32(&wp.activeWorkers, -1)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&wp.failedTasks, 1)
			wp.logger.Error("Task panicked", "taskId", task.ID, "executionId", task.ExecutionID, "workerId", workerID, "panic", r)
		}
	}()

	if err := wp.executor(ctx, task); err != nil {
		atomic.AddInt64(&wp.failedTasks, 1)
		wp.logger.Error("Task execution failed",
			"taskId", task.ID,
			"executionId", task.ExecutionID,
			"workerId", workerID,
			"error", err,
			"duration", time.Since(start),
		)
		return
	}

	atomic.AddInt64(&wp.completedTasks, 1)
	wp.logger.Debug("Task execution completed",
		"taskId", task.ID,
		"executionId", task.ExecutionID,
		"workerId", workerID,
		"duration", time.Since(start),
	)
}

// ActiveWorkers returns the number of workers currently running a task.
func (wp *WorkerPool) ActiveWorkers() int {
	return int(atomic.LoadInt32(&wp.activeWorkers))
}

func (wp *WorkerPool) GetMetrics() WorkerPoolMetrics {
	return WorkerPoolMetrics{
		TotalWorkers:   wp.config.Workers,
		ActiveWorkers:  wp.ActiveWorkers(),
		TotalTasks:     atomic.LoadInt64(&wp.totalTasks),
		CompletedTasks: atomic.LoadInt64(&wp.completedTasks),
		FailedTasks:    atomic.LoadInt64(&wp.failedTasks),
		QueueSize:      len(wp.tasks),
		QueueCapacity:  cap(wp.tasks),
	}
}

// WorkerPoolMetrics contains metrics for the worker pool
type WorkerPoolMetrics struct {
	TotalWorkers   int   `json:"totalWorkers"`
	ActiveWorkers  int   `json:"activeWorkers"`
	TotalTasks     int64 `json:"totalTasks"`
	CompletedTasks int64 `json:"completedTasks"`
	FailedTasks    int64 `json:"failedTasks"`
	QueueSize      int   `json:"queueSize"`
	QueueCapacity  int   `json:"queueCapacity"`
}
