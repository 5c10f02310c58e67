package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Task is a unit of work to be executed off the apply thread.
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context
}

// WorkerPool runs tasks on a bounded set of goroutines. The write path uses
// a dedicated pool for bulk ingestion so the apply thread never blocks on
// file verification or engine ingest.
type WorkerPool struct {
	name      string
	taskQueue chan Task
	logger    *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}

	completedTasks atomic.Uint64
	failedTasks    atomic.Uint64
	rejectedTasks  atomic.Uint64
}

// Config holds worker pool configuration.
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// New creates a pool and starts its workers.
func New(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool := &WorkerPool{
		name:      cfg.Name,
		taskQueue: make(chan Task, cfg.QueueSize),
		logger:    cfg.Logger,
		stopChan:  make(chan struct{}),
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		zap.String("name", cfg.Name),
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Int("queue_size", cfg.QueueSize))
	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.taskQueue:
			p.executeTask(id, task)
		}
	}
}

func (p *WorkerPool) executeTask(workerID int, task Task) {
	start := time.Now()
	err := p.safeExecute(task)
	if err != nil {
		p.failedTasks.Inc()
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.completedTasks.Inc()
	p.logger.Debug("Task completed",
		zap.String("pool", p.name),
		zap.Int("worker_id", workerID),
		zap.String("task_id", task.ID),
		zap.Duration("duration", time.Since(start)))
}

func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	if task.Context == nil {
		task.Context = context.Background()
	}
	return task.Fn(task.Context)
}

// TrySubmit attempts to queue a task without blocking. Returns false if the
// queue is full or the pool is stopped.
func (p *WorkerPool) TrySubmit(task Task) bool {
	select {
	case <-p.stopChan:
		p.rejectedTasks.Inc()
		return false
	default:
	}
	select {
	case p.taskQueue <- task:
		return true
	default:
		p.rejectedTasks.Inc()
		return false
	}
}

// Stop shuts the pool down, waiting up to timeout for in-flight tasks.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %q stop timeout after %v", p.name, timeout)
		}
	})
	return err
}

// Stats is a snapshot of pool accounting.
type Stats struct {
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
	QueuedTasks    int
}

// Stats returns current pool accounting.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		CompletedTasks: p.completedTasks.Load(),
		FailedTasks:    p.failedTasks.Load(),
		RejectedTasks:  p.rejectedTasks.Load(),
		QueuedTasks:    len(p.taskQueue),
	}
}
