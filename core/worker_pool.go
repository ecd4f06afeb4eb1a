package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/BranchIntl/rocket"
)

// WorkerPool manages a pool of lease workers
type WorkerPool struct {
	r             *rocket.Rocket
	registry      Registry
	config        *Config
	logger        *slog.Logger
	activeWorkers int32
	workers       []*Worker
	wg            sync.WaitGroup
}

// NewWorkerPool creates a pool of config.Concurrency workers
func NewWorkerPool(r *rocket.Rocket, registry Registry, config *Config) *WorkerPool {
	logger := config.Logger
	if logger == nil {
		logger = r.Logger()
	}
	prefix := config.WorkerPrefix
	if prefix == "" {
		prefix = defaultWorkerPrefix()
	}

	wp := &WorkerPool{
		r:        r,
		registry: registry,
		config:   config,
		logger:   logger,
		workers:  make([]*Worker, 0, config.Concurrency),
	}
	for i := 0; i < config.Concurrency; i++ {
		name := fmt.Sprintf("%s-%d", prefix, i)
		wp.workers = append(wp.workers, NewWorker(name, r, registry, config))
	}
	return wp
}

// Start runs the workers and blocks until all of them have returned
func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.logger.Info("Starting worker pool", "workers", len(wp.workers))

	for _, worker := range wp.workers {
		wp.wg.Add(1)
		go func(w *Worker) {
			defer wp.wg.Done()
			atomic.AddInt32(&wp.activeWorkers, 1)
			defer atomic.AddInt32(&wp.activeWorkers, -1)

			if err := w.Work(ctx); err != nil {
				wp.logger.Error("Worker error", "worker", w.Name(), "error", err)
			}
		}(worker)
	}

	wp.wg.Wait()
	wp.logger.Info("Worker pool stopped")
	return nil
}

// ActiveWorkers returns the number of running workers
func (wp *WorkerPool) ActiveWorkers() int {
	return int(atomic.LoadInt32(&wp.activeWorkers))
}

// BusyWorkers returns the number of workers running a job
func (wp *WorkerPool) BusyWorkers() int {
	busy := 0
	for _, w := range wp.workers {
		if w.busy.Load() {
			busy++
		}
	}
	return busy
}

// Workers returns the pool's workers
func (wp *WorkerPool) Workers() []*Worker {
	return wp.workers
}

// GetWorkerStats returns statistics for all workers
func (wp *WorkerPool) GetWorkerStats() []WorkerStats {
	stats := make([]WorkerStats, 0, len(wp.workers))
	for _, worker := range wp.workers {
		stats = append(stats, worker.GetStats())
	}
	return stats
}
