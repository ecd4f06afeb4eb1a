package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BranchIntl/rocket"
	rocketErrors "github.com/BranchIntl/rocket/errors"
)

// WorkerStats holds in-process counters of a worker
type WorkerStats struct {
	Name      string
	Processed int64
	Failed    int64
	Busy      bool
	StartTime time.Time
}

// Worker leases jobs of the registered types and runs their handlers
type Worker struct {
	name     string
	r        *rocket.Rocket
	lease    *rocket.Worker
	registry Registry
	config   *Config
	logger   *slog.Logger

	paused    bool
	busy      atomic.Bool
	processed int64
	failed    int64
	startTime time.Time
}

// NewWorker creates a lease worker called name
func NewWorker(name string, r *rocket.Rocket, registry Registry, config *Config) *Worker {
	logger := config.Logger
	if logger == nil {
		logger = r.Logger()
	}
	return &Worker{
		name:      name,
		r:         r,
		lease:     r.Worker(name),
		registry:  registry,
		config:    config,
		logger:    logger.With("worker", name),
		startTime: r.Now(),
	}
}

// defaultWorkerPrefix names workers after the host and process
func defaultWorkerPrefix() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}

// Name returns the worker's name
func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) info() string {
	return fmt.Sprintf("pid=%d types=%s", os.Getpid(), strings.Join(w.registry.List(), ","))
}

// Work leases and runs jobs until ctx is done or a stop command arrives
func (w *Worker) Work(ctx context.Context) error {
	w.logger.Info("Worker started", "types", w.registry.List())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopping")
			return nil
		default:
		}

		stop, err := w.step(ctx)
		if stop {
			w.logger.Info("Worker stopped by command")
			return nil
		}
		if err != nil && ctx.Err() == nil {
			w.logger.Error("Worker step failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(w.config.ErrorBackoff):
			}
		}
	}
}

// step takes one command or job. It reports true when the worker must
// stop.
func (w *Worker) step(ctx context.Context) (bool, error) {
	if w.paused {
		command, err := w.lease.TakeCommand(ctx)
		if err != nil {
			return false, err
		}
		if command == "" {
			select {
			case <-ctx.Done():
			case <-time.After(w.config.SignalInterval):
			}
			return false, nil
		}
		return w.handleCommand(ctx, command)
	}

	job, err := w.lease.AcquireJob(ctx, w.info(), w.config.AcquireTimeout, w.registry.List()...)
	var cmdErr *rocketErrors.CommandError
	if errors.As(err, &cmdErr) {
		return w.handleCommand(ctx, cmdErr.Command)
	}
	if err != nil {
		return false, err
	}

	if job == nil {
		if w.config.IdleOverhead {
			return false, w.overhead(ctx)
		}
		if w.config.AcquireTimeout < 0 {
			// polling, do not spin
			select {
			case <-ctx.Done():
			case <-time.After(w.config.SignalInterval):
			}
		}
		return false, nil
	}
	return false, w.process(ctx, job)
}

func (w *Worker) handleCommand(ctx context.Context, command string) (bool, error) {
	w.logger.Info("Worker command received", "command", command)
	switch command {
	case CommandStop:
		return true, nil
	case CommandPause:
		w.paused = true
	case CommandResume:
		w.paused = false
	default:
		if w.config.CommandHandler == nil {
			w.logger.Warn("Ignoring unknown worker command", "command", command)
			return false, nil
		}
		return false, w.config.CommandHandler(ctx, w.name, command)
	}
	return false, nil
}

func (w *Worker) overhead(ctx context.Context) error {
	if _, err := w.r.PerformOverheadTasks(ctx, w.config.PumpTimeout); err != nil {
		return err
	}
	return w.lease.RecordOverheadCycle(ctx)
}

// process runs the handler of a delivered job and resolves the job
func (w *Worker) process(ctx context.Context, job *rocket.Job) error {
	w.busy.Store(true)
	defer w.busy.Store(false)

	if err := w.lease.StartJob(ctx); err != nil {
		if rocketErrors.IsStateError(err) || rocketErrors.IsNotFound(err) {
			w.logger.Warn("Delivered job could not be started", "job", job.ID(), "error", err)
			return w.lease.AbandonJob(ctx)
		}
		return err
	}

	info, err := job.Info(ctx)
	if err != nil {
		return err
	}
	logger := w.logger.With("job", info.ID, "type", info.Type, "queue", info.QueueName)

	// resolve even when the engine is shutting down
	resolveCtx := context.WithoutCancel(ctx)

	handler, ok := w.registry.Get(info.Type)
	if !ok {
		atomic.AddInt64(&w.failed, 1)
		logger.Error("No handler registered for job type")
		return w.lease.FailJob(resolveCtx, fmt.Sprintf("no handler for job type %s", info.Type))
	}

	task := &Task{
		ID:       info.ID,
		Queue:    info.QueueName,
		Type:     info.Type,
		Payload:  info.Payload,
		Attempts: info.Attempts,
		Worker:   w.name,
		job:      job,
		lease:    w.lease,
		interval: w.config.SignalInterval,
		logger:   logger,
	}

	startTime := time.Now()
	err = w.executeJob(ctx, handler, task)
	duration := time.Since(startTime)

	if err == nil {
		atomic.AddInt64(&w.processed, 1)
		logger.Debug("Job completed", "duration", duration)
		return w.lease.CompleteJob(resolveCtx)
	}

	atomic.AddInt64(&w.failed, 1)
	if errors.Is(err, rocketErrors.ErrWorkerStop) {
		logger.Info("Job stopped by signal")
		return w.lease.FailJob(resolveCtx, "stopped")
	}
	logger.Error("Job failed", "error", err, "duration", duration)
	if w.config.RetryDelay > 0 {
		return w.lease.FailJobAndRetry(resolveCtx, err.Error(), w.config.RetryDelay)
	}
	return w.lease.FailJob(resolveCtx, err.Error())
}

// executeJob runs the handler with panic recovery
func (w *Worker) executeJob(ctx context.Context, handler HandlerFunc, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return handler(ctx, task)
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() WorkerStats {
	return WorkerStats{
		Name:      w.name,
		Processed: atomic.LoadInt64(&w.processed),
		Failed:    atomic.LoadInt64(&w.failed),
		Busy:      w.busy.Load(),
		StartTime: w.startTime,
	}
}
