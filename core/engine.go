package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/BranchIntl/rocket"
	rocketErrors "github.com/BranchIntl/rocket/errors"
	"github.com/BranchIntl/rocket/plugins/monitor"
	"github.com/robfig/cron/v3"
)

// Engine runs the process side of a broker: dispatch loops feeding ready
// queues, a pool of lease workers and periodic maintenance
type Engine struct {
	r        *rocket.Rocket
	registry Registry
	config   *Config
	logger   *slog.Logger

	mu         sync.RWMutex
	components map[string]HealthChecker

	workerPool  *WorkerPool
	dispatchers []*Dispatcher
	cron        *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine. The maintenance schedule defaults to the
// monitor schedule of the Rocket's configuration.
func NewEngine(r *rocket.Rocket, registry Registry, options ...EngineOption) *Engine {
	config := defaultConfig()
	config.MaintenanceSchedule = r.Config().Monitor.Schedule
	for _, opt := range options {
		opt(config)
	}

	logger := config.Logger
	if logger == nil {
		logger = r.Logger()
	}

	return &Engine{
		r:          r,
		registry:   registry,
		config:     config,
		logger:     logger,
		components: make(map[string]HealthChecker),
	}
}

// Rocket returns the broker the engine runs on
func (e *Engine) Rocket() *rocket.Rocket {
	return e.r
}

// AddComponent includes c in health reports
func (e *Engine) AddComponent(name string, c HealthChecker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.components[name] = c
}

// Start begins processing jobs
func (e *Engine) Start(ctx context.Context) error {
	if err := e.r.Store().Health(ctx); err != nil {
		return rocketErrors.NewConnectionError("",
			fmt.Errorf("failed to reach store: %w", err))
	}
	if len(e.registry.List()) == 0 && e.config.Concurrency > 0 {
		e.logger.Warn("No handlers registered, workers take default jobs only")
	}

	if e.config.MaintenanceSchedule != "" {
		c := cron.New(
			cron.WithParser(cron.NewParser(
				cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		)
		_, err := c.AddFunc(e.config.MaintenanceSchedule, func() {
			if err := e.Maintain(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("Maintenance failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid maintenance schedule %q: %w", e.config.MaintenanceSchedule, err)
		}
		e.cron = c
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	e.dispatchers = make([]*Dispatcher, e.config.Dispatchers)
	for i := range e.dispatchers {
		e.dispatchers[i] = NewDispatcher(e.r, e.config.PumpTimeout, e.config.ErrorBackoff, e.logger)
	}
	e.workerPool = NewWorkerPool(e.r, e.registry, e.config)

	for _, d := range e.dispatchers {
		e.wg.Add(1)
		go func(d *Dispatcher) {
			defer e.wg.Done()
			if err := d.Start(e.ctx); err != nil {
				e.logger.Error("Dispatcher error", "error", err)
			}
		}(d)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.workerPool.Start(e.ctx); err != nil {
			e.logger.Error("Worker pool error", "error", err)
		}
	}()

	if e.cron != nil {
		e.cron.Start()
	}

	e.logger.Info("Engine started",
		"workers", e.config.Concurrency,
		"dispatchers", e.config.Dispatchers,
		"types", e.registry.List())
	return nil
}

// Maintain runs one maintenance pass: the monitor sweep, when the
// monitor plugin is registered, and promotion of due scheduled jobs
func (e *Engine) Maintain(ctx context.Context) error {
	max := e.r.Config().Overhead.MaxEventsToHandle
	var errs []error

	if p, ok := e.r.Plugin(monitor.Name); ok {
		if m, ok := p.(*monitor.Plugin); ok {
			applied, err := m.Sweep(ctx, max)
			if err != nil {
				errs = append(errs, err)
			}
			if len(applied) > 0 {
				e.logger.Info("Monitor entries applied", "count", len(applied))
			}
		}
	}

	if _, err := e.r.Pump().QueueScheduledJobs(ctx, e.r.Config().Overhead.MaxSchedJobsToQueue); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stop gracefully shuts down the engine
func (e *Engine) Stop() error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()

	var cronDone context.Context
	if e.cron != nil {
		cronDone = e.cron.Stop()
	}

	// Wait for graceful shutdown
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		if cronDone != nil {
			<-cronDone.Done()
		}
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Engine stopped gracefully")
	case <-time.After(e.config.ShutdownTimeout):
		e.logger.Warn("Engine shutdown timeout exceeded")
		return rocketErrors.ErrTimeout
	}
	return nil
}

// Health returns the current health status
func (e *Engine) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{
		StoreHealth:    e.r.Store().Health(ctx),
		ComponentError: make(map[string]error),
		WaitingJobs:    make(map[string]int),
		LastCheck:      e.r.Now(),
	}
	status.Healthy = status.StoreHealth == nil

	e.mu.RLock()
	for name, c := range e.components {
		if err := c.Health(); err != nil {
			status.ComponentError[name] = err
			status.Healthy = false
		}
	}
	e.mu.RUnlock()

	if e.workerPool != nil {
		status.ActiveWorkers = e.workerPool.ActiveWorkers()
		status.BusyWorkers = e.workerPool.BusyWorkers()
	}
	if status.StoreHealth != nil {
		return status
	}

	if halted, err := e.r.IsProcessingHalted(ctx); err == nil {
		status.Halted = halted
	}
	if queues, err := e.r.Queues(ctx); err == nil {
		for _, name := range queues {
			if n, err := e.r.Queue(name).JobCount(ctx, rocket.StatusWaiting); err == nil {
				status.WaitingJobs[name] = n
			}
		}
	}
	return status
}

// Enqueue adds a job to queue
func (e *Engine) Enqueue(ctx context.Context, queue, payload string, opts ...rocket.JobOption) (*rocket.Job, error) {
	return e.r.Queue(queue).QueueJob(ctx, payload, opts...)
}

// Register adds a job handler
func (e *Engine) Register(jobType string, handler HandlerFunc) error {
	return e.registry.Register(jobType, handler)
}

// Run starts the engine and blocks until shutdown signals are received
// This is a convenience method that combines Start() + signal handling + Stop()
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		e.logger.Info("Context cancelled, shutting down...")
	case sig := <-sigChan:
		e.logger.Info("Received signal, shutting down...", "signal", sig)
	}

	return e.Stop()
}
