package core

import (
	"log/slog"
	"time"
)

// Config holds engine configuration
type Config struct {
	Concurrency     int
	Dispatchers     int
	ShutdownTimeout time.Duration
	// PumpTimeout is how long a dispatch cycle waits for a ready queue
	PumpTimeout time.Duration
	// AcquireTimeout is how long a worker waits for a job, zero for the
	// store configuration's job_wait_timeout
	AcquireTimeout time.Duration
	// SignalInterval is how often a paused job checks for resume or stop
	SignalInterval time.Duration
	// ErrorBackoff is the pause after a failed worker or dispatch step
	ErrorBackoff time.Duration
	// RetryDelay reschedules failed jobs after the delay; zero fails them
	// for good
	RetryDelay time.Duration
	// IdleOverhead makes idle workers run a dispatch cycle
	IdleOverhead bool
	// MaintenanceSchedule is a cron spec for the monitor sweep, empty to
	// disable
	MaintenanceSchedule string
	WorkerPrefix        string
	CommandHandler      CommandFunc
	Logger              *slog.Logger
}

// EngineOption is a function that modifies engine configuration
type EngineOption func(*Config)

// defaultConfig returns default configuration
func defaultConfig() *Config {
	return &Config{
		Concurrency:     4,
		Dispatchers:     1,
		ShutdownTimeout: 30 * time.Second,
		PumpTimeout:     time.Second,
		SignalInterval:  time.Second,
		ErrorBackoff:    time.Second,
	}
}

// WithConcurrency sets the number of lease workers
func WithConcurrency(n int) EngineOption {
	return func(c *Config) {
		c.Concurrency = n
	}
}

// WithDispatchers sets the number of dispatch loops
func WithDispatchers(n int) EngineOption {
	return func(c *Config) {
		c.Dispatchers = n
	}
}

// WithShutdownTimeout sets the graceful shutdown timeout
func WithShutdownTimeout(d time.Duration) EngineOption {
	return func(c *Config) {
		c.ShutdownTimeout = d
	}
}

// WithPumpTimeout sets how long a dispatch cycle waits for a ready queue
func WithPumpTimeout(d time.Duration) EngineOption {
	return func(c *Config) {
		c.PumpTimeout = d
	}
}

// WithAcquireTimeout sets how long a worker waits for a job
func WithAcquireTimeout(d time.Duration) EngineOption {
	return func(c *Config) {
		c.AcquireTimeout = d
	}
}

// WithSignalInterval sets how often a paused job polls for signals
func WithSignalInterval(d time.Duration) EngineOption {
	return func(c *Config) {
		c.SignalInterval = d
	}
}

// WithErrorBackoff sets the pause after a failed step
func WithErrorBackoff(d time.Duration) EngineOption {
	return func(c *Config) {
		c.ErrorBackoff = d
	}
}

// WithRetryDelay reschedules failed jobs after d
func WithRetryDelay(d time.Duration) EngineOption {
	return func(c *Config) {
		c.RetryDelay = d
	}
}

// WithIdleOverhead lets idle workers run dispatch cycles
func WithIdleOverhead(enabled bool) EngineOption {
	return func(c *Config) {
		c.IdleOverhead = enabled
	}
}

// WithMaintenanceSchedule sets the cron spec of the monitor sweep
func WithMaintenanceSchedule(spec string) EngineOption {
	return func(c *Config) {
		c.MaintenanceSchedule = spec
	}
}

// WithWorkerPrefix sets the prefix of worker names, host:pid by default
func WithWorkerPrefix(prefix string) EngineOption {
	return func(c *Config) {
		c.WorkerPrefix = prefix
	}
}

// WithCommandHandler handles worker commands other than stop, pause and
// resume
func WithCommandHandler(fn CommandFunc) EngineOption {
	return func(c *Config) {
		c.CommandHandler = fn
	}
}

// WithLogger sets the engine logger
func WithLogger(logger *slog.Logger) EngineOption {
	return func(c *Config) {
		c.Logger = logger
	}
}
