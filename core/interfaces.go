package core

import (
	"context"
	"time"
)

// HandlerFunc runs one job. Returning nil completes the job, any other
// error fails it.
type HandlerFunc func(ctx context.Context, task *Task) error

// Registry interface defines what core needs from a handler registry
type Registry interface {
	// Register adds a handler for a job type
	Register(jobType string, handler HandlerFunc) error

	// Get retrieves the handler of a job type
	Get(jobType string) (HandlerFunc, bool)

	// List returns the registered job types
	List() []string
}

// CommandFunc handles a worker command core does not know itself
type CommandFunc func(ctx context.Context, worker, command string) error

// Worker commands understood by every lease worker
const (
	CommandStop   = "stop"
	CommandPause  = "pause"
	CommandResume = "resume"
)

// HealthChecker is implemented by optional components whose health the
// engine reports, such as an event relay
type HealthChecker interface {
	Health() error
}

// HealthStatus represents the health of the engine
type HealthStatus struct {
	Healthy        bool
	StoreHealth    error
	ComponentError map[string]error
	Halted         bool
	ActiveWorkers  int
	BusyWorkers    int
	WaitingJobs    map[string]int
	LastCheck      time.Time
}
