// Package errors provides error types and utilities for the rocket library.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	ErrNotConnected   = errors.New("not connected")
	ErrJobNotFound    = errors.New("job not found")
	ErrQueueNotFound  = errors.New("queue not found")
	ErrWorkerNotFound = errors.New("worker not found")
	ErrInvalidState   = errors.New("invalid state")
	ErrQueueFull      = errors.New("queue is full")
	ErrQueueDisabled  = errors.New("queue is disabled")
	ErrQueueNotEmpty  = errors.New("queue still has jobs")
	ErrNoCurrentJob   = errors.New("worker has no current job")
	ErrTimeout        = errors.New("operation timed out")
	ErrShutdown       = errors.New("shutting down")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrEmptyJobType   = errors.New("job type cannot be empty")
	ErrNilHandler     = errors.New("handler function cannot be nil")
)

// Control signals raised to a worker while it reports progress
var (
	ErrWorkerPause  = errors.New("worker signalled to pause job")
	ErrWorkerResume = errors.New("worker signalled to resume job")
	ErrWorkerStop   = errors.New("worker signalled to stop job")
)

// StateError is returned when a transition is attempted from the wrong
// state, or when another process won the race for the same transition.
type StateError struct {
	Op     string // transition being performed
	JobID  string // job id (if applicable)
	Status string // status observed, empty when unknown
	Reason string
}

func (e *StateError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("job %s %s: %s (status %s)", e.JobID, e.Op, e.Reason, e.Status)
	}
	return fmt.Sprintf("job %s %s: %s", e.JobID, e.Op, e.Reason)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// NotFoundError represents a missing job, queue or worker
type NotFoundError struct {
	Kind string // job, queue or worker
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s does not exist", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	switch e.Kind {
	case "queue":
		return ErrQueueNotFound
	case "worker":
		return ErrWorkerNotFound
	default:
		return ErrJobNotFound
	}
}

// QueueError represents a rejected queue operation
type QueueError struct {
	Op    string // operation being performed
	Queue string // queue name
	Err   error  // underlying error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s on %s: %v", e.Op, e.Queue, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

// StoreError represents a failure talking to the store, after retries
type StoreError struct {
	Op  string // command or batch being executed
	Key string // key (if applicable)
	Err error  // underlying error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s on %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Temporary() bool {
	if t, ok := e.Err.(interface{ Temporary() bool }); ok {
		return t.Temporary()
	}
	return true
}

func (e *StoreError) Timeout() bool {
	if t, ok := e.Err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return errors.Is(e.Err, ErrTimeout)
}

// ConnectionError represents connection-related errors
type ConnectionError struct {
	URI string // connection URI (may be redacted)
	Err error  // underlying error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.URI, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Temporary() bool {
	// Implement net.Error interface for timeout detection
	if t, ok := e.Err.(interface{ Temporary() bool }); ok {
		return t.Temporary()
	}
	return false
}

func (e *ConnectionError) Timeout() bool {
	// Implement net.Error interface for timeout detection
	if t, ok := e.Err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return false
}

// CommandError carries an out-of-band command sent to a worker. It is
// returned instead of a job so the caller can act on the command.
type CommandError struct {
	Worker  string
	Command string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("worker %s received command %q", e.Worker, e.Command)
}

// Helper functions for creating errors

// NewStateError creates a new state error
func NewStateError(op, jobID, status, reason string) error {
	return &StateError{Op: op, JobID: jobID, Status: status, Reason: reason}
}

// NewNotFoundError creates a new not-found error
func NewNotFoundError(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// NewQueueError creates a new queue error
func NewQueueError(op, queue string, err error) error {
	return &QueueError{Op: op, Queue: queue, Err: err}
}

// NewStoreError creates a new store error
func NewStoreError(op, key string, err error) error {
	return &StoreError{Op: op, Key: key, Err: err}
}

// NewConnectionError creates a new connection error
func NewConnectionError(uri string, err error) error {
	return &ConnectionError{URI: uri, Err: err}
}

// IsTemporary checks if an error is temporary and retryable
func IsTemporary(err error) bool {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Temporary()
	}

	if t, ok := err.(interface{ Temporary() bool }); ok {
		return t.Temporary()
	}

	return errors.Is(err, ErrTimeout)
}

// IsTimeout checks if an error is a timeout
func IsTimeout(err error) bool {
	if t, ok := err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return errors.Is(err, ErrTimeout)
}

// IsNotFound reports whether err means a job, queue or worker is absent
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsStateError reports whether err is a rejected transition
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidState)
}
