package core

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/BranchIntl/rocket"
)

// Dispatcher runs dispatch cycles: plugin overhead tasks, promotion of
// due scheduled jobs and pumping of ready queues
type Dispatcher struct {
	r       *rocket.Rocket
	timeout time.Duration
	backoff time.Duration
	logger  *slog.Logger
	cycles  atomic.Int64
}

// NewDispatcher creates a dispatcher waiting up to timeout for a ready
// queue in each cycle. The wait must be positive, one second is used
// otherwise.
func NewDispatcher(r *rocket.Rocket, timeout, backoff time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = r.Logger()
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Dispatcher{
		r:       r,
		timeout: timeout,
		backoff: backoff,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Start runs cycles until ctx is done
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("Dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopped")
			return nil
		default:
		}

		delivered, err := d.r.PerformOverheadTasks(ctx, d.timeout)
		d.cycles.Add(1)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			d.logger.Error("Dispatch cycle failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(d.backoff):
			}
			continue
		}
		if len(delivered) > 0 {
			d.logger.Debug("Jobs delivered", "count", len(delivered))
		}
	}
}

// Cycles returns the number of cycles run
func (d *Dispatcher) Cycles() int64 {
	return d.cycles.Load()
}
