// Package aggregate keeps broker-wide sets of waiting, running and
// scheduled jobs across all queues.
package aggregate

import (
	"context"
	"log/slog"

	"github.com/BranchIntl/rocket"
	"github.com/BranchIntl/rocket/store"
)

// Name is the plugin name
const Name = "aggregate"

const (
	waitingKey   = "ALL_WAITING_JOBS"
	runningKey   = "ALL_RUNNING_JOBS"
	scheduledKey = "ALL_SCHEDULED_JOBS"
	workersKey   = "ALL_WORKERS"
)

var events = []rocket.EventKind{
	rocket.JobSchedule,
	rocket.JobQueue, rocket.JobUnpark, rocket.JobRequeue,
	rocket.JobStart,
	rocket.JobPark, rocket.JobCancel, rocket.JobComplete, rocket.JobFail, rocket.JobDelete,
}

// Plugin maintains the aggregate sets. Workers are tracked by the pump
// and only read here.
type Plugin struct {
	r      *rocket.Rocket
	logger *slog.Logger

	waiting   *store.Set
	running   *store.Set
	scheduled *store.Set
	workers   *store.Set
}

// New creates the plugin
func New() *Plugin {
	return &Plugin{}
}

// Name implements rocket.Plugin
func (p *Plugin) Name() string { return Name }

// Register implements rocket.Plugin
func (p *Plugin) Register(r *rocket.Rocket) error {
	s := r.Store()
	p.r = r
	p.logger = r.Logger().With("plugin", Name)
	p.waiting = s.Set(waitingKey)
	p.running = s.Set(runningKey)
	p.scheduled = s.Set(scheduledKey)
	p.workers = s.Set(workersKey)

	r.Subscribe(p, events...)
	return nil
}

// Notify implements rocket.Observer
func (p *Plugin) Notify(ctx context.Context, e rocket.Event) error {
	ev, ok := e.(rocket.JobEvent)
	if !ok {
		return nil
	}
	id := ev.Job.ID()
	s := p.r.Store()
	b := s.NewBatch()

	switch ev.Type {
	case rocket.JobSchedule:
		b.SAdd(p.scheduled.Key(), id)
	case rocket.JobQueue, rocket.JobUnpark, rocket.JobRequeue:
		// a requeue may schedule instead
		status, err := ev.Job.Status(ctx)
		if err != nil {
			return err
		}
		if status == rocket.StatusScheduled {
			b.SAdd(p.scheduled.Key(), id)
		} else {
			b.SRem(p.scheduled.Key(), id).SAdd(p.waiting.Key(), id)
		}
	case rocket.JobStart:
		b.SRem(p.waiting.Key(), id).SAdd(p.running.Key(), id)
	default:
		b.SRem(p.waiting.Key(), id).
			SRem(p.running.Key(), id).
			SRem(p.scheduled.Key(), id)
	}

	if _, err := s.Exec(ctx, b, 0); err != nil {
		return err
	}
	p.logger.Debug("Aggregate sets updated", "job", id, "event", ev.Type)
	return nil
}

// WaitingJobs returns the ids of all waiting jobs
func (p *Plugin) WaitingJobs(ctx context.Context) ([]string, error) {
	return p.waiting.Members(ctx)
}

// WaitingJobCount returns the number of waiting jobs
func (p *Plugin) WaitingJobCount(ctx context.Context) (int, error) {
	return p.waiting.Count(ctx)
}

// RunningJobs returns the ids of all running jobs
func (p *Plugin) RunningJobs(ctx context.Context) ([]string, error) {
	return p.running.Members(ctx)
}

// RunningJobCount returns the number of running jobs
func (p *Plugin) RunningJobCount(ctx context.Context) (int, error) {
	return p.running.Count(ctx)
}

// ScheduledJobs returns the ids of all scheduled jobs
func (p *Plugin) ScheduledJobs(ctx context.Context) ([]string, error) {
	return p.scheduled.Members(ctx)
}

// ScheduledJobCount returns the number of scheduled jobs
func (p *Plugin) ScheduledJobCount(ctx context.Context) (int, error) {
	return p.scheduled.Count(ctx)
}

// Workers returns the names of all known workers
func (p *Plugin) Workers(ctx context.Context) ([]string, error) {
	return p.workers.Members(ctx)
}

// WorkerCount returns the number of known workers
func (p *Plugin) WorkerCount(ctx context.Context) (int, error) {
	return p.workers.Count(ctx)
}
