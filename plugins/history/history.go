// Package history records job lifecycle events in each job's history
// list.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/BranchIntl/rocket"
)

// Name is the plugin name
const Name = "history"

var events = []rocket.EventKind{
	rocket.JobSchedule, rocket.JobQueue, rocket.JobMove,
	rocket.JobPark, rocket.JobUnpark,
	rocket.JobPause, rocket.JobResume, rocket.JobCancel,
	rocket.JobDeliver, rocket.JobStart,
	rocket.JobComplete, rocket.JobAlert, rocket.JobFail,
}

// Plugin appends one history entry per recorded event
type Plugin struct {
	logger *slog.Logger
}

// New creates the plugin
func New() *Plugin {
	return &Plugin{}
}

// Name implements rocket.Plugin
func (p *Plugin) Name() string { return Name }

// Register implements rocket.Plugin
func (p *Plugin) Register(r *rocket.Rocket) error {
	p.logger = r.Logger().With("plugin", Name)
	r.Subscribe(p, events...)
	return nil
}

// Notify implements rocket.Observer
func (p *Plugin) Notify(ctx context.Context, e rocket.Event) error {
	ev, ok := e.(rocket.JobEvent)
	if !ok {
		return nil
	}

	details, err := p.details(ctx, ev)
	if err != nil {
		return err
	}
	if err := ev.Job.AppendHistory(ctx, string(ev.Type), details); err != nil {
		p.logger.Warn("History entry not recorded", "job", ev.Job.ID(), "event", ev.Type, "error", err)
		return err
	}
	return nil
}

func (p *Plugin) details(ctx context.Context, ev rocket.JobEvent) (string, error) {
	switch ev.Type {
	case rocket.JobQueue, rocket.JobMove:
		return ev.Job.Queue().Name(), nil
	}

	info, err := ev.Job.Info(ctx)
	if err != nil {
		return "", err
	}
	switch ev.Type {
	case rocket.JobSchedule:
		return info.ScheduleTime.UTC().Format(time.RFC3339), nil
	case rocket.JobDeliver, rocket.JobStart:
		return info.WorkerName, nil
	case rocket.JobAlert:
		return info.AlertMessage, nil
	case rocket.JobFail:
		return info.FailureMessage, nil
	}
	return "", nil
}
