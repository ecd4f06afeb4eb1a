// Package monitor alerts on jobs that stay too long in a status and
// deletes resolved jobs once their retention has passed.
//
// Every watched event records a pending action in a sorted set scored by
// the time it becomes due. A sweep takes the due actions and applies each
// one only if the job is still in the status it was recorded for, entered
// at the same time.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BranchIntl/rocket"
	"github.com/BranchIntl/rocket/config"
	rocketErrors "github.com/BranchIntl/rocket/errors"
	"github.com/BranchIntl/rocket/store"
)

// Name is the plugin name
const Name = "monitor"

const eventsKey = "MONITOR_EVENTS"

// Action is what a due entry does
type Action string

const (
	ActionAlert  Action = "job.alert"
	ActionExpire Action = "job.expire"
)

var events = []rocket.EventKind{
	rocket.JobQueue, rocket.JobDeliver, rocket.JobStart,
	rocket.JobComplete, rocket.JobFail, rocket.JobCancel,
}

// Entry is one pending action. Since is when the job entered Status.
type Entry struct {
	Action Action
	Queue  string
	JobID  string
	Status rocket.Status
	Since  time.Time
}

func (e Entry) member() (string, error) {
	data, err := json.Marshal([]string{
		string(e.Action), e.Queue, e.JobID, string(e.Status),
		strconv.FormatInt(e.Since.Unix(), 10),
	})
	return string(data), err
}

// parseEntry reads a member. Members without a timestamp leave Since zero.
func parseEntry(member string) (Entry, error) {
	var fields []string
	if err := json.Unmarshal([]byte(member), &fields); err != nil {
		return Entry{}, err
	}
	if len(fields) != 4 && len(fields) != 5 {
		return Entry{}, fmt.Errorf("monitor entry has %d fields, want 5", len(fields))
	}
	entry := Entry{
		Action: Action(fields[0]),
		Queue:  fields[1],
		JobID:  fields[2],
		Status: rocket.Status(fields[3]),
	}
	if len(fields) == 5 {
		since, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return Entry{}, fmt.Errorf("monitor entry time: %w", err)
		}
		entry.Since = time.Unix(since, 0).UTC()
	}
	return entry, nil
}

// statusTime returns when the job entered s
func statusTime(info *rocket.JobInfo, s rocket.Status) time.Time {
	switch s {
	case rocket.StatusWaiting:
		return info.QueueTime
	case rocket.StatusDelivered:
		return info.DeliverTime
	case rocket.StatusRunning:
		return info.StartTime
	case rocket.StatusCompleted:
		return info.CompleteTime
	case rocket.StatusFailed:
		return info.FailTime
	case rocket.StatusCancelled:
		return info.CancelTime
	}
	return time.Time{}
}

// Plugin records and applies monitor entries
type Plugin struct {
	r      *rocket.Rocket
	cfg    config.MonitorConfig
	logger *slog.Logger
	events *store.SortedSet
}

// New creates the plugin
func New() *Plugin {
	return &Plugin{}
}

// Name implements rocket.Plugin
func (p *Plugin) Name() string { return Name }

// Register implements rocket.Plugin
func (p *Plugin) Register(r *rocket.Rocket) error {
	p.r = r
	p.cfg = r.Config().Monitor
	p.logger = r.Logger().With("plugin", Name)
	p.events = r.Store().SortedSet(eventsKey)

	r.Subscribe(p, events...)
	return nil
}

// Notify implements rocket.Observer
func (p *Plugin) Notify(ctx context.Context, e rocket.Event) error {
	ev, ok := e.(rocket.JobEvent)
	if !ok {
		return nil
	}

	info, err := ev.Job.Info(ctx)
	if rocketErrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var (
		action = ActionAlert
		status rocket.Status
		after  time.Duration
	)
	switch ev.Type {
	case rocket.JobQueue:
		status, after = rocket.StatusWaiting, p.cfg.WaitingJobMax
	case rocket.JobDeliver:
		status, after = rocket.StatusDelivered, p.cfg.DeliveredJobMax
	case rocket.JobStart:
		status, after = rocket.StatusRunning, info.MaxRuntime
		if after == 0 {
			after = p.cfg.DefaultRunningJobMax
		}
	case rocket.JobComplete:
		action, status, after = ActionExpire, rocket.StatusCompleted, p.cfg.CompletedJobTTL
	case rocket.JobFail:
		action, status, after = ActionExpire, rocket.StatusFailed, p.cfg.FailedJobTTL
	case rocket.JobCancel:
		action, status, after = ActionExpire, rocket.StatusCancelled, p.cfg.CancelledJobTTL
	default:
		return nil
	}
	if after <= 0 {
		return nil
	}

	entry := Entry{
		Action: action,
		Queue:  ev.Job.Queue().Name(),
		JobID:  ev.Job.ID(),
		Status: status,
		Since:  statusTime(info, status),
	}
	member, err := entry.member()
	if err != nil {
		return err
	}
	return p.events.Add(ctx, p.r.Now().Add(after).Unix(), member)
}

// PerformOverhead implements rocket.OverheadTask
func (p *Plugin) PerformOverhead(ctx context.Context, max int) error {
	_, err := p.Sweep(ctx, max)
	return err
}

// Sweep applies up to max due entries and returns the ones it applied.
// Entries taken concurrently by another process are skipped.
func (p *Plugin) Sweep(ctx context.Context, max int) ([]Entry, error) {
	now := p.r.Now().Unix()
	members, err := p.events.RangeByScore(ctx, 0, now, max)
	if err != nil {
		return nil, err
	}

	var applied []Entry
	for _, member := range members {
		taken, err := p.events.Remove(ctx, member)
		if err != nil {
			return applied, err
		}
		if !taken {
			continue
		}

		entry, err := parseEntry(member)
		if err != nil {
			p.logger.Error("Dropping unreadable monitor entry", "entry", member, "error", err)
			continue
		}
		ok, err := p.apply(ctx, entry)
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, entry)
		}
	}
	return applied, nil
}

func (p *Plugin) apply(ctx context.Context, entry Entry) (bool, error) {
	job := p.r.JobInQueue(entry.Queue, entry.JobID)
	info, err := job.Info(ctx)
	if rocketErrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	status := info.Status
	if status != entry.Status {
		return false, nil
	}
	if !entry.Since.IsZero() && !statusTime(info, status).Equal(entry.Since) {
		// the job left the status and came back
		return false, nil
	}

	switch entry.Action {
	case ActionExpire:
		if err := job.Delete(ctx); err != nil && !rocketErrors.IsNotFound(err) {
			return false, err
		}
		p.logger.Info("Expired job deleted", "job", entry.JobID, "status", status)
	case ActionAlert:
		msg := fmt.Sprintf("Job has been %s for too long", status)
		if err := job.SetAlert(ctx, msg); err != nil {
			return false, err
		}
		if err := p.r.Publish(ctx, rocket.JobEvent{Type: rocket.MonitorJobAlert, Job: job}); err != nil {
			return false, err
		}
	default:
		p.logger.Warn("Unknown monitor action", "action", entry.Action)
		return false, nil
	}
	return true, nil
}

// Pending returns the number of recorded entries
func (p *Plugin) Pending(ctx context.Context) (int, error) {
	return p.events.Count(ctx)
}
