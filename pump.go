package rocket

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/BranchIntl/rocket/store"
	"github.com/gomodule/redigo/redis"
)

// pumpEvents are the events the pump observes
var pumpEvents = []EventKind{
	JobQueue, JobMove, JobUnpark, JobRequeue, JobComplete, JobFail,
	QueueUpdate, QueueResume, QueuePause, QueueDelete,
	WorkerActivity, WorkerJobStart, WorkerJobDone, WorkerDelete,
}

// Pump moves waiting jobs to the ready lists workers block on. Queues
// that may have deliverable work are signalled on a ready list; each
// pump pops one of them and delivers as many jobs as its running limit
// allows, in one atomic step.
type Pump struct {
	r      *Rocket
	logger *slog.Logger

	readyQueues *store.UniqueList
	halt        *store.Flag
	busyWorkers *store.Set
	allWorkers  *store.Set
}

func newPump(r *Rocket) *Pump {
	return &Pump{
		r:           r,
		logger:      r.logger.With("component", "pump"),
		readyQueues: r.store.UniqueList(readyQueuesKey),
		halt:        r.store.Flag(haltProcessingKey),
		busyWorkers: r.store.Set(busyWorkersKey),
		allWorkers:  r.store.Set(allWorkersKey),
	}
}

// Notify keeps the ready list and the worker sets current
func (p *Pump) Notify(ctx context.Context, e Event) error {
	switch ev := e.(type) {
	case JobEvent:
		return p.Signal(ctx, ev.Job.queue)
	case QueueEvent:
		switch ev.Type {
		case QueuePause, QueueDelete:
			return p.readyQueues.Remove(ctx, ev.Queue.name)
		default:
			return p.Signal(ctx, ev.Queue)
		}
	case WorkerEvent:
		name := ev.Worker.name
		var err error
		switch ev.Type {
		case WorkerActivity:
			_, err = p.allWorkers.Add(ctx, name)
		case WorkerJobStart:
			_, err = p.busyWorkers.Add(ctx, name)
		case WorkerJobDone:
			_, err = p.busyWorkers.Remove(ctx, name)
		case WorkerDelete:
			b := p.r.store.NewBatch().
				SRem(p.busyWorkers.Key(), name).
				SRem(p.allWorkers.Key(), name)
			_, err = p.r.store.Exec(ctx, b, 0)
		}
		return err
	}
	return nil
}

// Signal marks q as possibly having deliverable jobs
func (p *Pump) Signal(ctx context.Context, q *Queue) error {
	added, err := p.readyQueues.Push(ctx, q.name)
	if err != nil {
		return err
	}
	if added {
		p.logger.Debug("Queue signalled ready", "queue", q.name)
	}
	return nil
}

// ReadyQueues returns the signalled queue names in pump order
func (p *Pump) ReadyQueues(ctx context.Context) ([]string, error) {
	return p.readyQueues.Items(ctx)
}

// Halt stops all delivery until Resume
func (p *Pump) Halt(ctx context.Context) error {
	if err := p.halt.On(ctx); err != nil {
		return err
	}
	p.logger.Warn("Processing halted")
	return nil
}

// Resume lifts Halt
func (p *Pump) Resume(ctx context.Context) error {
	if err := p.halt.Off(ctx); err != nil {
		return err
	}
	p.logger.Info("Processing resumed")
	return nil
}

// IsHalted reports whether delivery is halted
func (p *Pump) IsHalted(ctx context.Context) (bool, error) {
	return p.halt.IsOn(ctx)
}

// Utilization is the share of known workers that are running a job,
// between 0 and 1. It is 0 when no worker is known.
func (p *Pump) Utilization(ctx context.Context) (float64, error) {
	total, err := p.allWorkers.Count(ctx)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	busy, err := p.busyWorkers.Count(ctx)
	if err != nil {
		return 0, err
	}
	return math.Min(1, float64(busy)/float64(total)), nil
}

// CurrentRunningLimit scales the running limit of q between its min and
// max: the busier the workers, the closer to min.
func (p *Pump) CurrentRunningLimit(ctx context.Context, q *Queue) (int, error) {
	min, max := q.MinRunningLimit(), q.MaxRunningLimit()
	if min >= max {
		return min, nil
	}
	u, err := p.Utilization(ctx)
	if err != nil {
		return 0, err
	}
	return runningLimit(u, min, max), nil
}

func runningLimit(utilization float64, min, max int) int {
	if min >= max {
		return min
	}
	return int(math.Ceil((1-utilization)*float64(max-min) + float64(min)))
}

// PumpQueue delivers up to max waiting jobs of q, bounded by its current
// running limit. It returns the delivered ids.
func (p *Pump) PumpQueue(ctx context.Context, q *Queue, max int) ([]string, error) {
	paused, err := q.IsPaused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		p.logger.Debug("Skipping paused queue", "queue", q.name)
		return nil, nil
	}

	limit, err := p.CurrentRunningLimit(ctx, q)
	if err != nil {
		return nil, err
	}

	pumped, err := redis.Strings(p.r.store.Eval(ctx, pumpScript,
		q.set(StatusRunning).Key(),
		q.set(StatusWaiting).Key(),
		q.waitingList.Key(),
		p.r.store.Key("JOB:"),
		p.r.store.Key(readyJobsKeyPrefix),
		max, limit, p.r.timestamp(), q.name))
	if err != nil {
		return nil, err
	}

	if len(pumped) > 0 {
		p.logger.Debug("Jobs pumped", "queue", q.name, "jobs", len(pumped), "limit", limit)
	}
	if max > 0 && len(pumped) == max {
		// there may be more to deliver
		if err := p.Signal(ctx, q); err != nil {
			return pumped, err
		}
	}
	return pumped, nil
}

// PumpReadyQueue pops one signalled queue, waiting up to timeout, and
// pumps it. While processing is halted it only sleeps for timeout.
func (p *Pump) PumpReadyQueue(ctx context.Context, max int, timeout time.Duration) ([]string, error) {
	halted, err := p.IsHalted(ctx)
	if err != nil {
		return nil, err
	}
	if halted {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
		}
		return nil, nil
	}

	name, ok, err := p.readyQueues.BlockingPop(ctx, timeout)
	if err != nil || !ok {
		return nil, err
	}
	return p.PumpQueue(ctx, p.r.Queue(name), max)
}

// ReadyJobsKey returns the store key of the ready list of jobType
func (p *Pump) ReadyJobsKey(jobType string) string {
	return p.r.store.Key(readyJobsKeyPrefix + jobType)
}
