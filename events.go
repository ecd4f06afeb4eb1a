package rocket

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// EventKind names a notification. Kinds are dotted: the prefix is the
// subject (job, queue, worker, monitor) and the suffix the action.
type EventKind string

// Job events
const (
	JobSchedule EventKind = "job.schedule"
	JobQueue    EventKind = "job.queue"
	JobMove     EventKind = "job.move"
	JobShift    EventKind = "job.shift"
	JobPark     EventKind = "job.park"
	JobUnpark   EventKind = "job.unpark"
	JobPause    EventKind = "job.pause"
	JobResume   EventKind = "job.resume"
	JobCancel   EventKind = "job.cancel"
	JobDeliver  EventKind = "job.deliver"
	JobStart    EventKind = "job.start"
	JobStop     EventKind = "job.stop"
	JobRequeue  EventKind = "job.requeue"
	JobDelete   EventKind = "job.delete"
	JobProgress EventKind = "job.progress"
	JobComplete EventKind = "job.complete"
	JobFail     EventKind = "job.fail"
	JobAlert    EventKind = "job.alert"
)

// Queue events
const (
	QueueInit    EventKind = "queue.init"
	QueueUpdate  EventKind = "queue.update"
	QueuePause   EventKind = "queue.pause"
	QueueResume  EventKind = "queue.resume"
	QueueDelete  EventKind = "queue.delete"
	QueueDisable EventKind = "queue.disable"
	QueueEnable  EventKind = "queue.enable"
	QueueFull    EventKind = "queue.full"
)

// Worker events
const (
	WorkerActivity  EventKind = "worker.activity"
	WorkerJobStart  EventKind = "worker.job_start"
	WorkerJobDone   EventKind = "worker.job_done"
	WorkerJobPause  EventKind = "worker.job_pause"
	WorkerJobResume EventKind = "worker.job_resume"
	WorkerDelete    EventKind = "worker.delete"
)

// MonitorJobAlert is raised by the monitor when a job overstays a status
const MonitorJobAlert EventKind = "monitor.job_alert"

// Subject returns the part before the dot
func (k EventKind) Subject() string {
	subject, _, _ := strings.Cut(string(k), ".")
	return subject
}

// Event is a notification raised after a mutation has been committed
type Event interface {
	Kind() EventKind
}

// JobEvent carries the job a job.* or monitor.* event is about
type JobEvent struct {
	Type EventKind
	Job  *Job
}

func (e JobEvent) Kind() EventKind { return e.Type }

// QueueEvent carries the queue a queue.* event is about
type QueueEvent struct {
	Type  EventKind
	Queue *Queue
}

func (e QueueEvent) Kind() EventKind { return e.Type }

// QueueFullEvent is raised when a queue rejects a new job. Payload is the
// rejected job body and Reason tells a full queue from a disabled one.
type QueueFullEvent struct {
	Queue   *Queue
	Payload string
	Reason  error
}

func (e QueueFullEvent) Kind() EventKind { return QueueFull }

// WorkerEvent carries the worker a worker.* event is about
type WorkerEvent struct {
	Type   EventKind
	Worker *Worker
}

func (e WorkerEvent) Kind() EventKind { return e.Type }

// Observer receives events. An error aborts the remaining observers and
// is returned to the caller of the mutation, which has already been
// committed.
type Observer interface {
	Notify(ctx context.Context, e Event) error
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, e Event) error

func (f ObserverFunc) Notify(ctx context.Context, e Event) error {
	return f(ctx, e)
}

type subscription struct {
	observer Observer
	kinds    map[EventKind]struct{}
}

func (s subscription) wants(kind EventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// dispatcher fans events out to observers in registration order
type dispatcher struct {
	mu   sync.RWMutex
	subs []subscription
}

func (d *dispatcher) subscribe(o Observer, kinds ...EventKind) {
	sub := subscription{observer: o}
	if len(kinds) > 0 {
		sub.kinds = make(map[EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, sub)
}

func (d *dispatcher) dispatch(ctx context.Context, e Event) error {
	d.mu.RLock()
	subs := d.subs
	d.mu.RUnlock()

	for _, sub := range subs {
		if !sub.wants(e.Kind()) {
			continue
		}
		if err := sub.observer.Notify(ctx, e); err != nil {
			return fmt.Errorf("observer of %s: %w", e.Kind(), err)
		}
	}
	return nil
}
