package rocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BranchIntl/rocket/config"
	rocketErrors "github.com/BranchIntl/rocket/errors"
	"github.com/BranchIntl/rocket/store"
)

// Global keys
const (
	queuesKey          = "QUEUES"
	jobsQueueKey       = "JOBS_QUEUE"
	scheduledJobsKey   = "SCHEDULED_JOBS"
	readyQueuesKey     = "READY_QUEUES"
	readyJobsKeyPrefix = "READY_JOBS:"
	haltProcessingKey  = "HALT_PROCESSING"
	busyWorkersKey     = "BUSY_WORKERS"
	allWorkersKey      = "ALL_WORKERS"
)

// Plugin extends a Rocket, usually by subscribing observers
type Plugin interface {
	Name() string
	Register(r *Rocket) error
}

// OverheadTask is implemented by plugins with periodic work. It is run
// at the start of every PerformOverheadTasks call.
type OverheadTask interface {
	PerformOverhead(ctx context.Context, max int) error
}

// Rocket is the entry point to a job broker sharing one store
type Rocket struct {
	store  *store.Store
	cfg    *config.Config
	logger *slog.Logger
	ids    IDGenerator
	now    func() time.Time

	events *dispatcher
	pump   *Pump

	queues  *handleCache[*Queue]
	jobs    *handleCache[*Job]
	workers *handleCache[*Worker]

	queueSet      *store.Set
	jobsQueue     *store.Hash
	scheduledJobs *store.SortedSet

	mu       sync.RWMutex
	plugins  map[string]Plugin
	overhead []OverheadTask
}

// Option configures a Rocket
type Option func(*Rocket)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Rocket) {
		r.logger = logger
	}
}

// WithIDGenerator overrides the generator selected by the configuration
func WithIDGenerator(g IDGenerator) Option {
	return func(r *Rocket) {
		r.ids = g
	}
}

// WithClock sets the time source used for timestamps and schedules
func WithClock(now func() time.Time) Option {
	return func(r *Rocket) {
		r.now = now
	}
}

// WithCacheSize bounds the number of cached queue, job and worker handles
func WithCacheSize(size int) Option {
	return func(r *Rocket) {
		r.queues = newHandleCache[*Queue](size)
		r.jobs = newHandleCache[*Job](size)
		r.workers = newHandleCache[*Worker](size)
	}
}

// New creates a Rocket on a connected store. A nil cfg uses the defaults.
func New(s *store.Store, cfg *config.Config, opts ...Option) (*Rocket, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Rocket{
		store:         s,
		cfg:           cfg,
		logger:        slog.Default(),
		now:           time.Now,
		events:        &dispatcher{},
		queues:        newHandleCache[*Queue](DefaultCacheSize),
		jobs:          newHandleCache[*Job](DefaultCacheSize),
		workers:       newHandleCache[*Worker](DefaultCacheSize),
		queueSet:      s.Set(queuesKey),
		jobsQueue:     s.Hash(jobsQueueKey),
		scheduledJobs: s.SortedSet(scheduledJobsKey),
		plugins:       make(map[string]Plugin),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.ids == nil {
		ids, err := NewIDGenerator(cfg.IDGenerator)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", rocketErrors.ErrInvalidConfig, err)
		}
		r.ids = ids
	}

	// the pump observes first so readiness is signalled before any
	// user observer runs
	r.pump = newPump(r)
	r.events.subscribe(r.pump, pumpEvents...)

	return r, nil
}

// Store returns the underlying store
func (r *Rocket) Store() *store.Store { return r.store }

// Config returns the configuration
func (r *Rocket) Config() *config.Config { return r.cfg }

// Logger returns the logger
func (r *Rocket) Logger() *slog.Logger { return r.logger }

// Pump returns the dispatch engine
func (r *Rocket) Pump() *Pump { return r.pump }

// Now returns the current time of the Rocket's clock
func (r *Rocket) Now() time.Time { return r.now() }

// Subscribe registers an observer for the given kinds, or for all events
// when no kind is given
func (r *Rocket) Subscribe(o Observer, kinds ...EventKind) {
	r.events.subscribe(o, kinds...)
}

// Publish dispatches an event to the observers
func (r *Rocket) Publish(ctx context.Context, e Event) error {
	return r.events.dispatch(ctx, e)
}

// RegisterPlugin registers p once. Registering a second plugin with the
// same name is an error.
func (r *Rocket) RegisterPlugin(p Plugin) error {
	r.mu.Lock()
	if _, ok := r.plugins[p.Name()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("plugin %s already registered", p.Name())
	}
	r.plugins[p.Name()] = p
	if task, ok := p.(OverheadTask); ok {
		r.overhead = append(r.overhead, task)
	}
	r.mu.Unlock()

	if err := p.Register(r); err != nil {
		return fmt.Errorf("register plugin %s: %w", p.Name(), err)
	}
	r.logger.Debug("Plugin registered", "plugin", p.Name())
	return nil
}

// Plugin returns the plugin registered under name
func (r *Rocket) Plugin(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Queue returns the handle of the named queue. An empty name selects the
// default queue. The queue is created in the store by its first job.
func (r *Rocket) Queue(name string) *Queue {
	if name == "" {
		name = r.cfg.DefaultQueueName
	}
	return r.queues.getOrCreate(name, func() *Queue {
		return newQueue(r, name)
	})
}

// Queues returns the names of all known queues, sorted
func (r *Rocket) Queues(ctx context.Context) ([]string, error) {
	names, err := r.queueSet.Members(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Job resolves a job by id alone
func (r *Rocket) Job(ctx context.Context, id string) (*Job, error) {
	queue, ok, err := r.jobsQueue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rocketErrors.NewNotFoundError("job", id)
	}
	return r.JobInQueue(queue, id), nil
}

// JobInQueue returns the handle of a job known to be in queue
func (r *Rocket) JobInQueue(queue, id string) *Job {
	j := r.jobs.getOrCreate(id, func() *Job {
		return newJob(r.Queue(queue), id)
	})
	if j.queue.name != queue {
		// moved since the handle was cached
		j = newJob(r.Queue(queue), id)
		r.jobs.put(id, j)
	}
	return j
}

// Worker returns the handle of the named worker
func (r *Rocket) Worker(name string) *Worker {
	return r.workers.getOrCreate(name, func() *Worker {
		return newWorker(r, name)
	})
}

// HaltProcessing stops the pump from delivering jobs
func (r *Rocket) HaltProcessing(ctx context.Context) error {
	return r.pump.Halt(ctx)
}

// ResumeProcessing lets the pump deliver jobs again
func (r *Rocket) ResumeProcessing(ctx context.Context) error {
	return r.pump.Resume(ctx)
}

// IsProcessingHalted reports whether the halt switch is on
func (r *Rocket) IsProcessingHalted(ctx context.Context) (bool, error) {
	return r.pump.IsHalted(ctx)
}

// PerformOverheadTasks runs one dispatch cycle: plugin overhead tasks,
// promotion of due scheduled jobs and one ready-queue pump waiting up to
// timeout. It returns the ids of the delivered jobs.
func (r *Rocket) PerformOverheadTasks(ctx context.Context, timeout time.Duration) ([]string, error) {
	r.mu.RLock()
	tasks := r.overhead
	r.mu.RUnlock()

	var errs []error
	for _, task := range tasks {
		if err := task.PerformOverhead(ctx, r.cfg.Overhead.MaxEventsToHandle); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := r.pump.QueueScheduledJobs(ctx, r.cfg.Overhead.MaxSchedJobsToQueue); err != nil {
		errs = append(errs, err)
	}

	pumped, err := r.pump.PumpReadyQueue(ctx, r.cfg.Overhead.MaxJobsToPump, timeout)
	if err != nil {
		errs = append(errs, err)
	}
	return pumped, errors.Join(errs...)
}

func (r *Rocket) timestamp() string {
	return formatTime(r.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
