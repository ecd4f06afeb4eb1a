package rocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	rocketErrors "github.com/BranchIntl/rocket/errors"
	"github.com/BranchIntl/rocket/store"
)

// queueSets lists the statuses that have their own set in a queue.
// Delivered jobs are kept in the running set.
var queueSets = []Status{
	StatusScheduled, StatusWaiting, StatusParked, StatusRunning,
	StatusPaused, StatusCancelled, StatusFailed, StatusCompleted,
}

// Queue is a handle on a named queue
type Queue struct {
	r      *Rocket
	name   string
	logger *slog.Logger

	waitingList *store.List
	sets        map[Status]*store.Set
	paused      *store.Flag
	disabled    *store.Flag
}

func newQueue(r *Rocket, name string) *Queue {
	prefix := "QUEUE:" + name
	q := &Queue{
		r:           r,
		name:        name,
		logger:      r.logger.With("queue", name),
		waitingList: r.store.List(prefix),
		sets:        make(map[Status]*store.Set, len(queueSets)),
		paused:      r.store.Flag(prefix + ":IS_PAUSED"),
		disabled:    r.store.Flag(prefix + ":IS_DISABLED"),
	}
	for _, s := range queueSets {
		q.sets[s] = r.store.Set(prefix + ":" + setSuffix(s))
	}
	return q
}

func setSuffix(s Status) string {
	switch s {
	case StatusScheduled:
		return "SCHEDULED"
	case StatusWaiting:
		return "WAITING"
	case StatusParked:
		return "PARKED"
	case StatusPaused:
		return "PAUSED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusFailed:
		return "FAILED"
	case StatusCompleted:
		return "COMPLETED"
	default:
		return "RUNNING"
	}
}

// set returns the status set holding jobs in status s
func (q *Queue) set(s Status) *store.Set {
	if s == StatusDelivered {
		s = StatusRunning
	}
	return q.sets[s]
}

// Name returns the queue name
func (q *Queue) Name() string { return q.name }

// WaitingLimit is the most jobs allowed to wait. Zero means no limit.
func (q *Queue) WaitingLimit() int { return q.r.cfg.WaitingLimit(q.name) }

// MinRunningLimit is the running limit at full utilization
func (q *Queue) MinRunningLimit() int { return q.r.cfg.MinRunningLimit(q.name) }

// MaxRunningLimit is the running limit when every worker is idle
func (q *Queue) MaxRunningLimit() int { return q.r.cfg.MaxRunningLimit(q.name) }

// Init registers the queue. Only the call that adds it emits queue.init.
func (q *Queue) Init(ctx context.Context) error {
	added, err := q.r.queueSet.Add(ctx, q.name)
	if err != nil {
		return err
	}
	if added == 0 {
		return nil
	}

	q.logger.Info("Queue initialized")
	return q.notify(ctx, QueueInit)
}

func (q *Queue) notify(ctx context.Context, kind EventKind) error {
	return q.r.events.dispatch(ctx, QueueEvent{Type: kind, Queue: q})
}

// JobOption customises a new job
type JobOption func(*jobSpec)

type jobSpec struct {
	id         string
	jobType    string
	maxRuntime time.Duration
	digest     string
}

// WithJobID sets the job id instead of generating one
func WithJobID(id string) JobOption {
	return func(s *jobSpec) { s.id = id }
}

// WithJobType sets the job type, which selects the workers that run it
func WithJobType(t string) JobOption {
	return func(s *jobSpec) { s.jobType = t }
}

// WithMaxRuntime sets how long the job may run before the monitor alerts
func WithMaxRuntime(d time.Duration) JobOption {
	return func(s *jobSpec) { s.maxRuntime = d }
}

// WithDigest sets the digest used to recognise duplicate jobs
func WithDigest(d string) JobOption {
	return func(s *jobSpec) { s.digest = d }
}

func (q *Queue) newJobSpec(opts []JobOption) (*jobSpec, error) {
	spec := &jobSpec{jobType: DefaultJobType}
	for _, opt := range opts {
		opt(spec)
	}
	if spec.jobType == "" {
		spec.jobType = DefaultJobType
	}
	if spec.id == "" {
		id, err := q.r.ids.NewID()
		if err != nil {
			return nil, err
		}
		spec.id = id
		q.logger.Debug("Assigning id to new job", "job", id)
	}
	return spec, nil
}

// reject emits queue.full for payload and returns the error for reason
func (q *Queue) reject(ctx context.Context, payload string, reason error) error {
	qerr := rocketErrors.NewQueueError("queue", q.name, reason)
	q.logger.Warn("Cannot queue job", "reason", reason)
	if err := q.r.events.dispatch(ctx, QueueFullEvent{Queue: q, Payload: payload, Reason: reason}); err != nil {
		return errors.Join(qerr, err)
	}
	return qerr
}

// admit checks that the queue accepts one more waiting job
func (q *Queue) admit(ctx context.Context, payload string) error {
	disabled, err := q.IsDisabled(ctx)
	if err != nil {
		return err
	}
	if disabled {
		return q.reject(ctx, payload, rocketErrors.ErrQueueDisabled)
	}

	if limit := q.WaitingLimit(); limit > 0 {
		waiting, err := q.set(StatusWaiting).Count(ctx)
		if err != nil {
			return err
		}
		if waiting >= limit {
			return q.reject(ctx, payload, rocketErrors.ErrQueueFull)
		}
	}
	return nil
}

func (q *Queue) createJob(ctx context.Context, payload string, spec *jobSpec, status Status, b *store.Batch) (*Job, error) {
	if err := q.Init(ctx); err != nil {
		return nil, err
	}

	job := q.r.JobInQueue(q.name, spec.id)
	exists, err := job.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, rocketErrors.NewStateError("create", spec.id, "", "a job with this id already exists")
	}

	fields := []interface{}{
		fieldID, spec.id,
		fieldType, spec.jobType,
		fieldQueueName, q.name,
		fieldPayload, payload,
		fieldMaxRuntime, int64(spec.maxRuntime / time.Second),
		fieldStatus, string(status),
	}
	if spec.digest != "" {
		fields = append(fields, fieldDigest, spec.digest)
	}
	b.HSet(job.hash.Key(), fields...).
		HSet(q.r.jobsQueue.Key(), spec.id, q.name).
		SAdd(q.r.queueSet.Key(), q.name)

	if _, err := q.r.store.Exec(ctx, b, 0); err != nil {
		return nil, err
	}
	return job, nil
}

// QueueJob adds a job at the tail of the waiting list. It fails when the
// queue is disabled or its waiting limit is reached; both cases also
// emit queue.full with the rejected payload.
func (q *Queue) QueueJob(ctx context.Context, payload string, opts ...JobOption) (*Job, error) {
	if err := q.admit(ctx, payload); err != nil {
		return nil, err
	}
	spec, err := q.newJobSpec(opts)
	if err != nil {
		return nil, err
	}

	b := q.r.store.NewBatch().
		HSet(q.r.store.Key("JOB:"+spec.id), fieldQueueTime, q.r.timestamp()).
		SAdd(q.set(StatusWaiting).Key(), spec.id).
		RPush(q.waitingList.Key(), spec.id).
		SRem(q.set(StatusScheduled).Key(), spec.id)
	job, err := q.createJob(ctx, payload, spec, StatusWaiting, b)
	if err != nil {
		return nil, err
	}

	q.logger.Info("Job added to queue", "job", spec.id)
	return job, job.notify(ctx, JobQueue)
}

// ScheduleJob adds a job that becomes waiting at the given time. Limits
// are checked when the job is promoted, not now.
func (q *Queue) ScheduleJob(ctx context.Context, at time.Time, payload string, opts ...JobOption) (*Job, error) {
	spec, err := q.newJobSpec(opts)
	if err != nil {
		return nil, err
	}

	pending := newJob(q, spec.id)
	b := q.r.store.NewBatch().
		HSet(pending.hash.Key(), fieldScheduleTime, formatTime(at)).
		SAdd(q.set(StatusScheduled).Key(), spec.id).
		ZAdd(q.r.scheduledJobs.Key(), at.Unix(), pending.scheduledMember())
	job, err := q.createJob(ctx, payload, spec, StatusScheduled, b)
	if err != nil {
		return nil, err
	}

	q.logger.Info("Job scheduled in queue", "job", spec.id, "at", formatTime(at))
	return job, job.notify(ctx, JobSchedule)
}

// promote makes a due scheduled job waiting, subject to the same checks
// as QueueJob
func (q *Queue) promote(ctx context.Context, job *Job) error {
	payload, err := job.Payload(ctx)
	if err != nil {
		return err
	}
	if err := q.admit(ctx, payload); err != nil {
		return err
	}

	_, err = job.apply(ctx, transition{
		op:      "promote",
		from:    []Status{StatusScheduled},
		sources: []Status{StatusScheduled},
		dest:    StatusWaiting,
		list:    listPush,
		zset:    zsetRem,
		set: []string{
			fieldStatus, string(StatusWaiting),
			fieldQueueTime, q.r.timestamp(),
		},
	})
	if err != nil {
		return err
	}

	q.logger.Info("Scheduled job added to queue", "job", job.id)
	return job.notify(ctx, JobQueue)
}

// MoveJob moves a waiting or parked job from its queue to q. A waiting
// job joins the tail of q's waiting list; a parked job stays parked. The
// returned handle is bound to q.
func (q *Queue) MoveJob(ctx context.Context, job *Job) (*Job, error) {
	from := job.queue
	if from.name == q.name {
		return job, nil
	}

	status, err := job.Status(ctx)
	if err != nil {
		return nil, err
	}
	if status != StatusWaiting && status != StatusParked {
		q.logger.Warn("Cannot move job, it is not waiting or parked", "job", job.id, "status", status)
		return nil, rocketErrors.NewStateError("move", job.id, string(status), "only waiting or parked jobs can be moved")
	}
	if err := q.Init(ctx); err != nil {
		return nil, err
	}

	reply, err := q.r.store.Eval(ctx, moveScript,
		job.hash.Key(), from.set(status).Key(), q.set(status).Key(),
		from.waitingList.Key(), q.waitingList.Key(), q.r.jobsQueue.Key(),
		job.id, string(status), q.name, from.name)
	if err != nil {
		return nil, err
	}
	code, observed, err := scanResult(reply)
	if err != nil {
		return nil, err
	}
	if err := job.scriptError("move", code, observed); err != nil {
		q.logger.Warn("Failed to move job", "job", job.id, "error", err)
		return nil, err
	}

	moved := newJob(q, job.id)
	q.r.jobs.put(job.id, moved)

	q.logger.Info("Job moved to queue", "job", job.id, "from", from.name)
	return moved, moved.notify(ctx, JobMove)
}

// Job returns the handle of a job of this queue
func (q *Queue) Job(id string) *Job {
	return q.r.JobInQueue(q.name, id)
}

// Disable makes the queue reject new jobs
func (q *Queue) Disable(ctx context.Context) error {
	if err := q.disabled.On(ctx); err != nil {
		return err
	}
	q.logger.Info("Queue disabled")
	return q.notify(ctx, QueueDisable)
}

// Enable lets the queue accept new jobs again
func (q *Queue) Enable(ctx context.Context) error {
	if err := q.disabled.Off(ctx); err != nil {
		return err
	}
	q.logger.Info("Queue enabled")
	return q.notify(ctx, QueueEnable)
}

// Pause stops jobs of the queue from being delivered
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.paused.On(ctx); err != nil {
		return err
	}
	q.logger.Info("Queue paused")
	return q.notify(ctx, QueuePause)
}

// Resume lets jobs of the queue be delivered again
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.paused.Off(ctx); err != nil {
		return err
	}
	q.logger.Info("Queue resumed")
	return q.notify(ctx, QueueResume)
}

// Update signals that the queue may have deliverable jobs
func (q *Queue) Update(ctx context.Context) error {
	q.logger.Info("Queue updated")
	return q.notify(ctx, QueueUpdate)
}

// IsDisabled reports whether the queue rejects new jobs
func (q *Queue) IsDisabled(ctx context.Context) (bool, error) {
	return q.disabled.IsOn(ctx)
}

// IsPaused reports whether delivery from the queue is paused
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	return q.paused.IsOn(ctx)
}

// Delete removes an empty queue and its structures. The emptiness check
// and the removal run as one script, so a job created concurrently either
// blocks the delete or re-registers the queue.
func (q *Queue) Delete(ctx context.Context) error {
	keys := []interface{}{q.r.queueSet.Key(), q.waitingList.Key(), q.paused.Key(), q.disabled.Key()}
	for _, s := range queueSets {
		keys = append(keys, q.set(s).Key())
	}
	args := append([]interface{}{len(keys)}, keys...)
	args = append(args, q.name)

	reply, err := q.r.store.Eval(ctx, deleteQueueScript, args...)
	if err != nil {
		return err
	}
	code, detail, err := scanResult(reply)
	if err != nil {
		return fmt.Errorf("queue %s delete: %w", q.name, err)
	}
	switch code {
	case scriptOK:
	case scriptBadStatus:
		q.logger.Warn("Cannot delete queue because it still has jobs", "jobs", detail)
		return rocketErrors.NewQueueError("delete", q.name, rocketErrors.ErrQueueNotEmpty)
	default:
		q.logger.Warn("Failed to delete queue")
		return rocketErrors.NewNotFoundError("queue", q.name)
	}
	q.r.queues.remove(q.name)

	q.logger.Info("Queue deleted")
	return q.notify(ctx, QueueDelete)
}

// JobsByStatus returns the ids of the queue's jobs in status s. Delivered
// and running jobs share one set.
func (q *Queue) JobsByStatus(ctx context.Context, s Status) ([]string, error) {
	set := q.set(s)
	if set == nil {
		return nil, rocketErrors.NewStateError("list", "", string(s), "unknown status")
	}
	return set.Members(ctx)
}

// JobCount returns how many of the queue's jobs are in status s
func (q *Queue) JobCount(ctx context.Context, s Status) (int, error) {
	set := q.set(s)
	if set == nil {
		return 0, rocketErrors.NewStateError("count", "", string(s), "unknown status")
	}
	return set.Count(ctx)
}

// AllJobCount returns how many jobs the queue holds in any status
func (q *Queue) AllJobCount(ctx context.Context) (int, error) {
	total := 0
	for _, s := range queueSets {
		n, err := q.set(s).Count(ctx)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// WaitingJobsPage returns the page-th (1 based) slice of the waiting list
// in delivery order
func (q *Queue) WaitingJobsPage(ctx context.Context, page, size int) ([]string, error) {
	return q.waitingList.Page(ctx, page, size)
}

// FlushJobsByStatus deletes every job of the queue in status s and
// returns how many were deleted
func (q *Queue) FlushJobsByStatus(ctx context.Context, s Status) (int, error) {
	ids, err := q.JobsByStatus(ctx, s)
	if err != nil {
		return 0, err
	}

	flushed := 0
	for _, id := range ids {
		err := q.Job(id).Delete(ctx)
		if rocketErrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return flushed, err
		}
		flushed++
	}
	return flushed, nil
}

// QueueInfo is a snapshot of a queue's limits, flags and counts
type QueueInfo struct {
	Name                string         `json:"name"`
	WaitingLimit        int            `json:"waiting_limit"`
	MinRunningLimit     int            `json:"min_running_limit"`
	MaxRunningLimit     int            `json:"max_running_limit"`
	CurrentRunningLimit int            `json:"current_running_limit"`
	IsDisabled          bool           `json:"is_disabled"`
	IsPaused            bool           `json:"is_paused"`
	Jobs                map[Status]int `json:"jobs"`
}

// Info collects the queue's snapshot. It makes one call per status.
func (q *Queue) Info(ctx context.Context) (*QueueInfo, error) {
	info := &QueueInfo{
		Name:            q.name,
		WaitingLimit:    q.WaitingLimit(),
		MinRunningLimit: q.MinRunningLimit(),
		MaxRunningLimit: q.MaxRunningLimit(),
		Jobs:            make(map[Status]int, len(queueSets)),
	}

	var err error
	if info.CurrentRunningLimit, err = q.r.pump.CurrentRunningLimit(ctx, q); err != nil {
		return nil, err
	}
	if info.IsDisabled, err = q.IsDisabled(ctx); err != nil {
		return nil, err
	}
	if info.IsPaused, err = q.IsPaused(ctx); err != nil {
		return nil, err
	}
	for _, s := range queueSets {
		if info.Jobs[s], err = q.set(s).Count(ctx); err != nil {
			return nil, err
		}
	}
	return info, nil
}
