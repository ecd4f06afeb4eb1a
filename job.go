package rocket

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	rocketErrors "github.com/BranchIntl/rocket/errors"
	"github.com/BranchIntl/rocket/store"
	"github.com/gomodule/redigo/redis"
)

// Status is the lifecycle state of a job
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusWaiting   Status = "waiting"
	StatusParked    Status = "parked"
	StatusDelivered Status = "delivered"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// Statuses lists every status in lifecycle order
var Statuses = []Status{
	StatusScheduled, StatusWaiting, StatusParked, StatusDelivered, StatusRunning,
	StatusPaused, StatusCancelled, StatusFailed, StatusCompleted,
}

// IsResolved reports whether s is cancelled, failed or completed
func (s Status) IsResolved() bool {
	return s == StatusCancelled || s == StatusFailed || s == StatusCompleted
}

// ParseStatus validates a status name
func ParseStatus(name string) (Status, error) {
	for _, s := range Statuses {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", name)
}

// DefaultJobType is the type of jobs queued without one
const DefaultJobType = "default"

// Job hash fields
const (
	fieldID             = "id"
	fieldType           = "type"
	fieldStatus         = "status"
	fieldProgress       = "progress"
	fieldMaxRuntime     = "max_runtime"
	fieldPayload        = "job"
	fieldDigest         = "job_digest"
	fieldQueueName      = "queue_name"
	fieldWorkerName     = "worker_name"
	fieldScheduleTime   = "sched_time"
	fieldQueueTime      = "queue_time"
	fieldDeliverTime    = "deliver_time"
	fieldStartTime      = "start_time"
	fieldCompleteTime   = "complete_time"
	fieldFailTime       = "fail_time"
	fieldCancelTime     = "cancel_time"
	fieldPrevQueue      = "prev_queue"
	fieldIsAlerting     = "is_alerting"
	fieldFailureMessage = "failure_message"
	fieldAlertMessage   = "alert_message"
	fieldAttempts       = "attempts"
)

// Job is a handle on one job. It holds no job state: every read goes to
// the store.
type Job struct {
	r       *Rocket
	id      string
	queue   *Queue
	hash    *store.Hash
	history *store.List
	logger  *slog.Logger
}

func newJob(q *Queue, id string) *Job {
	return &Job{
		r:       q.r,
		id:      id,
		queue:   q,
		hash:    q.r.store.Hash("JOB:" + id),
		history: q.r.store.List("JOB:" + id + ":HISTORY"),
		logger:  q.logger.With("job", id),
	}
}

// ID returns the job id
func (j *Job) ID() string { return j.id }

// Queue returns the queue the handle was resolved in
func (j *Job) Queue() *Queue { return j.queue }

// Key returns the store key of the job hash
func (j *Job) Key() string { return j.hash.Key() }

// JobInfo is a snapshot of a job hash
type JobInfo struct {
	ID             string
	Type           string
	Status         Status
	Payload        string
	Digest         string
	MaxRuntime     time.Duration
	Progress       string
	QueueName      string
	PrevQueue      string
	WorkerName     string
	ScheduleTime   time.Time
	QueueTime      time.Time
	DeliverTime    time.Time
	StartTime      time.Time
	CompleteTime   time.Time
	FailTime       time.Time
	CancelTime     time.Time
	IsAlerting     bool
	AlertMessage   string
	FailureMessage string
	Attempts       int
}

// Info reads the whole job hash
func (j *Job) Info(ctx context.Context) (*JobInfo, error) {
	fields, err := j.hash.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, rocketErrors.NewNotFoundError("job", j.id)
	}

	maxRuntime, _ := strconv.Atoi(fields[fieldMaxRuntime])
	attempts, _ := strconv.Atoi(fields[fieldAttempts])
	info := &JobInfo{
		ID:             j.id,
		Type:           fields[fieldType],
		Status:         Status(fields[fieldStatus]),
		Payload:        fields[fieldPayload],
		Digest:         fields[fieldDigest],
		MaxRuntime:     time.Duration(maxRuntime) * time.Second,
		Progress:       fields[fieldProgress],
		QueueName:      fields[fieldQueueName],
		PrevQueue:      fields[fieldPrevQueue],
		WorkerName:     fields[fieldWorkerName],
		ScheduleTime:   parseTime(fields[fieldScheduleTime]),
		QueueTime:      parseTime(fields[fieldQueueTime]),
		DeliverTime:    parseTime(fields[fieldDeliverTime]),
		StartTime:      parseTime(fields[fieldStartTime]),
		CompleteTime:   parseTime(fields[fieldCompleteTime]),
		FailTime:       parseTime(fields[fieldFailTime]),
		CancelTime:     parseTime(fields[fieldCancelTime]),
		IsAlerting:     fields[fieldIsAlerting] == "1",
		AlertMessage:   fields[fieldAlertMessage],
		FailureMessage: fields[fieldFailureMessage],
		Attempts:       attempts,
	}
	if info.Type == "" {
		info.Type = DefaultJobType
	}
	if info.Digest == "" {
		info.Digest = PayloadDigest(info.Payload)
	}
	return info, nil
}

// Exists reports whether the job hash is present
func (j *Job) Exists(ctx context.Context) (bool, error) {
	return j.hash.Exists(ctx)
}

// Status reads the current status
func (j *Job) Status(ctx context.Context) (Status, error) {
	v, ok, err := j.hash.Get(ctx, fieldStatus)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", rocketErrors.NewNotFoundError("job", j.id)
	}
	return Status(v), nil
}

// Payload reads the job body
func (j *Job) Payload(ctx context.Context) (string, error) {
	return j.field(ctx, fieldPayload)
}

// WorkerName reads the worker holding the job, empty when none
func (j *Job) WorkerName(ctx context.Context) (string, error) {
	return j.field(ctx, fieldWorkerName)
}

// Digest returns the digest given at creation, or the SHA-1 of the payload
func (j *Job) Digest(ctx context.Context) (string, error) {
	d, err := j.field(ctx, fieldDigest)
	if err != nil || d != "" {
		return d, err
	}
	payload, err := j.Payload(ctx)
	if err != nil {
		return "", err
	}
	return PayloadDigest(payload), nil
}

func (j *Job) field(ctx context.Context, name string) (string, error) {
	v, _, err := j.hash.Get(ctx, name)
	return v, err
}

// PayloadDigest is the default digest of a job body, the hex SHA-1 of it
func PayloadDigest(payload string) string {
	sum := sha1.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// scheduledMember is the entry of the job in the global scheduled set
func (j *Job) scheduledMember() string {
	member, _ := json.Marshal([]string{j.id, j.queue.name})
	return string(member)
}

const (
	listRemove = "remove"
	listPush   = "push"
	zsetAdd    = "add"
	zsetRem    = "rem"
)

// transition describes one atomic status change, see transitionScript
type transition struct {
	op      string
	from    []Status
	sources []Status
	dest    Status
	list    string
	owner   string
	incr    string
	zset    string
	score   int64
	set     []string
	del     []string
	timeout time.Duration

	// attempts, when set, receives the number of script runs
	attempts *int
}

// apply runs t and returns the status observed before the change
func (j *Job) apply(ctx context.Context, t transition) (Status, error) {
	q := j.queue
	dest := ""
	if t.dest != "" {
		dest = q.set(t.dest).Key()
	}
	keys := []interface{}{j.hash.Key(), dest, q.waitingList.Key(), j.r.scheduledJobs.Key()}
	for _, s := range t.sources {
		keys = append(keys, q.set(s).Key())
	}

	from := make([]string, len(t.from))
	for i, s := range t.from {
		from[i] = string(s)
	}

	args := make([]interface{}, 0, 1+len(keys)+9+len(t.set)+len(t.del))
	args = append(args, len(keys))
	args = append(args, keys...)
	args = append(args, j.id, strings.Join(from, " "), t.owner, t.list, t.incr,
		t.zset, t.score, j.scheduledMember(), len(t.set)/2)
	for _, v := range t.set {
		args = append(args, v)
	}
	for _, f := range t.del {
		args = append(args, f)
	}

	reply, attempts, err := j.r.store.EvalWithRetry(ctx, t.timeout, transitionScript, args...)
	if t.attempts != nil {
		*t.attempts = attempts
	}
	if err != nil {
		return "", err
	}
	code, observed, err := scanResult(reply)
	if err != nil {
		return "", fmt.Errorf("job %s %s: %w", j.id, t.op, err)
	}
	return Status(observed), j.scriptError(t.op, code, observed)
}

// scanResult decodes the {code, detail} pair returned by the job scripts
func scanResult(reply interface{}) (int, string, error) {
	values, err := redis.Values(reply, nil)
	if err != nil {
		return 0, "", err
	}
	var (
		code   int
		detail string
	)
	if _, err := redis.Scan(values, &code, &detail); err != nil {
		return 0, "", err
	}
	return code, detail, nil
}

func (j *Job) scriptError(op string, code int, observed string) error {
	switch code {
	case scriptOK:
		return nil
	case scriptNotFound:
		return rocketErrors.NewNotFoundError("job", j.id)
	case scriptBadStatus:
		return rocketErrors.NewStateError(op, j.id, observed, "not allowed from the current status")
	case scriptNotInSet:
		return rocketErrors.NewStateError(op, j.id, observed, "job is not in the expected status set")
	case scriptOtherOwner:
		return rocketErrors.NewStateError(op, j.id, "", "job is held by worker "+observed)
	case scriptBadArgument:
		return rocketErrors.NewStateError(op, j.id, "", "pivot is missing or is the job itself")
	default:
		return fmt.Errorf("job %s %s: unexpected script result %d", j.id, op, code)
	}
}

func (j *Job) notify(ctx context.Context, kind EventKind) error {
	return j.r.events.dispatch(ctx, JobEvent{Type: kind, Job: j})
}

// ShiftBefore moves a waiting job in front of pivot in the waiting list
func (j *Job) ShiftBefore(ctx context.Context, pivot string) error {
	return j.shift(ctx, pivot, "BEFORE")
}

// ShiftAfter moves a waiting job behind pivot in the waiting list
func (j *Job) ShiftAfter(ctx context.Context, pivot string) error {
	return j.shift(ctx, pivot, "AFTER")
}

func (j *Job) shift(ctx context.Context, pivot, where string) error {
	code, err := redis.Int(j.r.store.Eval(ctx, shiftScript, j.queue.waitingList.Key(), j.id, where, pivot))
	if err != nil {
		return err
	}
	if err := j.scriptError("shift", code, ""); err != nil {
		j.logger.Warn("Job shift failed", "pivot", pivot, "error", err)
		return err
	}

	j.logger.Info("Job shifted", "position", strings.ToLower(where), "pivot", pivot)
	return j.notify(ctx, JobShift)
}

// Park takes a waiting job out of the waiting list. A parked job is not
// delivered and does not hold up the rest of the queue.
func (j *Job) Park(ctx context.Context) error {
	_, err := j.apply(ctx, transition{
		op:      "park",
		from:    []Status{StatusWaiting},
		sources: []Status{StatusWaiting},
		dest:    StatusParked,
		list:    listRemove,
		set:     []string{fieldStatus, string(StatusParked)},
	})
	if err != nil {
		j.logger.Warn("Job park failed", "error", err)
		return err
	}

	j.logger.Info("Job parked")
	return j.notify(ctx, JobPark)
}

// Unpark puts a parked job back at the tail of the waiting list
func (j *Job) Unpark(ctx context.Context) error {
	_, err := j.apply(ctx, transition{
		op:      "unpark",
		from:    []Status{StatusParked},
		sources: []Status{StatusParked},
		dest:    StatusWaiting,
		list:    listPush,
		set:     []string{fieldStatus, string(StatusWaiting)},
	})
	if err != nil {
		j.logger.Warn("Job unpark failed", "error", err)
		return err
	}

	j.logger.Info("Job unparked")
	return j.notify(ctx, JobUnpark)
}

// Pause marks a running job paused
func (j *Job) Pause(ctx context.Context) error {
	_, err := j.apply(ctx, transition{
		op:      "pause",
		from:    []Status{StatusRunning},
		sources: []Status{StatusRunning},
		dest:    StatusPaused,
		set:     []string{fieldStatus, string(StatusPaused)},
	})
	if err != nil {
		j.logger.Warn("Job pause failed", "error", err)
		return err
	}

	j.logger.Info("Job paused")
	return j.notify(ctx, JobPause)
}

// Resume marks a paused job running again
func (j *Job) Resume(ctx context.Context) error {
	_, err := j.apply(ctx, transition{
		op:      "resume",
		from:    []Status{StatusPaused},
		sources: []Status{StatusPaused},
		dest:    StatusRunning,
		set:     []string{fieldStatus, string(StatusRunning)},
	})
	if err != nil {
		j.logger.Warn("Job resume failed", "error", err)
		return err
	}

	j.logger.Info("Job resumed")
	return j.notify(ctx, JobResume)
}

// Cancel cancels a job that has not been delivered yet
func (j *Job) Cancel(ctx context.Context) error {
	pending := []Status{StatusScheduled, StatusWaiting, StatusParked}
	_, err := j.apply(ctx, transition{
		op:      "cancel",
		from:    pending,
		sources: pending,
		dest:    StatusCancelled,
		list:    listRemove,
		zset:    zsetRem,
		set: []string{
			fieldStatus, string(StatusCancelled),
			fieldCancelTime, j.r.timestamp(),
		},
		del: []string{fieldWorkerName},
	})
	if err != nil {
		j.logger.Warn("Job cancel failed", "error", err)
		return err
	}

	j.logger.Info("Job cancelled")
	return j.notify(ctx, JobCancel)
}

// Delete removes the job and every reference to it. It cannot be undone.
func (j *Job) Delete(ctx context.Context) error {
	deleted, err := j.hash.Delete(ctx)
	if err != nil {
		return err
	}
	if !deleted {
		j.logger.Warn("Job delete failed, job does not exist")
		return rocketErrors.NewNotFoundError("job", j.id)
	}

	q := j.queue
	b := j.r.store.NewBatch().
		Del(j.history.Key()).
		LRem(q.waitingList.Key(), j.id).
		ZRem(j.r.scheduledJobs.Key(), j.scheduledMember()).
		HDel(j.r.jobsQueue.Key(), j.id)
	for _, s := range queueSets {
		b.SRem(q.set(s).Key(), j.id)
	}
	if _, err := j.r.store.Exec(ctx, b, 0); err != nil {
		return err
	}
	j.r.jobs.remove(j.id)

	j.logger.Info("Job deleted")
	return j.notify(ctx, JobDelete)
}

// Requeue puts a resolved job back in its queue. With a zero at the job
// is waiting again at once, otherwise it is scheduled for at.
func (j *Job) Requeue(ctx context.Context, at time.Time) error {
	resolved := []Status{StatusCancelled, StatusFailed, StatusCompleted}
	t := transition{
		op:      "requeue",
		from:    resolved,
		sources: resolved,
	}
	if at.IsZero() {
		t.dest = StatusWaiting
		t.list = listPush
		t.set = []string{
			fieldStatus, string(StatusWaiting),
			fieldQueueTime, j.r.timestamp(),
		}
	} else {
		t.dest = StatusScheduled
		t.zset = zsetAdd
		t.score = at.Unix()
		t.set = []string{
			fieldStatus, string(StatusScheduled),
			fieldScheduleTime, formatTime(at),
		}
	}

	if _, err := j.apply(ctx, t); err != nil {
		j.logger.Warn("Job requeue failed", "error", err)
		return err
	}

	if at.IsZero() {
		j.logger.Info("Job requeued")
	} else {
		j.logger.Info("Job rescheduled", "at", formatTime(at))
	}
	return j.notify(ctx, JobRequeue)
}

// Deliver marks a waiting job delivered. The pump does the same thing
// for many jobs at once; this is meant for tools and tests.
func (j *Job) Deliver(ctx context.Context) error {
	_, err := j.apply(ctx, transition{
		op:      "deliver",
		from:    []Status{StatusWaiting},
		sources: []Status{StatusWaiting},
		dest:    StatusRunning,
		list:    listRemove,
		set: []string{
			fieldStatus, string(StatusDelivered),
			fieldDeliverTime, j.r.timestamp(),
		},
	})
	if err != nil {
		j.logger.Error("Job delivery failed", "error", err)
		return err
	}

	j.logger.Info("Job delivered")
	return j.notify(ctx, JobDeliver)
}

// Start marks a delivered job running on worker. Exactly one of several
// concurrent callers succeeds; the others get a StateError. Transport
// failures are retried for up to timeout.
func (j *Job) Start(ctx context.Context, worker string, timeout time.Duration) error {
	attempts := 0
	observed, err := j.apply(ctx, transition{
		op:       "start",
		from:     []Status{StatusDelivered},
		sources:  []Status{StatusRunning},
		dest:     StatusRunning,
		owner:    worker,
		incr:     fieldAttempts,
		timeout:  timeout,
		attempts: &attempts,
		set: []string{
			fieldStatus, string(StatusRunning),
			fieldStartTime, j.r.timestamp(),
			fieldWorkerName, worker,
		},
	})
	if err != nil && attempts > 1 && observed == StatusRunning {
		// the reply of an applied attempt was lost
		if owner, ownerErr := j.WorkerName(ctx); ownerErr == nil && owner == worker {
			j.logger.Warn("Job start applied by an earlier attempt", "worker", worker)
			err = nil
		}
	}
	if err != nil {
		j.logger.Warn("Job start failed", "worker", worker, "error", err)
		return err
	}

	j.logger.Info("Job started", "worker", worker)
	return j.notify(ctx, JobStart)
}

// Progress records worker supplied progress
func (j *Job) Progress(ctx context.Context, progress string) error {
	if _, err := j.apply(ctx, transition{
		op:  "progress",
		set: []string{fieldProgress, progress},
	}); err != nil {
		return err
	}
	return j.notify(ctx, JobProgress)
}

// Complete marks a running job completed. Transport failures are retried
// for up to timeout.
func (j *Job) Complete(ctx context.Context, timeout time.Duration) error {
	_, err := j.apply(ctx, transition{
		op:      "complete",
		from:    []Status{StatusRunning},
		sources: []Status{StatusRunning},
		dest:    StatusCompleted,
		timeout: timeout,
		set: []string{
			fieldStatus, string(StatusCompleted),
			fieldCompleteTime, j.r.timestamp(),
		},
		del: []string{fieldWorkerName},
	})
	if err != nil {
		j.logger.Error("Job complete failed", "error", err)
		return err
	}

	j.logger.Info("Job completed")
	return j.notify(ctx, JobComplete)
}

// Fail marks a running or paused job failed with message. Transport
// failures are retried for up to timeout.
func (j *Job) Fail(ctx context.Context, message string, timeout time.Duration) error {
	active := []Status{StatusRunning, StatusPaused}
	_, err := j.apply(ctx, transition{
		op:      "fail",
		from:    active,
		sources: active,
		dest:    StatusFailed,
		timeout: timeout,
		set: []string{
			fieldStatus, string(StatusFailed),
			fieldFailTime, j.r.timestamp(),
			fieldFailureMessage, message,
		},
		del: []string{fieldWorkerName},
	})
	if err != nil {
		j.logger.Error("Job failure failed", "error", err)
		return err
	}

	j.logger.Info("Job failed", "message", message)
	return j.notify(ctx, JobFail)
}

// SetAlert flags the job with message
func (j *Job) SetAlert(ctx context.Context, message string) error {
	if _, err := j.apply(ctx, transition{
		op:  "alert",
		set: []string{fieldIsAlerting, "1", fieldAlertMessage, message},
	}); err != nil {
		return err
	}

	j.logger.Warn("Job alert", "message", message)
	return j.notify(ctx, JobAlert)
}

// ClearAlert removes the alert flag
func (j *Job) ClearAlert(ctx context.Context) error {
	_, err := j.hash.Del(ctx, fieldIsAlerting, fieldAlertMessage)
	return err
}
