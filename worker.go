package rocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	rocketErrors "github.com/BranchIntl/rocket/errors"
	"github.com/BranchIntl/rocket/store"
	"github.com/gomodule/redigo/redis"
)

// Control flags set on a worker and consumed on its next progress report
const (
	FlagPause  = "pause"
	FlagResume = "resume"
	FlagStop   = "stop"
)

// Worker hash fields
const (
	workerLastActivity   = "last_activity"
	workerInfo           = "info"
	workerFlag           = "flag"
	workerCommand        = "command"
	workerCommandTime    = "command_time"
	workerCurrentJob     = "current_job"
	workerCurrentQueue   = "current_queue"
	workerJobsDelivered  = "jobs_delivered"
	workerJobsStarted    = "jobs_started"
	workerJobsCompleted  = "jobs_completed"
	workerJobsFailed     = "jobs_failed"
	workerLastJobStart   = "last_job_start"
	workerLastJobDone    = "last_job_done"
	workerTotalTimeIdle  = "total_time_idle"
	workerTotalTimeBusy  = "total_time_busy"
	workerOverheadCycles = "overhead_cycles"
)

var workerStatFields = []string{
	workerJobsDelivered, workerJobsStarted, workerJobsCompleted, workerJobsFailed,
	workerLastJobStart, workerLastJobDone, workerTotalTimeIdle, workerTotalTimeBusy,
	workerOverheadCycles,
}

// Worker is the lease side of a worker process: the job it currently
// holds, its counters and the commands sent to it. A worker exists in
// the store from its first activity until it has been inactive for the
// configured maximum, or is deleted.
type Worker struct {
	r      *Rocket
	name   string
	hash   *store.Hash
	logger *slog.Logger
}

func newWorker(r *Rocket, name string) *Worker {
	return &Worker{
		r:      r,
		name:   name,
		hash:   r.store.Hash("WORKER:" + name),
		logger: r.logger.With("worker", name),
	}
}

// Name returns the worker name
func (w *Worker) Name() string { return w.name }

// Key returns the store key of the worker hash
func (w *Worker) Key() string { return w.hash.Key() }

// WorkerInfo is a snapshot of a worker hash
type WorkerInfo struct {
	Name           string
	Info           string
	LastActivity   time.Time
	Flag           string
	Command        string
	CommandTime    time.Time
	CurrentJob     string
	CurrentQueue   string
	JobsDelivered  int64
	JobsStarted    int64
	JobsCompleted  int64
	JobsFailed     int64
	OverheadCycles int64
	LastJobStart   time.Time
	LastJobDone    time.Time
	TotalTimeIdle  time.Duration
	TotalTimeBusy  time.Duration
}

// Info reads the whole worker hash
func (w *Worker) Info(ctx context.Context) (*WorkerInfo, error) {
	fields, err := w.hash.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, rocketErrors.NewNotFoundError("worker", w.name)
	}

	num := func(f string) int64 {
		n, _ := strconv.ParseInt(fields[f], 10, 64)
		return n
	}
	unix := func(f string) time.Time {
		if n := num(f); n > 0 {
			return time.Unix(n, 0).UTC()
		}
		return time.Time{}
	}
	return &WorkerInfo{
		Name:           w.name,
		Info:           fields[workerInfo],
		LastActivity:   parseTime(fields[workerLastActivity]),
		Flag:           fields[workerFlag],
		Command:        fields[workerCommand],
		CommandTime:    unix(workerCommandTime),
		CurrentJob:     fields[workerCurrentJob],
		CurrentQueue:   fields[workerCurrentQueue],
		JobsDelivered:  num(workerJobsDelivered),
		JobsStarted:    num(workerJobsStarted),
		JobsCompleted:  num(workerJobsCompleted),
		JobsFailed:     num(workerJobsFailed),
		OverheadCycles: num(workerOverheadCycles),
		LastJobStart:   unix(workerLastJobStart),
		LastJobDone:    unix(workerLastJobDone),
		TotalTimeIdle:  time.Duration(num(workerTotalTimeIdle)) * time.Second,
		TotalTimeBusy:  time.Duration(num(workerTotalTimeBusy)) * time.Second,
	}, nil
}

func (w *Worker) notify(ctx context.Context, kind EventKind) error {
	return w.r.events.dispatch(ctx, WorkerEvent{Type: kind, Worker: w})
}

// activity refreshes the liveness timestamp and its expiry
func (w *Worker) activity(ctx context.Context) error {
	b := w.r.store.NewBatch().
		HSet(w.hash.Key(), workerLastActivity, w.r.timestamp()).
		Expire(w.hash.Key(), w.r.cfg.Worker.MaxInactivity)
	if _, err := w.r.store.Exec(ctx, b, 0); err != nil {
		return err
	}
	return w.notify(ctx, WorkerActivity)
}

// SetCommand queues an out-of-band command, returned by the worker's next
// AcquireJob as a CommandError
func (w *Worker) SetCommand(ctx context.Context, command string) error {
	b := w.r.store.NewBatch().
		HSet(w.hash.Key(), workerCommand, command, workerCommandTime, w.r.now().Unix())
	_, err := w.r.store.Exec(ctx, b, 0)
	return err
}

// ClearCommand drops a pending command
func (w *Worker) ClearCommand(ctx context.Context) error {
	_, err := w.hash.Del(ctx, workerCommand, workerCommandTime)
	return err
}

// TakeCommand removes the pending command and returns it if it is still
// within its time to live
func (w *Worker) TakeCommand(ctx context.Context) (string, error) {
	command, ok, err := w.hash.Get(ctx, workerCommand)
	if err != nil || !ok || command == "" {
		return "", err
	}
	issued, _, err := w.hash.Get(ctx, workerCommandTime)
	if err != nil {
		return "", err
	}
	if err := w.ClearCommand(ctx); err != nil {
		return "", err
	}

	at, _ := strconv.ParseInt(issued, 10, 64)
	if w.r.now().Unix()-at >= int64(w.r.cfg.Worker.CommandTTL/time.Second) {
		w.logger.Debug("Dropping expired worker command", "command", command)
		return "", nil
	}
	return command, nil
}

// CurrentJob returns the job leased to the worker, or ErrNoCurrentJob
func (w *Worker) CurrentJob(ctx context.Context) (*Job, error) {
	id, _, err := w.hash.Get(ctx, workerCurrentJob)
	if err != nil {
		return nil, err
	}
	queue, _, err := w.hash.Get(ctx, workerCurrentQueue)
	if err != nil {
		return nil, err
	}
	if id == "" || queue == "" {
		return nil, rocketErrors.ErrNoCurrentJob
	}
	return w.r.JobInQueue(queue, id), nil
}

// AbandonJob drops the lease whatever the state of the job
func (w *Worker) AbandonJob(ctx context.Context) error {
	_, err := w.hash.Del(ctx, workerCurrentJob, workerCurrentQueue)
	return err
}

// AcquireJob leases the next ready job of one of types (the default type
// when none is given), waiting up to timeout. A zero timeout uses the
// configured wait and a negative one polls without blocking.
//
// It returns a CommandError instead when a command is pending. When the
// worker already holds a delivered job it returns that job again. A nil
// job with a nil error means nothing was acquired.
func (w *Worker) AcquireJob(ctx context.Context, info string, timeout time.Duration, types ...string) (*Job, error) {
	if err := w.activity(ctx); err != nil {
		return nil, err
	}
	if info != "" {
		if err := w.hash.Set(ctx, workerInfo, info); err != nil {
			return nil, err
		}
	}

	command, err := w.TakeCommand(ctx)
	if err != nil {
		return nil, err
	}
	if command != "" {
		w.logger.Debug("Worker command received", "command", command)
		return nil, &rocketErrors.CommandError{Worker: w.name, Command: command}
	}

	job, err := w.CurrentJob(ctx)
	switch {
	case err == nil:
		return w.reacquire(ctx, job)
	case !errors.Is(err, rocketErrors.ErrNoCurrentJob):
		return nil, err
	}

	if timeout == 0 {
		timeout = w.r.cfg.Worker.JobWaitTimeout
	}
	if len(types) == 0 {
		types = []string{DefaultJobType}
	}
	keys := make([]string, len(types))
	for i, t := range types {
		keys[i] = w.r.pump.ReadyJobsKey(t)
	}

	_, value, ok, err := w.r.store.BlockingPop(ctx, timeout, keys...)
	if err != nil {
		return nil, err
	}
	if !ok {
		w.logger.Debug("Worker timed out waiting for job")
		return nil, nil
	}

	var pair []string
	if err := json.Unmarshal([]byte(value), &pair); err != nil || len(pair) != 2 {
		w.logger.Error("Dropping unreadable ready job entry", "entry", value, "error", err)
		return nil, nil
	}
	job = w.r.JobInQueue(pair[0], pair[1])

	_, err = job.apply(ctx, transition{
		op:   "acquire",
		from: []Status{StatusDelivered},
		set:  []string{fieldWorkerName, w.name},
	})
	if err != nil {
		if rocketErrors.IsNotFound(err) || rocketErrors.IsStateError(err) {
			w.logger.Warn("Job delivered to worker is no longer deliverable", "job", job.id, "error", err)
			return nil, nil
		}
		return nil, err
	}

	b := w.r.store.NewBatch().
		HSet(w.hash.Key(), workerCurrentJob, job.id, workerCurrentQueue, job.queue.name).
		HIncrBy(w.hash.Key(), workerJobsDelivered, 1).
		HDel(w.hash.Key(), workerFlag)
	if _, err := w.r.store.Exec(ctx, b, 0); err != nil {
		return nil, err
	}

	w.logger.Debug("Worker delivered job", "job", job.id, "queue", job.queue.name)
	return job, job.notify(ctx, JobDeliver)
}

// reacquire returns the leased job if it is still delivered to this
// worker and clears the lease otherwise
func (w *Worker) reacquire(ctx context.Context, job *Job) (*Job, error) {
	info, err := job.Info(ctx)
	switch {
	case rocketErrors.IsNotFound(err):
		w.logger.Warn("Leased job no longer exists", "job", job.id)
	case err != nil:
		return nil, err
	case info.Status != StatusDelivered:
		w.logger.Warn("Leased job status is not appropriate for worker", "job", job.id, "status", info.Status)
	case info.WorkerName == w.name:
		w.logger.Warn("Worker already holds job", "job", job.id, "queue", job.queue.name)
		return job, nil
	default:
		w.logger.Warn("Leased job assigned to another worker", "job", job.id, "other", info.WorkerName)
	}
	return nil, w.AbandonJob(ctx)
}

// StartJob marks the leased job running on this worker
func (w *Worker) StartJob(ctx context.Context) error {
	if err := w.activity(ctx); err != nil {
		return err
	}
	job, err := w.CurrentJob(ctx)
	if err != nil {
		return err
	}
	if err := job.Start(ctx, w.name, w.r.cfg.Worker.ResolveTimeout); err != nil {
		return err
	}

	now := w.r.now().Unix()
	lastDone, _, err := w.hash.Get(ctx, workerLastJobDone)
	if err != nil {
		return err
	}
	idle := int64(0)
	if done, _ := strconv.ParseInt(lastDone, 10, 64); done > 0 && done < now {
		idle = now - done
	}

	b := w.r.store.NewBatch().
		HIncrBy(w.hash.Key(), workerJobsStarted, 1).
		HSet(w.hash.Key(), workerLastJobStart, now).
		HIncrBy(w.hash.Key(), workerTotalTimeIdle, idle)
	if _, err := w.r.store.Exec(ctx, b, w.r.cfg.Worker.ResolveTimeout); err != nil {
		return err
	}
	return w.notify(ctx, WorkerJobStart)
}

// ProgressJob records progress on the leased job, then consumes the
// control flag. A pending flag is returned as ErrWorkerPause,
// ErrWorkerResume or ErrWorkerStop.
func (w *Worker) ProgressJob(ctx context.Context, progress string) error {
	if err := w.activity(ctx); err != nil {
		return err
	}
	job, err := w.CurrentJob(ctx)
	if err != nil {
		return err
	}
	if err := job.Progress(ctx, progress); err != nil {
		return err
	}
	return w.CheckSignal(ctx)
}

// CheckSignal consumes the control flag without reporting progress
func (w *Worker) CheckSignal(ctx context.Context) error {
	flag, err := redis.String(w.r.store.Eval(ctx, takeFieldScript, w.hash.Key(), workerFlag))
	if errors.Is(err, redis.ErrNil) {
		return nil
	}
	if err != nil {
		return err
	}

	switch flag {
	case FlagPause:
		return rocketErrors.ErrWorkerPause
	case FlagResume:
		return rocketErrors.ErrWorkerResume
	case FlagStop:
		return rocketErrors.ErrWorkerStop
	default:
		w.logger.Warn("Ignoring unknown worker flag", "flag", flag)
		return nil
	}
}

// PauseJob asks the worker to pause its running job
func (w *Worker) PauseJob(ctx context.Context) error {
	job, status, err := w.currentStatus(ctx)
	if err != nil {
		return err
	}
	if status != StatusRunning {
		w.logger.Warn("Cannot pause job because it is not running", "job", job.id)
		return rocketErrors.NewStateError("pause", job.id, string(status), "job is not running")
	}

	if err := w.hash.Set(ctx, workerFlag, FlagPause); err != nil {
		return err
	}
	return w.notify(ctx, WorkerJobPause)
}

// ResumeJob asks the worker to resume its paused job. A pause request the
// worker has not acted on yet is withdrawn instead.
func (w *Worker) ResumeJob(ctx context.Context) error {
	job, status, err := w.currentStatus(ctx)
	if err != nil {
		return err
	}
	if status == StatusRunning {
		withdrawn, err := redis.Int(w.r.store.Eval(ctx, withdrawFieldScript, w.hash.Key(), workerFlag, FlagPause))
		if err != nil {
			return err
		}
		if withdrawn > 0 {
			return nil
		}
	}
	if status != StatusPaused {
		w.logger.Warn("Cannot resume job because it is not paused", "job", job.id)
		return rocketErrors.NewStateError("resume", job.id, string(status), "job is not paused")
	}

	if err := w.hash.Set(ctx, workerFlag, FlagResume); err != nil {
		return err
	}
	return w.notify(ctx, WorkerJobResume)
}

// StopJob asks the worker to abandon and fail its running or paused job
func (w *Worker) StopJob(ctx context.Context) error {
	job, status, err := w.currentStatus(ctx)
	if err != nil {
		return err
	}
	if status != StatusRunning && status != StatusPaused {
		w.logger.Warn("Cannot stop job because it is not running or paused", "job", job.id)
		return rocketErrors.NewStateError("stop", job.id, string(status), "job is not running or paused")
	}

	if err := w.hash.Set(ctx, workerFlag, FlagStop); err != nil {
		return err
	}
	return job.notify(ctx, JobStop)
}

func (w *Worker) currentStatus(ctx context.Context) (*Job, Status, error) {
	job, err := w.CurrentJob(ctx)
	if err != nil {
		return nil, "", err
	}
	status, err := job.Status(ctx)
	if err != nil {
		return nil, "", err
	}
	return job, status, nil
}

// CompleteJob completes the leased job and releases the lease
func (w *Worker) CompleteJob(ctx context.Context) error {
	if err := w.activity(ctx); err != nil {
		return err
	}
	job, err := w.CurrentJob(ctx)
	if err != nil {
		return err
	}
	if err := job.Complete(ctx, w.r.cfg.Worker.ResolveTimeout); err != nil {
		return err
	}
	return w.release(ctx, workerJobsCompleted)
}

// FailJob fails the leased job and releases the lease
func (w *Worker) FailJob(ctx context.Context, message string) error {
	_, err := w.failJob(ctx, message)
	return err
}

// FailJobAndRetry fails the leased job and schedules it again after delay
func (w *Worker) FailJobAndRetry(ctx context.Context, message string, delay time.Duration) error {
	job, err := w.failJob(ctx, message)
	if err != nil {
		return err
	}
	return job.Requeue(ctx, w.r.now().Add(delay))
}

func (w *Worker) failJob(ctx context.Context, message string) (*Job, error) {
	if err := w.activity(ctx); err != nil {
		return nil, err
	}
	job, err := w.CurrentJob(ctx)
	if err != nil {
		return nil, err
	}
	if err := job.Fail(ctx, message, w.r.cfg.Worker.ResolveTimeout); err != nil {
		return nil, err
	}
	return job, w.release(ctx, workerJobsFailed)
}

// release books a finished job and drops the lease
func (w *Worker) release(ctx context.Context, counter string) error {
	now := w.r.now().Unix()
	lastStart, _, err := w.hash.Get(ctx, workerLastJobStart)
	if err != nil {
		return err
	}
	busy := int64(0)
	if start, _ := strconv.ParseInt(lastStart, 10, 64); start > 0 && start < now {
		busy = now - start
	}

	b := w.r.store.NewBatch().
		HIncrBy(w.hash.Key(), counter, 1).
		HSet(w.hash.Key(), workerLastJobDone, now).
		HIncrBy(w.hash.Key(), workerTotalTimeBusy, busy).
		HDel(w.hash.Key(), workerCurrentJob, workerCurrentQueue)
	if _, err := w.r.store.Exec(ctx, b, w.r.cfg.Worker.ResolveTimeout); err != nil {
		return err
	}
	return w.notify(ctx, WorkerJobDone)
}

// RecordOverheadCycle counts one dispatch cycle run by the worker
func (w *Worker) RecordOverheadCycle(ctx context.Context) error {
	_, err := w.hash.Incr(ctx, workerOverheadCycles, 1)
	return err
}

// ResetStats clears the worker's counters and timings
func (w *Worker) ResetStats(ctx context.Context) error {
	if err := w.activity(ctx); err != nil {
		return err
	}
	_, err := w.hash.Del(ctx, workerStatFields...)
	return err
}

// Delete removes the worker
func (w *Worker) Delete(ctx context.Context) error {
	if _, err := w.hash.Delete(ctx); err != nil {
		return err
	}
	w.r.workers.remove(w.name)

	w.logger.Info("Worker deleted")
	return w.notify(ctx, WorkerDelete)
}
