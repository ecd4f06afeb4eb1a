package rocket

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	rocketErrors "github.com/BranchIntl/rocket/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses {
		got, err := ParseStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStatus("sleeping")
	assert.Error(t, err)
}

func TestStatus_IsResolved(t *testing.T) {
	resolved := map[Status]bool{StatusCancelled: true, StatusFailed: true, StatusCompleted: true}
	for _, s := range Statuses {
		assert.Equal(t, resolved[s], s.IsResolved(), s)
	}
}

func TestJob_QueuedMembership(t *testing.T) {
	env := newTestRocket(t, nil)
	q := env.r.Queue("mail")

	for _, job := range queueJobs(t, q, 3) {
		requireStatus(t, job, StatusWaiting)
		assert.Equal(t, []Status{StatusWaiting}, statusSetsWith(t, q, job.ID()))
	}
	assert.Len(t, waitingList(t, q), 3)
}

func TestJob_Info(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()

	job, err := env.r.Queue("mail").QueueJob(ctx, `{"to":"a"}`,
		WithJobID("j1"), WithJobType("send"), WithMaxRuntime(90*time.Second))
	require.NoError(t, err)

	info, err := job.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", info.ID)
	assert.Equal(t, "send", info.Type)
	assert.Equal(t, StatusWaiting, info.Status)
	assert.Equal(t, `{"to":"a"}`, info.Payload)
	assert.Equal(t, "mail", info.QueueName)
	assert.Equal(t, 90*time.Second, info.MaxRuntime)
	assert.Equal(t, env.clock.Now(), info.QueueTime)
	assert.Equal(t, PayloadDigest(`{"to":"a"}`), info.Digest)

	d, err := job.Digest(ctx)
	require.NoError(t, err)
	assert.Equal(t, info.Digest, d)

	byID, err := env.r.Job(ctx, "j1")
	require.NoError(t, err)
	assert.Same(t, job, byID)
}

func TestJob_ExplicitDigest(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()

	job, err := env.r.Queue("q").QueueJob(ctx, "body", WithDigest("abc"))
	require.NoError(t, err)

	d, err := job.Digest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", d)
}

func TestJob_DuplicateID(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	q := env.r.Queue("q")

	_, err := q.QueueJob(ctx, "a", WithJobID("same"))
	require.NoError(t, err)
	_, err = q.QueueJob(ctx, "b", WithJobID("same"))
	assert.True(t, rocketErrors.IsStateError(err))

	payload, err := q.Job("same").Payload(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", payload)
	assert.Len(t, waitingList(t, q), 1)
}

func TestJob_NotFound(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	job := env.r.Queue("q").Job("ghost")

	_, err := job.Status(ctx)
	assert.True(t, rocketErrors.IsNotFound(err))
	_, err = job.Info(ctx)
	assert.True(t, rocketErrors.IsNotFound(err))
	assert.True(t, rocketErrors.IsNotFound(job.Park(ctx)))
	assert.True(t, rocketErrors.IsNotFound(job.Progress(ctx, "50%")))
	assert.True(t, rocketErrors.IsNotFound(job.Delete(ctx)))
	_, err = env.r.Job(ctx, "ghost")
	assert.ErrorIs(t, err, rocketErrors.ErrJobNotFound)

	// progress must not create the hash
	exists, err := job.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestJob_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(ctx context.Context, job *Job) error
		op      func(ctx context.Context, job *Job) error
		want    Status
		wantErr bool
	}{
		{
			name: "park waiting",
			op:   func(ctx context.Context, job *Job) error { return job.Park(ctx) },
			want: StatusParked,
		},
		{
			name:  "unpark parked",
			setup: func(ctx context.Context, job *Job) error { return job.Park(ctx) },
			op:    func(ctx context.Context, job *Job) error { return job.Unpark(ctx) },
			want:  StatusWaiting,
		},
		{
			name:    "unpark waiting",
			op:      func(ctx context.Context, job *Job) error { return job.Unpark(ctx) },
			want:    StatusWaiting,
			wantErr: true,
		},
		{
			name: "cancel waiting",
			op:   func(ctx context.Context, job *Job) error { return job.Cancel(ctx) },
			want: StatusCancelled,
		},
		{
			name:  "cancel parked",
			setup: func(ctx context.Context, job *Job) error { return job.Park(ctx) },
			op:    func(ctx context.Context, job *Job) error { return job.Cancel(ctx) },
			want:  StatusCancelled,
		},
		{
			name:    "cancel cancelled",
			setup:   func(ctx context.Context, job *Job) error { return job.Cancel(ctx) },
			op:      func(ctx context.Context, job *Job) error { return job.Cancel(ctx) },
			want:    StatusCancelled,
			wantErr: true,
		},
		{
			name: "deliver waiting",
			op:   func(ctx context.Context, job *Job) error { return job.Deliver(ctx) },
			want: StatusDelivered,
		},
		{
			name:    "start waiting",
			op:      func(ctx context.Context, job *Job) error { return job.Start(ctx, "w1", 0) },
			want:    StatusWaiting,
			wantErr: true,
		},
		{
			name:  "start delivered",
			setup: func(ctx context.Context, job *Job) error { return job.Deliver(ctx) },
			op:    func(ctx context.Context, job *Job) error { return job.Start(ctx, "w1", 0) },
			want:  StatusRunning,
		},
		{
			name:    "cancel delivered",
			setup:   func(ctx context.Context, job *Job) error { return job.Deliver(ctx) },
			op:      func(ctx context.Context, job *Job) error { return job.Cancel(ctx) },
			want:    StatusDelivered,
			wantErr: true,
		},
		{
			name:    "complete delivered",
			setup:   func(ctx context.Context, job *Job) error { return job.Deliver(ctx) },
			op:      func(ctx context.Context, job *Job) error { return job.Complete(ctx, 0) },
			want:    StatusDelivered,
			wantErr: true,
		},
		{
			name:  "pause running",
			setup: startJob,
			op:    func(ctx context.Context, job *Job) error { return job.Pause(ctx) },
			want:  StatusPaused,
		},
		{
			name: "resume paused",
			setup: func(ctx context.Context, job *Job) error {
				if err := startJob(ctx, job); err != nil {
					return err
				}
				return job.Pause(ctx)
			},
			op:   func(ctx context.Context, job *Job) error { return job.Resume(ctx) },
			want: StatusRunning,
		},
		{
			name:  "complete running",
			setup: startJob,
			op:    func(ctx context.Context, job *Job) error { return job.Complete(ctx, 0) },
			want:  StatusCompleted,
		},
		{
			name:  "fail running",
			setup: startJob,
			op:    func(ctx context.Context, job *Job) error { return job.Fail(ctx, "boom", 0) },
			want:  StatusFailed,
		},
		{
			name: "fail paused",
			setup: func(ctx context.Context, job *Job) error {
				if err := startJob(ctx, job); err != nil {
					return err
				}
				return job.Pause(ctx)
			},
			op:   func(ctx context.Context, job *Job) error { return job.Fail(ctx, "boom", 0) },
			want: StatusFailed,
		},
		{
			name:    "requeue waiting",
			op:      func(ctx context.Context, job *Job) error { return job.Requeue(ctx, time.Time{}) },
			want:    StatusWaiting,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestRocket(t, nil)
			ctx := context.Background()
			q := env.r.Queue("q")
			job, err := q.QueueJob(ctx, "payload")
			require.NoError(t, err)

			if tt.setup != nil {
				require.NoError(t, tt.setup(ctx, job))
			}
			err = tt.op(ctx, job)
			if tt.wantErr {
				assert.True(t, rocketErrors.IsStateError(err), "got %v", err)
			} else {
				require.NoError(t, err)
			}

			requireStatus(t, job, tt.want)
			want := tt.want
			if want == StatusDelivered {
				want = StatusRunning
			}
			assert.Equal(t, []Status{want}, statusSetsWith(t, q, job.ID()))

			inList := false
			for _, id := range waitingList(t, q) {
				inList = inList || id == job.ID()
			}
			assert.Equal(t, want == StatusWaiting, inList)
		})
	}
}

func startJob(ctx context.Context, job *Job) error {
	if err := job.Deliver(ctx); err != nil {
		return err
	}
	return job.Start(ctx, "w1", 0)
}

func TestJob_StartRace(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	job, err := env.r.Queue("q").QueueJob(ctx, "payload")
	require.NoError(t, err)
	require.NoError(t, job.Deliver(ctx))

	workers := []string{"workerA", "workerB"}
	errs := make([]error, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w string) {
			defer wg.Done()
			errs[i] = job.Start(ctx, w, 10*time.Second)
		}(i, w)
	}
	wg.Wait()

	winners := 0
	winner := ""
	for i, err := range errs {
		if err == nil {
			winners++
			winner = workers[i]
			continue
		}
		assert.True(t, rocketErrors.IsStateError(err), "got %v", err)
	}
	require.Equal(t, 1, winners)

	owner, err := job.WorkerName(ctx)
	require.NoError(t, err)
	assert.Equal(t, winner, owner)

	info, err := job.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Attempts)
}

func TestJob_StartTwice(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
	}{
		{"no retry", 0},
		{"with retry", 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestRocket(t, nil)
			ctx := context.Background()
			job, err := env.r.Queue("q").QueueJob(ctx, "payload")
			require.NoError(t, err)
			require.NoError(t, job.Deliver(ctx))
			require.NoError(t, job.Start(ctx, "workerA", tt.timeout))

			err = job.Start(ctx, "workerA", tt.timeout)
			assert.True(t, rocketErrors.IsStateError(err), "got %v", err)

			info, err := job.Info(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, info.Attempts)
			assert.Len(t, env.rec.Of(JobStart), 1)
		})
	}
}

func TestJob_StartLostReply(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	job, err := env.r.Queue("q").QueueJob(ctx, "payload")
	require.NoError(t, err)
	require.NoError(t, job.Deliver(ctx))

	lossy, drops := env.lossyPeer(t)
	rec := &recorder{}
	lossy.Subscribe(rec)
	drops.Store(1)

	require.NoError(t, lossy.JobInQueue("q", job.ID()).Start(ctx, "workerA", time.Second))
	assert.Equal(t, int32(-1), drops.Load())
	requireStatus(t, job, StatusRunning)

	info, err := job.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Attempts)
	assert.Equal(t, "workerA", info.WorkerName)
	assert.Len(t, rec.Of(JobStart), 1)
}

func TestJob_StartLostReplyWithoutRetry(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	job, err := env.r.Queue("q").QueueJob(ctx, "payload")
	require.NoError(t, err)
	require.NoError(t, job.Deliver(ctx))

	lossy, drops := env.lossyPeer(t)
	drops.Store(1)

	err = lossy.JobInQueue("q", job.ID()).Start(ctx, "workerA", 0)
	require.Error(t, err)
	assert.False(t, rocketErrors.IsStateError(err))
	requireStatus(t, job, StatusRunning)
}

func TestJob_StartHeldByOtherWorker(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	job, err := env.r.Queue("q").QueueJob(ctx, "payload")
	require.NoError(t, err)
	require.NoError(t, job.Deliver(ctx))
	require.NoError(t, job.hash.Set(ctx, fieldWorkerName, "owner"))

	err = job.Start(ctx, "intruder", 0)
	assert.True(t, rocketErrors.IsStateError(err))
	assert.Contains(t, err.Error(), "owner")
	requireStatus(t, job, StatusDelivered)
}

func TestJob_Shift(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	q := env.r.Queue("q")
	jobs := queueJobs(t, q, 4)
	ids := func(idx ...int) []string {
		out := make([]string, len(idx))
		for i, n := range idx {
			out[i] = jobs[n].ID()
		}
		return out
	}

	require.NoError(t, jobs[3].ShiftBefore(ctx, jobs[0].ID()))
	assert.Equal(t, ids(3, 0, 1, 2), waitingList(t, q))

	require.NoError(t, jobs[3].ShiftAfter(ctx, jobs[1].ID()))
	assert.Equal(t, ids(0, 1, 3, 2), waitingList(t, q))

	// a failed shift leaves the list as it was
	assert.Error(t, jobs[0].ShiftBefore(ctx, "missing"))
	assert.Error(t, jobs[0].ShiftBefore(ctx, jobs[0].ID()))
	assert.Equal(t, ids(0, 1, 3, 2), waitingList(t, q))

	require.NoError(t, jobs[2].Park(ctx))
	assert.True(t, rocketErrors.IsStateError(jobs[2].ShiftAfter(ctx, jobs[0].ID())))

	got := waitingList(t, q)
	sort.Strings(got)
	want := ids(0, 1, 3)
	sort.Strings(want)
	assert.Equal(t, want, got)
	assert.Len(t, env.rec.Of(JobShift), 2)
}

func TestJob_ShiftPreservesMembers(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	q := env.r.Queue("q")
	jobs := queueJobs(t, q, 6)

	before := waitingList(t, q)
	sort.Strings(before)

	moves := [][2]int{{5, 0}, {0, 5}, {2, 4}, {4, 2}, {1, 1}, {3, 0}}
	for i, m := range moves {
		job, pivot := jobs[m[0]], jobs[m[1]].ID()
		if i%2 == 0 {
			_ = job.ShiftBefore(ctx, pivot)
		} else {
			_ = job.ShiftAfter(ctx, pivot)
		}
		after := waitingList(t, q)
		sort.Strings(after)
		require.Equal(t, before, after)
	}
}

func TestJob_Delete(t *testing.T) {
	tests := []struct {
		name  string
		setup func(ctx context.Context, env *testEnv, job *Job) error
	}{
		{"waiting", nil},
		{"parked", func(ctx context.Context, _ *testEnv, job *Job) error { return job.Park(ctx) }},
		{"running", func(ctx context.Context, _ *testEnv, job *Job) error { return startJob(ctx, job) }},
		{"completed", func(ctx context.Context, _ *testEnv, job *Job) error {
			if err := startJob(ctx, job); err != nil {
				return err
			}
			return job.Complete(ctx, 0)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestRocket(t, nil)
			ctx := context.Background()
			q := env.r.Queue("q")
			job, err := q.QueueJob(ctx, "payload")
			require.NoError(t, err)
			require.NoError(t, job.AppendHistory(ctx, "note", "x"))
			if tt.setup != nil {
				require.NoError(t, tt.setup(ctx, env, job))
			}

			require.NoError(t, job.Delete(ctx))

			assert.Empty(t, statusSetsWith(t, q, job.ID()))
			assert.Empty(t, waitingList(t, q))
			assert.False(t, env.mr.Exists(job.history.Key()))
			_, err = job.Status(ctx)
			assert.True(t, rocketErrors.IsNotFound(err))
			_, err = env.r.Job(ctx, job.ID())
			assert.True(t, rocketErrors.IsNotFound(err))
			assert.Len(t, env.rec.Of(JobDelete), 1)
		})
	}
}

func TestJob_DeleteScheduled(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	q := env.r.Queue("q")

	job, err := q.ScheduleJob(ctx, env.clock.Now().Add(time.Hour), "later")
	require.NoError(t, err)
	n, err := env.r.scheduledJobs.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, job.Delete(ctx))
	n, err = env.r.scheduledJobs.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, statusSetsWith(t, q, job.ID()))
}

func TestJob_CancelScheduled(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	q := env.r.Queue("q")

	job, err := q.ScheduleJob(ctx, env.clock.Now().Add(time.Hour), "later")
	require.NoError(t, err)
	require.NoError(t, job.Cancel(ctx))

	requireStatus(t, job, StatusCancelled)
	n, err := env.r.scheduledJobs.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	info, err := job.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now(), info.CancelTime)
}

func TestJob_CancelClearsWorker(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	job, err := env.r.Queue("q").QueueJob(ctx, "payload")
	require.NoError(t, err)
	require.NoError(t, job.Park(ctx))
	require.NoError(t, job.hash.Set(ctx, fieldWorkerName, "w1"))

	require.NoError(t, job.Cancel(ctx))
	owner, err := job.WorkerName(ctx)
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestJob_Requeue(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	q := env.r.Queue("q")

	job, err := q.QueueJob(ctx, "payload")
	require.NoError(t, err)
	require.NoError(t, startJob(ctx, job))
	require.NoError(t, job.Fail(ctx, "first try", 0))

	require.NoError(t, job.Requeue(ctx, time.Time{}))
	requireStatus(t, job, StatusWaiting)
	assert.Equal(t, []Status{StatusWaiting}, statusSetsWith(t, q, job.ID()))
	assert.Equal(t, []string{job.ID()}, waitingList(t, q))

	require.NoError(t, job.Cancel(ctx))
	at := env.clock.Now().Add(time.Minute)
	require.NoError(t, job.Requeue(ctx, at))
	requireStatus(t, job, StatusScheduled)
	assert.Equal(t, []Status{StatusScheduled}, statusSetsWith(t, q, job.ID()))

	score, ok, err := env.r.scheduledJobs.Score(ctx, job.scheduledMember())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, at.Unix(), score)
	assert.Len(t, env.rec.Of(JobRequeue), 2)
}

func TestJob_CompleteClearsWorker(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	job, err := env.r.Queue("q").QueueJob(ctx, "payload")
	require.NoError(t, err)
	require.NoError(t, startJob(ctx, job))

	env.clock.Advance(time.Minute)
	require.NoError(t, job.Complete(ctx, 0))

	info, err := job.Info(ctx)
	require.NoError(t, err)
	assert.Empty(t, info.WorkerName)
	assert.Equal(t, env.clock.Now(), info.CompleteTime)
	assert.Equal(t, env.clock.Now().Add(-time.Minute), info.StartTime)
}

func TestJob_FailMessage(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	job, err := env.r.Queue("q").QueueJob(ctx, "payload")
	require.NoError(t, err)
	require.NoError(t, startJob(ctx, job))
	require.NoError(t, job.Fail(ctx, "exploded", 0))

	info, err := job.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "exploded", info.FailureMessage)
	assert.Equal(t, env.clock.Now(), info.FailTime)
}

func TestJob_ProgressAndAlert(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	job, err := env.r.Queue("q").QueueJob(ctx, "payload")
	require.NoError(t, err)

	require.NoError(t, job.Progress(ctx, "10%"))
	require.NoError(t, job.SetAlert(ctx, "slow"))

	info, err := job.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10%", info.Progress)
	assert.True(t, info.IsAlerting)
	assert.Equal(t, "slow", info.AlertMessage)
	assert.Equal(t, StatusWaiting, info.Status)

	require.NoError(t, job.ClearAlert(ctx))
	info, err = job.Info(ctx)
	require.NoError(t, err)
	assert.False(t, info.IsAlerting)
	assert.Empty(t, info.AlertMessage)

	assert.Len(t, env.rec.Of(JobProgress), 1)
	assert.Len(t, env.rec.Of(JobAlert), 1)
}

func TestJob_History(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	job, err := env.r.Queue("q").QueueJob(ctx, "payload")
	require.NoError(t, err)

	require.NoError(t, job.AppendHistory(ctx, "queue", "queued"))
	env.clock.Advance(time.Second)
	require.NoError(t, job.AppendHistory(ctx, "start", "by w1"))
	_, err = job.history.Push(ctx, "not json")
	require.NoError(t, err)

	entries, err := job.History(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "queue", entries[0].Event)
	assert.Equal(t, "by w1", entries[1].Details)
	assert.Equal(t, env.clock.Now(), entries[1].Timestamp)
}
