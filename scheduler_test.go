package rocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BranchIntl/rocket/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_PromotesDueJobs(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	q := env.r.Queue("q")
	at := env.clock.Now().Add(30 * time.Second)

	job, err := q.ScheduleJob(ctx, at, `{"task":"report"}`)
	require.NoError(t, err)
	requireStatus(t, job, StatusScheduled)
	assert.Equal(t, []Status{StatusScheduled}, statusSetsWith(t, q, job.ID()))
	assert.Empty(t, waitingList(t, q))

	promoted, err := env.r.pump.QueueScheduledJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, promoted)

	env.clock.Advance(30 * time.Second)
	promoted, err = env.r.pump.QueueScheduledJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID()}, promoted)

	requireStatus(t, job, StatusWaiting)
	assert.Equal(t, []Status{StatusWaiting}, statusSetsWith(t, q, job.ID()))
	assert.Equal(t, []string{job.ID()}, waitingList(t, q))

	payload, err := job.Payload(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"task":"report"}`, payload)

	info, err := job.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, at, info.ScheduleTime)
	assert.Equal(t, env.clock.Now(), info.QueueTime)

	n, err := env.r.scheduledJobs.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, env.rec.Of(JobSchedule), 1)
	assert.Len(t, env.rec.Of(JobQueue), 1)
}

func TestScheduler_Max(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	q := env.r.Queue("q")
	now := env.clock.Now()

	late, err := q.ScheduleJob(ctx, now, "late")
	require.NoError(t, err)
	early, err := q.ScheduleJob(ctx, now.Add(-time.Minute), "early")
	require.NoError(t, err)

	promoted, err := env.r.pump.QueueScheduledJobs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{early.ID()}, promoted)

	promoted, err = env.r.pump.QueueScheduledJobs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{late.ID()}, promoted)
}

func TestScheduler_ConcurrentPromotion(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	q := env.r.Queue("q")

	var jobs []*Job
	for i := 0; i < 20; i++ {
		job, err := q.ScheduleJob(ctx, env.clock.Now(), "payload")
		require.NoError(t, err)
		jobs = append(jobs, job)
	}

	schedulers := []*Rocket{env.r, env.peer(t), env.peer(t)}
	results := make([][]string, len(schedulers))
	var wg sync.WaitGroup
	for i, r := range schedulers {
		wg.Add(1)
		go func(i int, r *Rocket) {
			defer wg.Done()
			for {
				promoted, err := r.pump.QueueScheduledJobs(ctx, 3)
				if !assert.NoError(t, err) || len(promoted) == 0 {
					return
				}
				results[i] = append(results[i], promoted...)
			}
		}(i, r)
	}
	wg.Wait()

	seen := make(map[string]int)
	for _, ids := range results {
		for _, id := range ids {
			seen[id]++
		}
	}
	require.Len(t, seen, len(jobs))
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s promoted %d times", id, n)
	}

	list := waitingList(t, q)
	assert.Len(t, list, len(jobs))
	for _, job := range jobs {
		requireStatus(t, job, StatusWaiting)
	}
}

func TestScheduler_RejectedEntryIsKept(t *testing.T) {
	env := newTestRocket(t, func(cfg *config.Config) {
		cfg.Queues.WaitingLimits = map[string]int{"q": 1}
	})
	ctx := context.Background()
	q := env.r.Queue("q")

	_, err := q.QueueJob(ctx, "occupant")
	require.NoError(t, err)
	at := env.clock.Now().Add(-time.Second)
	job, err := q.ScheduleJob(ctx, at, "waits")
	require.NoError(t, err)

	promoted, err := env.r.pump.QueueScheduledJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, promoted)
	requireStatus(t, job, StatusScheduled)
	assert.Len(t, env.rec.Of(QueueFull), 1)

	score, ok, err := env.r.scheduledJobs.Score(ctx, job.scheduledMember())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, at.Unix(), score)

	require.NoError(t, q.Job(waitingList(t, q)[0]).Park(ctx))
	promoted, err = env.r.pump.QueueScheduledJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID()}, promoted)
}

func TestScheduler_DisabledQueue(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	q := env.r.Queue("q")

	job, err := q.ScheduleJob(ctx, env.clock.Now(), "payload")
	require.NoError(t, err)
	require.NoError(t, q.Disable(ctx))

	promoted, err := env.r.pump.QueueScheduledJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, promoted)
	requireStatus(t, job, StatusScheduled)

	require.NoError(t, q.Enable(ctx))
	promoted, err = env.r.pump.QueueScheduledJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID()}, promoted)
}

func TestScheduler_DropsStaleEntries(t *testing.T) {
	env := newTestRocket(t, nil)
	ctx := context.Background()
	q := env.r.Queue("q")
	now := env.clock.Now()

	// deleted behind the scheduler's back
	gone, err := q.ScheduleJob(ctx, now, "gone")
	require.NoError(t, err)
	_, err = gone.hash.Delete(ctx)
	require.NoError(t, err)

	// cancelled but still listed
	cancelled, err := q.ScheduleJob(ctx, now, "cancelled")
	require.NoError(t, err)
	require.NoError(t, cancelled.Cancel(ctx))
	require.NoError(t, env.r.scheduledJobs.Add(ctx, now.Unix(), cancelled.scheduledMember()))

	require.NoError(t, env.r.scheduledJobs.Add(ctx, now.Unix(), "not json"))

	promoted, err := env.r.pump.QueueScheduledJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, promoted)
	requireStatus(t, cancelled, StatusCancelled)

	n, err := env.r.scheduledJobs.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestParseScheduledEntry(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		score   string
		want    scheduledEntry
		wantErr bool
	}{
		{
			name:  "valid",
			raw:   `["j1","mail"]`,
			score: "1700000000",
			want:  scheduledEntry{jobID: "j1", queue: "mail", score: 1700000000, raw: `["j1","mail"]`},
		},
		{name: "not json", raw: "j1", score: "1", wantErr: true},
		{name: "wrong arity", raw: `["j1"]`, score: "1", wantErr: true},
		{name: "bad score", raw: `["j1","mail"]`, score: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScheduledEntry(tt.raw, tt.score)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
