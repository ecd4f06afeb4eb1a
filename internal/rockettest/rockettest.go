// Package rockettest starts miniredis backed Rockets for tests outside
// the root package.
package rockettest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BranchIntl/rocket"
	"github.com/BranchIntl/rocket/config"
	"github.com/BranchIntl/rocket/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

// Clock is a settable clock
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to 2024-03-01 12:00 UTC
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Env is a Rocket with its server and clock
type Env struct {
	R     *rocket.Rocket
	MR    *miniredis.Miniredis
	Clock *Clock
}

// Logger discards everything
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Store connects a store to mr
func Store(t *testing.T, mr *miniredis.Miniredis) *store.Store {
	t.Helper()
	opts := store.DefaultOptions()
	opts.URI = "redis://" + mr.Addr()
	opts.RetryInterval = 10 * time.Millisecond

	s := store.New(opts)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

// New starts a Rocket on a fresh miniredis. mutate may adjust the
// default configuration.
func New(t *testing.T, mutate func(cfg *config.Config)) *Env {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	clock := NewClock()
	r, err := rocket.New(Store(t, mr), cfg, rocket.WithLogger(Logger()), rocket.WithClock(clock.Now))
	require.NoError(t, err)
	return &Env{R: r, MR: mr, Clock: clock}
}

// Peer opens another Rocket on the same server and clock
func (env *Env) Peer(t *testing.T) *rocket.Rocket {
	t.Helper()
	r, err := rocket.New(Store(t, env.MR), env.R.Config(), rocket.WithLogger(Logger()), rocket.WithClock(env.Clock.Now))
	require.NoError(t, err)
	return r
}

// RunJob queues a job on queue and takes it to running on worker
func (env *Env) RunJob(t *testing.T, queue, worker string, opts ...rocket.JobOption) *rocket.Job {
	t.Helper()
	ctx := context.Background()
	job, err := env.R.Queue(queue).QueueJob(ctx, `{"run":true}`, opts...)
	require.NoError(t, err)
	require.NoError(t, job.Deliver(ctx))
	require.NoError(t, job.Start(ctx, worker, 0))
	return job
}
