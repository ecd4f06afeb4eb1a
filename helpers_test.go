package rocket

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BranchIntl/rocket/config"
	"github.com/BranchIntl/rocket/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
)

// testClock is a settable clock shared by a test Rocket
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder collects every dispatched event
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind()
	}
	return kinds
}

func (r *recorder) Of(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type testEnv struct {
	r     *Rocket
	mr    *miniredis.Miniredis
	clock *testClock
	rec   *recorder
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, mr *miniredis.Miniredis) *store.Store {
	t.Helper()
	opts := store.DefaultOptions()
	opts.URI = "redis://" + mr.Addr()
	opts.RetryInterval = 10 * time.Millisecond

	s := store.New(opts)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestRocket starts a miniredis backed Rocket. mutate may adjust the
// default configuration.
func newTestRocket(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	clock := newTestClock()
	r, err := New(newTestStore(t, mr), cfg, WithLogger(quietLogger()), WithClock(clock.Now))
	require.NoError(t, err)

	rec := &recorder{}
	r.Subscribe(rec)
	return &testEnv{r: r, mr: mr, clock: clock, rec: rec}
}

// peer opens a second Rocket on the same store, as another process would
func (env *testEnv) peer(t *testing.T) *Rocket {
	t.Helper()
	r, err := New(newTestStore(t, env.mr), env.r.cfg, WithLogger(quietLogger()), WithClock(env.clock.Now))
	require.NoError(t, err)
	return r
}

// statusSetsWith returns the statuses whose set in q holds id
func statusSetsWith(t *testing.T, q *Queue, id string) []Status {
	t.Helper()
	var in []Status
	for _, s := range queueSets {
		ok, err := q.set(s).Has(context.Background(), id)
		require.NoError(t, err)
		if ok {
			in = append(in, s)
		}
	}
	return in
}

func waitingList(t *testing.T, q *Queue) []string {
	t.Helper()
	ids, err := q.waitingList.Range(context.Background(), 0, -1)
	require.NoError(t, err)
	return ids
}

func queueJobs(t *testing.T, q *Queue, n int, opts ...JobOption) []*Job {
	t.Helper()
	jobs := make([]*Job, n)
	for i := range jobs {
		job, err := q.QueueJob(context.Background(), fmt.Sprintf(`{"n":%d}`, i), opts...)
		require.NoError(t, err)
		jobs[i] = job
	}
	return jobs
}

func requireStatus(t *testing.T, job *Job, want Status) {
	t.Helper()
	got, err := job.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

// lossyConn runs every command but reports a transport failure instead
// of the reply of the next drops script calls
type lossyConn struct {
	redis.Conn
	drops *atomic.Int32
}

func (c lossyConn) DoContext(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	reply, err := redis.DoContext(c.Conn, ctx, cmd, args...)
	if err == nil && strings.HasPrefix(cmd, "EVAL") && c.drops.Add(-1) >= 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return reply, err
}

func (c lossyConn) ReceiveContext(ctx context.Context) (interface{}, error) {
	return redis.ReceiveContext(c.Conn, ctx)
}

// lossyPeer opens a Rocket on env's server whose script replies can be
// dropped by raising the returned counter
func (env *testEnv) lossyPeer(t *testing.T) (*Rocket, *atomic.Int32) {
	t.Helper()
	drops := &atomic.Int32{}
	opts := store.DefaultOptions()
	opts.URI = "redis://" + env.mr.Addr()
	opts.RetryInterval = 10 * time.Millisecond
	opts.Dial = func(ctx context.Context) (redis.Conn, error) {
		conn, err := redis.DialContext(ctx, "tcp", env.mr.Addr())
		if err != nil {
			return nil, err
		}
		return lossyConn{Conn: conn, drops: drops}, nil
	}

	s := store.New(opts)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })

	r, err := New(s, env.r.cfg, WithLogger(quietLogger()), WithClock(env.clock.Now))
	require.NoError(t, err)
	return r, drops
}
