package core

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/BranchIntl/rocket"
	"github.com/BranchIntl/rocket/internal/rockettest"
	"github.com/stretchr/testify/require"
)

// mapRegistry is a minimal Registry for tests
type mapRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func newMapRegistry() *mapRegistry {
	return &mapRegistry{handlers: make(map[string]HandlerFunc)}
}

func (m *mapRegistry) Register(jobType string, handler HandlerFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[jobType] = handler
	return nil
}

func (m *mapRegistry) Get(jobType string) (HandlerFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[jobType]
	return h, ok
}

func (m *mapRegistry) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// testConfig polls instead of blocking so a single step never waits
func testConfig(options ...EngineOption) *Config {
	config := defaultConfig()
	config.Logger = rockettest.Logger()
	config.AcquireTimeout = -1
	config.PumpTimeout = -1
	config.SignalInterval = 5 * time.Millisecond
	config.ErrorBackoff = 5 * time.Millisecond
	for _, opt := range options {
		opt(config)
	}
	return config
}

// queueAndPump queues a job of jobType and delivers it to the ready list
func queueAndPump(t *testing.T, env *rockettest.Env, queue, jobType, payload string) *rocket.Job {
	t.Helper()
	ctx := context.Background()
	job, err := env.R.Queue(queue).QueueJob(ctx, payload, rocket.WithJobType(jobType))
	require.NoError(t, err)

	delivered, err := env.R.PerformOverheadTasks(ctx, -1)
	require.NoError(t, err)
	require.Contains(t, delivered, job.ID())
	return job
}

func requireStatus(t *testing.T, job *rocket.Job, want rocket.Status) *rocket.JobInfo {
	t.Helper()
	info, err := job.Info(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, info.Status)
	return info
}
