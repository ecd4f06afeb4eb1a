package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	rocketErrors "github.com/BranchIntl/rocket/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "DEFAULT_QUEUE", cfg.DefaultQueueName)
	assert.Equal(t, 10*time.Second, cfg.Worker.JobWaitTimeout)
	assert.Equal(t, 600*time.Second, cfg.Worker.CommandTTL)
	assert.Equal(t, 60*time.Second, cfg.Worker.ResolveTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Worker.MaxInactivity)
	assert.Equal(t, 4, cfg.Overhead.MaxJobsToPump)
	assert.Equal(t, 6, cfg.Overhead.MaxSchedJobsToQueue)
	assert.Equal(t, 10, cfg.Overhead.MaxEventsToHandle)
}

func TestParse(t *testing.T) {
	data := []byte(`
application_name: billing
redis:
  uri: redis://cache:6379/2
  namespace: "billing:"
queues:
  default_waiting_limit: 100
  default_min_running_limit: 1
  default_max_running_limit: 8
  waiting_limits:
    Q4: 1
  min_running_limits:
    Q: 2
  max_running_limits:
    Q: 4
worker:
  job_wait_timeout: 5s
  command_ttl: 1m
monitor:
  completed_job_ttl: 2h
events:
  amqp:
    enabled: true
    uri: amqp://mq:5672/
`)

	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "billing", cfg.ApplicationName)
	assert.Equal(t, "DEFAULT_QUEUE", cfg.DefaultQueueName, "unset keys keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Worker.JobWaitTimeout)
	assert.Equal(t, time.Minute, cfg.Worker.CommandTTL)
	assert.Equal(t, 2*time.Hour, cfg.Monitor.CompletedJobTTL)
	assert.True(t, cfg.Events.AMQP.Enabled)

	tests := []struct {
		queue                string
		waiting, minRun, max int
	}{
		{"Q", 100, 2, 4},
		{"Q4", 1, 1, 8},
		{"other", 100, 1, 8},
	}
	for _, tt := range tests {
		t.Run(tt.queue, func(t *testing.T) {
			assert.Equal(t, tt.waiting, cfg.WaitingLimit(tt.queue))
			assert.Equal(t, tt.minRun, cfg.MinRunningLimit(tt.queue))
			assert.Equal(t, tt.max, cfg.MaxRunningLimit(tt.queue))
		})
	}

	opts := cfg.StoreOptions()
	assert.Equal(t, "redis://cache:6379/2", opts.URI)
	assert.Equal(t, "billing:", opts.Namespace)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown key", "queuez: {}"},
		{"unknown nested key", "worker:\n  job_timeout: 1s"},
		{"max below min", "queues:\n  default_min_running_limit: 5\n  default_max_running_limit: 2"},
		{"per queue max below min", "queues:\n  min_running_limits:\n    Q: 9"},
		{"negative min", "queues:\n  default_min_running_limit: -1"},
		{"negative waiting limit", "queues:\n  waiting_limits:\n    Q: -1"},
		{"bad generator", "id_generator: snowflake"},
		{"zero command ttl", "worker:\n  command_ttl: 0s"},
		{"zero overhead", "overhead:\n  max_jobs_to_pump: 0"},
		{"amqp without uri", "events:\n  amqp:\n    enabled: true\n    uri: \"\""},
		{"bad duration", "worker:\n  job_wait_timeout: soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, rocketErrors.ErrInvalidConfig)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rocket.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_queue_name: jobs\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "jobs", cfg.DefaultQueueName)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
