package core

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/BranchIntl/rocket"
	rocketErrors "github.com/BranchIntl/rocket/errors"
)

// Task is the job handed to a handler
type Task struct {
	ID       string
	Queue    string
	Type     string
	Payload  string
	Attempts int
	Worker   string

	job      *rocket.Job
	lease    *rocket.Worker
	interval time.Duration
	logger   *slog.Logger
}

// Job returns the job handle
func (t *Task) Job() *rocket.Job { return t.job }

// Decode unmarshals the JSON payload into v
func (t *Task) Decode(v interface{}) error {
	return json.Unmarshal([]byte(t.Payload), v)
}

// Progress records progress and acts on control signals. A pause request
// pauses the job and blocks until it is resumed or stopped. Handlers
// should return the error when it wraps ErrWorkerStop.
func (t *Task) Progress(ctx context.Context, progress string) error {
	err := t.lease.ProgressJob(ctx, progress)
	switch {
	case err == nil, errors.Is(err, rocketErrors.ErrWorkerResume):
		return nil
	case errors.Is(err, rocketErrors.ErrWorkerPause):
		return t.pause(ctx)
	default:
		return err
	}
}

// pause holds the job paused until a resume or stop signal arrives
func (t *Task) pause(ctx context.Context) error {
	if err := t.job.Pause(ctx); err != nil {
		return err
	}
	t.logger.Info("Job paused by signal")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		err := t.lease.CheckSignal(ctx)
		switch {
		case err == nil, errors.Is(err, rocketErrors.ErrWorkerPause):
			continue
		case errors.Is(err, rocketErrors.ErrWorkerResume):
			if err := t.job.Resume(ctx); err != nil {
				return err
			}
			t.logger.Info("Job resumed by signal")
			return nil
		default:
			return err
		}
	}
}
