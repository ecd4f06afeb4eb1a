package rocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	rocketErrors "github.com/BranchIntl/rocket/errors"
	"github.com/gomodule/redigo/redis"
)

type scheduledEntry struct {
	jobID string
	queue string
	score int64
	raw   string
}

// QueueScheduledJobs promotes up to max due scheduled jobs to waiting and
// returns the promoted ids. Due entries are taken off the scheduled set
// atomically, so concurrent callers never promote the same job twice. An
// entry whose queue rejects it is put back with its original score.
func (p *Pump) QueueScheduledJobs(ctx context.Context, max int) ([]string, error) {
	reply, err := redis.Strings(p.r.store.Eval(ctx, scheduleScript,
		p.r.scheduledJobs.Key(), p.r.now().Unix(), max))
	if err != nil {
		return nil, err
	}

	var promoted []string
	for i := 0; i+1 < len(reply); i += 2 {
		entry, err := parseScheduledEntry(reply[i], reply[i+1])
		if err != nil {
			p.logger.Error("Dropping unreadable scheduled entry", "entry", reply[i], "error", err)
			continue
		}

		ok, err := p.promote(ctx, entry)
		if err != nil {
			return promoted, err
		}
		if ok {
			promoted = append(promoted, entry.jobID)
		}
	}
	return promoted, nil
}

func (p *Pump) promote(ctx context.Context, entry scheduledEntry) (bool, error) {
	job := p.r.JobInQueue(entry.queue, entry.jobID)
	exists, err := job.Exists(ctx)
	if err != nil {
		return false, p.restore(ctx, entry, err)
	}
	if !exists {
		p.logger.Warn("Scheduled job no longer exists", "job", entry.jobID, "queue", entry.queue)
		return false, nil
	}

	err = job.queue.promote(ctx, job)
	switch {
	case err == nil:
		return true, nil
	case isRejection(err):
		p.logger.Warn("Scheduled job rejected by queue, retrying later", "job", entry.jobID, "error", err)
		return false, p.restore(ctx, entry, nil)
	case isStateOrNotFound(err):
		// cancelled or deleted since it was scheduled
		p.logger.Warn("Scheduled job not promoted", "job", entry.jobID, "error", err)
		return false, nil
	default:
		return false, p.restore(ctx, entry, err)
	}
}

// restore puts an entry back on the scheduled set and returns cause
func (p *Pump) restore(ctx context.Context, entry scheduledEntry, cause error) error {
	if err := p.r.scheduledJobs.Add(ctx, entry.score, entry.raw); err != nil {
		p.logger.Error("Lost scheduled entry", "entry", entry.raw, "error", err)
		if cause == nil {
			return err
		}
	}
	return cause
}

func parseScheduledEntry(raw, score string) (scheduledEntry, error) {
	var pair []string
	if err := json.Unmarshal([]byte(raw), &pair); err != nil {
		return scheduledEntry{}, err
	}
	if len(pair) != 2 {
		return scheduledEntry{}, fmt.Errorf("expected [job, queue], got %d elements", len(pair))
	}
	s, err := strconv.ParseFloat(score, 64)
	if err != nil {
		return scheduledEntry{}, err
	}
	return scheduledEntry{jobID: pair[0], queue: pair[1], score: int64(s), raw: raw}, nil
}

func isRejection(err error) bool {
	return errors.Is(err, rocketErrors.ErrQueueFull) || errors.Is(err, rocketErrors.ErrQueueDisabled)
}

func isStateOrNotFound(err error) bool {
	return rocketErrors.IsStateError(err) || rocketErrors.IsNotFound(err)
}
