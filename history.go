package rocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// HistoryEntry is one line of a job's history
type HistoryEntry struct {
	Event     string    `json:"event_name"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// History returns the job's history, oldest first
func (j *Job) History(ctx context.Context) ([]HistoryEntry, error) {
	items, err := j.history.Range(ctx, 0, -1)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(items))
	for _, item := range items {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			j.logger.Warn("Skipping unreadable history entry", "entry", item, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// AppendHistory adds an entry to the job's history
func (j *Job) AppendHistory(ctx context.Context, event, details string) error {
	data, err := json.Marshal(HistoryEntry{
		Event:     event,
		Details:   details,
		Timestamp: j.r.now().UTC().Truncate(time.Second),
	})
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	_, err = j.history.Push(ctx, string(data))
	return err
}
