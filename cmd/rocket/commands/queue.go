package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BranchIntl/rocket"
	"github.com/spf13/cobra"
)

// QueueCmd queues a job
var QueueCmd = &cobra.Command{
	Use:   "queue <queue> <payload>",
	Short: "Queue a job",
	Long: `Queue a job for immediate delivery. The job id is printed.

Examples:
  rocket queue mail '{"to":"a@example.com"}'
  rocket queue mail '{"to":"a@example.com"}' --type email --max-runtime 5m`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := jobOptions(cmd)
		if err != nil {
			return err
		}
		return withBroker(cmd, func(ctx context.Context, b *broker) error {
			job, err := b.r.Queue(args[0]).QueueJob(ctx, args[1], opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID())
			return nil
		})
	},
}

// ScheduleCmd schedules a job
var ScheduleCmd = &cobra.Command{
	Use:   "schedule <queue> <time> <payload>",
	Short: "Schedule a job for later",
	Long: `Schedule a job. The time is RFC3339 or a duration from now
prefixed with '+'.

Examples:
  rocket schedule mail 2024-03-01T12:00:00Z '{"to":"a@example.com"}'
  rocket schedule mail +90s '{"to":"a@example.com"}'`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := jobOptions(cmd)
		if err != nil {
			return err
		}
		at, err := parseWhen(args[1], time.Now())
		if err != nil {
			return err
		}
		return withBroker(cmd, func(ctx context.Context, b *broker) error {
			job, err := b.r.Queue(args[0]).ScheduleJob(ctx, at, args[2], opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID())
			return nil
		})
	},
}

// QueuesCmd lists the known queues
var QueuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "List queues",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBroker(cmd, func(ctx context.Context, b *broker) error {
			names, err := b.r.Queues(ctx)
			if err != nil {
				return err
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		})
	},
}

// QueueInfoCmd shows a queue and optionally changes its flags
var QueueInfoCmd = &cobra.Command{
	Use:   "queue-info <queue>",
	Short: "Show or change a queue",
	Long: `Show the limits, flags and job counts of a queue.

With an action flag the queue is changed first:
  --pause / --resume    stop or restart pumping the queue
  --disable / --enable  reject or accept new jobs
  --delete              remove the queue, it must be empty`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBroker(cmd, func(ctx context.Context, b *broker) error {
			q := b.r.Queue(args[0])

			actions := []struct {
				flag string
				fn   func(context.Context) error
			}{
				{"pause", q.Pause},
				{"resume", q.Resume},
				{"disable", q.Disable},
				{"enable", q.Enable},
				{"delete", q.Delete},
			}
			for _, a := range actions {
				if set, _ := cmd.Flags().GetBool(a.flag); set {
					if err := a.fn(ctx); err != nil {
						return err
					}
					if a.flag == "delete" {
						fmt.Fprintf(cmd.OutOrStdout(), "queue %s deleted\n", q.Name())
						return nil
					}
				}
			}

			info, err := q.Info(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{QueueCmd, ScheduleCmd} {
		cmd.Flags().String("type", "", "Job type, the default type when empty")
		cmd.Flags().String("id", "", "Job id, generated when empty")
		cmd.Flags().Duration("max-runtime", 0, "Longest the job may run before the monitor alerts")
		cmd.Flags().String("digest", "", "Deduplication digest, the payload hash when empty")
	}
	QueueInfoCmd.Flags().Bool("pause", false, "Pause the queue")
	QueueInfoCmd.Flags().Bool("resume", false, "Resume the queue")
	QueueInfoCmd.Flags().Bool("disable", false, "Disable the queue")
	QueueInfoCmd.Flags().Bool("enable", false, "Enable the queue")
	QueueInfoCmd.Flags().Bool("delete", false, "Delete the queue")
}

func jobOptions(cmd *cobra.Command) ([]rocket.JobOption, error) {
	var opts []rocket.JobOption
	if v, _ := cmd.Flags().GetString("type"); v != "" {
		opts = append(opts, rocket.WithJobType(v))
	}
	if v, _ := cmd.Flags().GetString("id"); v != "" {
		opts = append(opts, rocket.WithJobID(v))
	}
	if v, _ := cmd.Flags().GetString("digest"); v != "" {
		opts = append(opts, rocket.WithDigest(v))
	}
	d, err := cmd.Flags().GetDuration("max-runtime")
	if err != nil {
		return nil, err
	}
	if d > 0 {
		opts = append(opts, rocket.WithMaxRuntime(d))
	}
	return opts, nil
}

// parseWhen reads an RFC3339 time or a '+duration' offset from now
func parseWhen(s string, now time.Time) (time.Time, error) {
	if strings.HasPrefix(s, "+") {
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid offset %q: %w", s, err)
		}
		return now.Add(d), nil
	}
	at, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return at, nil
}
