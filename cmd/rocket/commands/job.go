package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/BranchIntl/rocket"
	"github.com/spf13/cobra"
)

// JobCmd groups the job commands
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and change jobs",
	Long: `Inspect and change jobs by id.

Examples:
  rocket job info <id>
  rocket job history <id>
  rocket job requeue <id> --at +5m
  rocket job move <id> --to other-queue`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// jobAction builds a subcommand running fn on the job named by its
// argument
func jobAction(use, short string, fn func(ctx context.Context, cmd *cobra.Command, b *broker, job *rocket.Job) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, b *broker) error {
				job, err := b.r.Job(ctx, args[0])
				if err != nil {
					return err
				}
				return fn(ctx, cmd, b, job)
			})
		},
	}
}

func simpleJobAction(use, short, done string, fn func(*rocket.Job, context.Context) error) *cobra.Command {
	return jobAction(use, short, func(ctx context.Context, cmd *cobra.Command, _ *broker, job *rocket.Job) error {
		if err := fn(job, ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s %s\n", job.ID(), done)
		return nil
	})
}

var jobInfoCmd = jobAction("info", "Show a job", func(ctx context.Context, cmd *cobra.Command, _ *broker, job *rocket.Job) error {
	info, err := job.Info(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), info)
})

var jobHistoryCmd = jobAction("history", "Show the history of a job", func(ctx context.Context, cmd *cobra.Command, _ *broker, job *rocket.Job) error {
	entries, err := job.History(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-14s %s\n", e.Timestamp.Format(time.RFC3339), e.Event, e.Details)
	}
	return nil
})

var jobRequeueCmd = jobAction("requeue", "Requeue a resolved job", func(ctx context.Context, cmd *cobra.Command, _ *broker, job *rocket.Job) error {
	var at time.Time
	if when, _ := cmd.Flags().GetString("at"); when != "" {
		var err error
		if at, err = parseWhen(when, time.Now()); err != nil {
			return err
		}
	}
	if err := job.Requeue(ctx, at); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job %s requeued\n", job.ID())
	return nil
})

var jobMoveCmd = jobAction("move", "Move a waiting or parked job to another queue", func(ctx context.Context, cmd *cobra.Command, b *broker, job *rocket.Job) error {
	to, _ := cmd.Flags().GetString("to")
	if to == "" {
		return fmt.Errorf("--to is required")
	}
	moved, err := b.r.Queue(to).MoveJob(ctx, job)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job %s moved to %s\n", moved.ID(), moved.Queue().Name())
	return nil
})

func init() {
	jobRequeueCmd.Flags().String("at", "", "Schedule instead of queueing: RFC3339 or +duration")
	jobMoveCmd.Flags().String("to", "", "Destination queue")

	JobCmd.AddCommand(jobInfoCmd)
	JobCmd.AddCommand(jobHistoryCmd)
	JobCmd.AddCommand(simpleJobAction("cancel", "Cancel a job not yet delivered", "cancelled", (*rocket.Job).Cancel))
	JobCmd.AddCommand(simpleJobAction("delete", "Delete a job", "deleted", (*rocket.Job).Delete))
	JobCmd.AddCommand(simpleJobAction("park", "Park a waiting job", "parked", (*rocket.Job).Park))
	JobCmd.AddCommand(simpleJobAction("unpark", "Return a parked job to waiting", "unparked", (*rocket.Job).Unpark))
	JobCmd.AddCommand(simpleJobAction("clear-alert", "Clear the alert of a job", "alert cleared", (*rocket.Job).ClearAlert))
	JobCmd.AddCommand(jobRequeueCmd)
	JobCmd.AddCommand(jobMoveCmd)
}
