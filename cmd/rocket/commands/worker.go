package commands

import (
	"context"
	"fmt"

	"github.com/BranchIntl/rocket"
	"github.com/spf13/cobra"
)

// WorkerCmd groups the worker commands
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Inspect and control workers",
	Long: `Inspect and control workers by name.

pause, resume and stop act on the job the worker is running; the worker
sees the request on its next progress report. command queues an
out-of-band command taken by the worker's next acquire.

Examples:
  rocket worker info host:123-0
  rocket worker stop host:123-0
  rocket worker command host:123-0 pause`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func workerAction(use, short, done string, fn func(*rocket.Worker, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <worker>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd, func(ctx context.Context, b *broker) error {
				if err := fn(b.r.Worker(args[0]), ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "worker %s: %s\n", args[0], done)
				return nil
			})
		},
	}
}

var workerInfoCmd = &cobra.Command{
	Use:   "info <worker>",
	Short: "Show a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBroker(cmd, func(ctx context.Context, b *broker) error {
			info, err := b.r.Worker(args[0]).Info(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		})
	},
}

var workerCommandCmd = &cobra.Command{
	Use:   "command <worker> [command]",
	Short: "Send an out-of-band command",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		drop, _ := cmd.Flags().GetBool("clear")
		if !drop && len(args) != 2 {
			return fmt.Errorf("a command is required unless --clear is set")
		}
		return withBroker(cmd, func(ctx context.Context, b *broker) error {
			w := b.r.Worker(args[0])
			if drop {
				return w.ClearCommand(ctx)
			}
			if err := w.SetCommand(ctx, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worker %s: command %s queued\n", args[0], args[1])
			return nil
		})
	},
}

func init() {
	workerCommandCmd.Flags().Bool("clear", false, "Drop the pending command instead")

	WorkerCmd.AddCommand(workerInfoCmd)
	WorkerCmd.AddCommand(workerAction("pause", "Ask a worker to pause its job", "pause requested", (*rocket.Worker).PauseJob))
	WorkerCmd.AddCommand(workerAction("resume", "Ask a worker to resume its job", "resume requested", (*rocket.Worker).ResumeJob))
	WorkerCmd.AddCommand(workerAction("stop", "Ask a worker to stop its job", "stop requested", (*rocket.Worker).StopJob))
	WorkerCmd.AddCommand(workerAction("delete", "Delete a worker", "deleted", (*rocket.Worker).Delete))
	WorkerCmd.AddCommand(workerAction("reset-stats", "Reset the counters of a worker", "stats reset", (*rocket.Worker).ResetStats))
	WorkerCmd.AddCommand(workerCommandCmd)
}
