package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/BranchIntl/rocket/core"
	"github.com/spf13/cobra"
)

// PumpCmd runs the dispatch side of the broker
var PumpCmd = &cobra.Command{
	Use:   "pump",
	Short: "Run dispatch loops and maintenance",
	Long: `Run dispatch loops that promote due scheduled jobs and deliver
waiting jobs to the ready lists, plus the periodic monitor sweep.
Runs until interrupted.

With --once a single dispatch cycle runs and the delivered job ids are
printed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dispatchers, _ := cmd.Flags().GetInt("dispatchers")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		once, _ := cmd.Flags().GetBool("once")

		return withBroker(cmd, func(ctx context.Context, b *broker) error {
			if once {
				delivered, err := b.r.PerformOverheadTasks(ctx, -1)
				for _, id := range delivered {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return err
			}
			return b.Engine().Run(ctx)
		},
			core.WithConcurrency(0),
			core.WithDispatchers(dispatchers),
			core.WithPumpTimeout(timeout),
		)
	},
}

// HaltCmd stops all delivery
var HaltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Halt job delivery on every queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBroker(cmd, func(ctx context.Context, b *broker) error {
			if err := b.r.HaltProcessing(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "processing halted")
			return nil
		})
	},
}

// ResumeCmd lifts a halt
var ResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume job delivery after a halt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBroker(cmd, func(ctx context.Context, b *broker) error {
			if err := b.r.ResumeProcessing(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "processing resumed")
			return nil
		})
	},
}

func init() {
	PumpCmd.Flags().Int("dispatchers", 1, "Number of dispatch loops")
	PumpCmd.Flags().Duration("timeout", time.Second, "How long a cycle waits for a ready queue")
	PumpCmd.Flags().Bool("once", false, "Run a single cycle and exit")
}
