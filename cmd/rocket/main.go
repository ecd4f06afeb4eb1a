package main

import (
	"fmt"
	"os"

	"github.com/BranchIntl/rocket/cmd/rocket/commands"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rocket",
	Short: "rocket - Redis job queue broker",
	Long: `rocket - a job queue broker on Redis.

Jobs are queued into named queues, delivered by the pump to per-type
ready lists and leased by workers.

Examples:
  rocket queue mail '{"to":"a@example.com"}' --type email
  rocket schedule mail +10m '{"to":"b@example.com"}'
  rocket pump                  # run dispatch loops and maintenance
  rocket queue-info mail       # show limits and counts
  rocket job info <id>         # show a job
  rocket worker stop <name>    # stop the job a worker runs`,
	SilenceUsage: true,
}

func init() {
	commands.AddGlobalFlags(rootCmd)

	rootCmd.AddCommand(commands.PumpCmd)
	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.QueuesCmd)
	rootCmd.AddCommand(commands.QueueInfoCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.HaltCmd)
	rootCmd.AddCommand(commands.ResumeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
