package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "jobsched",
	Short: "Durable polling job scheduler",
	Long: `jobsched runs recurring and one-shot jobs stored in a shared database.

Every process polls the store, claims due jobs with a compare-and-swap lock
and executes them on a bounded worker pool, so several processes can share
one store without running a job twice.

Examples:
  jobsched run -c config.yaml            # start the scheduler
  jobsched stats                         # store-wide counts
  jobsched list --failed                 # failed jobs
  jobsched create "send email" --every "5 minutes" --data '{"to":"ops"}'
  jobsched retry <id>                    # re-run a failed job now
  jobsched purge --days 7                # drop old completed jobs`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (yaml or json)")
	rootCmd.AddCommand(runCmd, validateCmd, statsCmd, listCmd, getCmd, createCmd, updateCmd, retryCmd, resetCmd, deleteCmd, purgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
