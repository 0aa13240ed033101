package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jobsched/internal/app"
	"jobsched/internal/config"
	logx "jobsched/pkg/logx"
	"jobsched/pkg/systemd"
)

var stopTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler and serve until SIGINT/SIGTERM",
	RunE:  runScheduler,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.NewManager(cfgPath).Load(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "config ok:", cfgPath)
		return nil
	},
}

func init() {
	runCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 90*time.Second, "how long shutdown waits for running jobs")
}

func runScheduler(cmd *cobra.Command, args []string) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	log := a.Logger()
	if err := a.Start(ctx); err != nil {
		stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
		defer c()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}
	systemd.Ready(log)
	systemd.Status(log, "polling")

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	log.Info("shutdown requested", logx.String("reason", string(reason)))
	systemd.Stopping(log)

	stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
	defer c()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		return err
	}
	return stopErr
}
