package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-kit/consultation-sync/internal/config"
)

func newSyncCmd() *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run extractor jobs",
	}
	syncCmd.AddCommand(&cobra.Command{
		Use:   "run <job>",
		Short: "Run one pass of an extractor job",
		Args:  cobra.ExactArgs(1),
		RunE:  runSyncJob,
	})
	syncCmd.AddCommand(&cobra.Command{
		Use:   "jobs",
		Short: "List extractor jobs and their tuning",
		Args:  cobra.NoArgs,
		RunE:  listSyncJobs,
	})
	return syncCmd
}

func runSyncJob(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := withSignals(cmd.Context())
	defer stop()

	a, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	name := args[0]
	if err := a.scheduler.RunOnce(ctx, name); err != nil {
		return fmt.Errorf("sync %s: %w (jobs: %s)", name, err, strings.Join(a.scheduler.Jobs(), ", "))
	}
	run := a.metrics.Snapshot().LastRuns[name]
	logger.Info("sync run complete",
		zap.String("job", name),
		zap.String("status", run.Status),
		zap.Int("processed", run.Processed),
		zap.Int("failed", run.Failed))
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d processed, %d failed\n", name, run.Status, run.Processed, run.Failed)
	return nil
}

func listSyncJobs(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	out := cmd.OutOrStdout()
	for _, name := range sortedJobNames(cfg.Sync.Jobs) {
		job := cfg.Sync.Jobs[name]
		fmt.Fprintf(out, "%-20s enabled=%-5t interval=%-8s lookback=%-8s page_size=%d\n",
			name, job.Enabled, job.Interval, job.Lookback, job.PageSize)
	}
	return nil
}

func sortedJobNames(jobs map[string]config.JobConfig) []string {
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
