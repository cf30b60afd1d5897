package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bcodmo/regressoor/pkg/compare"
	"github.com/bcodmo/regressoor/pkg/config"
	"github.com/bcodmo/regressoor/pkg/executor"
	"github.com/bcodmo/regressoor/pkg/history"
	"github.com/bcodmo/regressoor/pkg/laminar"
	"github.com/bcodmo/regressoor/pkg/orchestrator"
	"github.com/bcodmo/regressoor/pkg/report"
	"github.com/bcodmo/regressoor/pkg/storage"
	"github.com/bcodmo/regressoor/pkg/task"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	tasksFile          string
	outputFile         string
	workers            int
	limitPipelineNames []string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the regression check",
	Long: `Load the candidate pipeline list, re-run each pipeline against the
execution service into an isolated test location, and compare the output
against the recorded original.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&tasksFile, "tasks", "",
		"candidate tasks file (overrides check.tasks_file)")
	checkCmd.Flags().StringVar(&outputFile, "output", "",
		"run summary output file (overrides check.output_file)")
	checkCmd.Flags().IntVar(&workers, "workers", 0,
		"worker pool width (overrides check.workers)")
	checkCmd.Flags().StringSliceVar(&limitPipelineNames, "limit-pipeline-name", nil,
		"limit to pipelines with these names (comma-separated or repeated flag)")
}

func runCheck(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// CLI flags win over config file values.
	if tasksFile != "" {
		cfg.Check.TasksFile = tasksFile
	}

	if outputFile != "" {
		cfg.Check.OutputFile = outputFile
	}

	if workers > 0 {
		cfg.Check.Workers = workers
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	items, err := task.Load(cfg.Check.TasksFile)
	if err != nil {
		return fmt.Errorf("loading tasks: %w", err)
	}

	items = task.Filter(items, limitPipelineNames)
	if len(items) == 0 {
		return fmt.Errorf("no tasks match the specified filters")
	}

	// Setup context with signal handling. The handler only cancels the
	// context; in-flight remote runs are cancelled by the orchestrator's
	// supervisor.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	store := storage.NewS3Store(log, &cfg.Storage)
	client := laminar.NewClient(log, &cfg.Service)
	registry := executor.NewRegistry()

	exec := executor.NewExecutor(log, &executor.Config{
		PollInterval:      cfg.Check.PollInterval,
		HeartbeatInterval: cfg.Check.HeartbeatInterval,
	}, client, store, registry)

	comparator := compare.NewComparator(log, store)

	o := orchestrator.NewOrchestrator(log, &orchestrator.Config{
		Workers:               cfg.Check.Workers,
		TestPrefix:            cfg.Check.TestPrefix,
		DumpProcessor:         cfg.Check.DumpProcessor,
		PreserveMissingValues: *cfg.Check.PreserveMissingValues,
		GracePeriod:           cfg.Check.GracePeriod,
	}, store, client, exec, comparator, registry)

	startedAt := time.Now().UTC()

	run, err := o.Run(ctx, items)
	if err != nil {
		return fmt.Errorf("running check: %w", err)
	}

	summary := report.Build(run, startedAt)

	// The summary is written even when the run was interrupted, so
	// partial results are never lost.
	if err := summary.Write(cfg.Check.OutputFile); err != nil {
		return fmt.Errorf("writing run summary: %w", err)
	}

	log.WithField("path", cfg.Check.OutputFile).Info("Run summary written")

	summary.Log(log)

	if cfg.History != nil && cfg.History.Enabled {
		if err := recordHistory(cfg, summary, startedAt); err != nil {
			log.WithError(err).Warn("Failed to record run history")
		}
	}

	return nil
}

// recordHistory persists the run aggregates to the optional history store.
func recordHistory(cfg *config.Config, summary *report.RunSummary, startedAt time.Time) error {
	store := history.NewStore(log, &cfg.History.Database)

	// The run context may already be cancelled; recording history gets
	// its own bounded window.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting history store: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop history store")
		}
	}()

	run := history.FromSummary(summary, startedAt, cfg.Check.TasksFile, cfg.Check.OutputFile)
	if err := store.RecordRun(ctx, run); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"buggy":  run.Buggy,
		"errors": run.Errors,
	}).Info("Run recorded to history")

	return nil
}
