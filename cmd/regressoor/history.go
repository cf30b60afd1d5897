package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bcodmo/regressoor/pkg/config"
	"github.com/bcodmo/regressoor/pkg/history"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past check runs",
	Long: `List recorded check runs from the history store, newest first, so
repeated hunts over the same candidate list can be compared over time.`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20,
		"maximum number of runs to list")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.History == nil || !cfg.History.Enabled {
		return fmt.Errorf("history is not enabled in the config")
	}

	store := history.NewStore(log, &cfg.History.Database)

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

	runs, err := store.ListRuns(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("no recorded runs")

		return nil
	}

	for _, run := range runs {
		fmt.Printf("%s  expected=%d processed=%d buggy=%d errors=%d interrupted=%t duration=%s\n",
			run.StartedAt.Format(time.RFC3339),
			run.Expected,
			run.Processed,
			run.Buggy,
			run.Errors,
			run.Interrupted,
			run.Duration,
		)
	}

	return nil
}
