// Package orchestrator fans candidate pipelines out over a bounded worker
// pool, drives each through execution and comparison, and classifies the
// outcome of every item.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bcodmo/regressoor/pkg/compare"
	"github.com/bcodmo/regressoor/pkg/executor"
	"github.com/bcodmo/regressoor/pkg/laminar"
	"github.com/bcodmo/regressoor/pkg/spec"
	"github.com/bcodmo/regressoor/pkg/storage"
	"github.com/bcodmo/regressoor/pkg/task"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Outcome classifies the terminal state of one checked item.
type Outcome string

const (
	// OutcomeBuggy means the re-run produced output that differs from the
	// recorded original.
	OutcomeBuggy Outcome = "buggy"

	// OutcomeNotBuggy means the re-run output matches the original.
	OutcomeNotBuggy Outcome = "not_buggy"

	// OutcomeError means the item failed before a comparison verdict was
	// reached (structural, service, or storage failure).
	OutcomeError Outcome = "error"

	// OutcomeInterrupted means cancellation stopped the item mid-flight.
	OutcomeInterrupted Outcome = "interrupted"

	// OutcomeSkipped means the item was never started because the run was
	// already shutting down.
	OutcomeSkipped Outcome = "skipped"
)

// ItemResult is the full record of one checked item, in the same slot as
// its input item.
type ItemResult struct {
	PipelineName              string          `json:"pipeline_name"`
	Title                     string          `json:"title,omitempty"`
	Outcome                   Outcome         `json:"status"`
	CacheID                   string          `json:"cache_id,omitempty"`
	Reused                    bool            `json:"reused_existing_output,omitempty"`
	RunStatus                 string          `json:"run_status,omitempty"`
	HTTPError                 bool            `json:"http_error,omitempty"`
	SuccessWithError          bool            `json:"success_with_error,omitempty"`
	Error                     string          `json:"error,omitempty"`
	OriginalPrefix            string          `json:"original_prefix,omitempty"`
	TestPrefix                string          `json:"test_prefix,omitempty"`
	Metadata                  *spec.Metadata  `json:"metadata,omitempty"`
	Comparison                *compare.Result `json:"comparison,omitempty"`
	ReranWithoutMissingValues bool            `json:"reran_without_missing_values,omitempty"`
	Task                      task.Item       `json:"task"`
}

// RunResult is the outcome of one whole check run.
type RunResult struct {
	// Results holds one entry per input item, in input order.
	Results []ItemResult

	// Interrupted is the single authoritative marker that the run was
	// cancelled before completing. Per-item statuses and count mismatches
	// are derived diagnostics only.
	Interrupted bool
}

// Config for the orchestrator.
type Config struct {
	Workers               int
	TestPrefix            string
	DumpProcessor         string
	PreserveMissingValues bool
	GracePeriod           time.Duration
}

// Orchestrator runs the whole candidate list to completion.
type Orchestrator interface {
	// Run checks every item and returns one result per item, in input
	// order. It never fails an entire run because of one item; a returned
	// error means the run itself could not be set up.
	Run(ctx context.Context, items []task.Item) (*RunResult, error)
}

// Ensure interface compliance.
var _ Orchestrator = (*orchestrator)(nil)

type orchestrator struct {
	log        logrus.FieldLogger
	cfg        *Config
	store      storage.ObjectStore
	client     laminar.Client
	exec       executor.Executor
	comparator compare.Comparator
	registry   *executor.Registry
}

// NewOrchestrator creates a new orchestrator instance.
func NewOrchestrator(
	log logrus.FieldLogger,
	cfg *Config,
	store storage.ObjectStore,
	client laminar.Client,
	exec executor.Executor,
	comparator compare.Comparator,
	registry *executor.Registry,
) Orchestrator {
	return &orchestrator{
		log:        log.WithField("component", "orchestrator"),
		cfg:        cfg,
		store:      store,
		client:     client,
		exec:       exec,
		comparator: comparator,
		registry:   registry,
	}
}

// resultSet collects per-item results behind a mutex so abandoned workers
// can never race the final read.
type resultSet struct {
	mu     sync.Mutex
	slots  []ItemResult
	filled []bool
}

func newResultSet(n int) *resultSet {
	return &resultSet{
		slots:  make([]ItemResult, n),
		filled: make([]bool, n),
	}
}

func (s *resultSet) set(i int, r ItemResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.slots[i] = r
	s.filled[i] = true
}

// finalize marks every unfilled slot as skipped and returns a copy.
func (s *resultSet) finalize(items []task.Item) []ItemResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ItemResult, len(s.slots))
	copy(out, s.slots)

	for i := range out {
		if !s.filled[i] {
			out[i] = ItemResult{
				PipelineName: items[i].PipelineName,
				Outcome:      OutcomeSkipped,
				Task:         items[i],
			}
		}
	}

	return out
}

// Run checks every item over a pool of cfg.Workers workers.
func (o *orchestrator) Run(ctx context.Context, items []task.Item) (*RunResult, error) {
	o.log.WithFields(logrus.Fields{
		"items":   len(items),
		"workers": o.cfg.Workers,
	}).Info("Starting regression check")

	// The supervisor performs out-of-band cancellation of in-flight
	// remote runs once the context is cancelled. The signal handler
	// itself only cancels the context.
	stop := make(chan struct{})
	defer close(stop)

	go o.superviseInterrupt(ctx, stop)

	results := newResultSet(len(items))

	g := &errgroup.Group{}
	g.SetLimit(o.cfg.Workers)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			results.set(i, o.checkItemSafe(ctx, i, item))

			return nil
		})
	}

	done := make(chan struct{})

	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.log.WithField("grace_period", o.cfg.GracePeriod.String()).
			Warn("Interrupt received, waiting for workers to wind down")

		select {
		case <-done:
		case <-time.After(o.cfg.GracePeriod):
			o.log.Warn("Grace period expired, abandoning remaining workers")
		}
	}

	return &RunResult{
		Results:     results.finalize(items),
		Interrupted: ctx.Err() != nil,
	}, nil
}

// superviseInterrupt waits for cancellation and best-effort cancels every
// remote run still registered as active.
func (o *orchestrator) superviseInterrupt(ctx context.Context, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-ctx.Done():
	}

	active := o.registry.Snapshot()
	if len(active) == 0 {
		return
	}

	o.log.WithField("active_runs", len(active)).Warn("Cancelling in-flight remote runs")

	for _, run := range active {
		// The run context is already cancelled; the client applies its
		// own bounded timeout per cancellation call.
		if err := o.client.Cancel(context.Background(), run.CacheID); err != nil {
			o.log.WithError(err).WithFields(logrus.Fields{
				"cache_id": run.CacheID,
				"pipeline": run.Title,
			}).Error("Failed to cancel remote run")

			continue
		}

		o.log.WithFields(logrus.Fields{
			"cache_id": run.CacheID,
			"pipeline": run.Title,
		}).Info("Cancelled remote run")
	}
}

// checkItemSafe isolates worker panics so one unmodeled failure never
// takes down the run.
func (o *orchestrator) checkItemSafe(ctx context.Context, index int, item task.Item) (result ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			o.log.WithFields(logrus.Fields{
				"pipeline": item.PipelineName,
				"panic":    r,
			}).Error("Worker panicked while checking item")

			result = ItemResult{
				PipelineName: item.PipelineName,
				Outcome:      OutcomeError,
				Error:        fmt.Sprintf("panic: %v", r),
				Task:         item,
			}
		}
	}()

	return o.checkItem(ctx, index, item)
}

// checkItem drives one candidate through parse, execute, and compare.
func (o *orchestrator) checkItem(ctx context.Context, index int, item task.Item) ItemResult {
	result := ItemResult{
		PipelineName: item.PipelineName,
		Task:         item,
	}

	if ctx.Err() != nil {
		result.Outcome = OutcomeSkipped

		return result
	}

	log := o.log.WithFields(logrus.Fields{
		"pipeline": item.PipelineName,
		"index":    index,
	})

	log.Info("Checking pipeline")

	data, err := o.store.Get(ctx, item.PipelineSpec)
	if err != nil {
		if ctx.Err() != nil {
			result.Outcome = OutcomeInterrupted

			return result
		}

		return o.failed(log, result, fmt.Errorf("fetching pipeline definition: %w", err))
	}

	pl, err := spec.Parse(data)
	if err != nil {
		return o.failed(log, result, err)
	}

	result.Title = pl.Title
	result.TestPrefix = pl.TestPrefix(o.cfg.TestPrefix)

	originalPrefix, meta, err := pl.RewriteDump(o.cfg.DumpProcessor, result.TestPrefix)
	if err != nil {
		return o.failed(log, result, err)
	}

	result.OriginalPrefix = originalPrefix
	result.Metadata = meta

	if originalPrefix == "" {
		return o.failed(log, result, fmt.Errorf("pipeline %q: dump step has no output prefix", pl.Title))
	}

	preserve := o.cfg.PreserveMissingValues

	// Bounded rerun loop: at most one extra attempt, with the
	// missing-value flag turned off.
	for attempt := 0; ; attempt++ {
		o.executeAndCompare(ctx, log, index, pl, &result, preserve, attempt > 0)

		if attempt == 0 && preserve && o.missingValueArtifact(&result) {
			log.Warn("Differences look like a missing-value artifact, re-running without preserve_missing_values")

			preserve = false
			result.ReranWithoutMissingValues = true
			result.Comparison = nil
			result.Error = ""

			continue
		}

		break
	}

	log.WithField("status", result.Outcome).Info("Pipeline check finished")

	return result
}

// executeAndCompare performs one execute-then-diff attempt and classifies
// the result in place.
func (o *orchestrator) executeAndCompare(
	ctx context.Context,
	log logrus.FieldLogger,
	index int,
	pl *spec.Pipeline,
	result *ItemResult,
	preserve bool,
	force bool,
) {
	run, err := o.exec.Run(ctx, &executor.RunOptions{
		Title:                 pl.Title,
		Steps:                 pl.Steps,
		TestPrefix:            result.TestPrefix,
		DatasetID:             o.cfg.TestPrefix,
		PreserveMissingValues: preserve,
		Force:                 force,
		RegistryKey:           index,
	})
	if err != nil {
		// Failures the service reports in a well-formed response are a
		// distinct class from transport exhaustion.
		var apiErr *laminar.APIError
		result.HTTPError = !errors.As(err, &apiErr)

		*result = o.failed(log, *result, err)

		return
	}

	result.CacheID = run.CacheID
	result.Reused = run.Reused
	result.RunStatus = string(run.Status)

	switch {
	case run.Status == executor.StatusInterrupted:
		result.Outcome = OutcomeInterrupted

		return

	case run.Status == executor.StatusSuccessWithError:
		result.SuccessWithError = true
		result.Outcome = OutcomeError
		result.Error = run.Error

		return

	case !run.Succeeded():
		result.Outcome = OutcomeError
		result.Error = run.Error

		return
	}

	cmp, err := o.comparator.Compare(ctx, result.TestPrefix, result.OriginalPrefix)
	if err != nil {
		*result = o.failed(log, *result, fmt.Errorf("comparing output: %w", err))

		return
	}

	result.Comparison = cmp

	switch {
	case cmp.Interrupted:
		result.Outcome = OutcomeInterrupted

	case cmp.HasHeaderMismatch():
		result.Outcome = OutcomeError
		result.Error = "output file headers do not match original"

	case cmp.FilesWithDifferences > 0 ||
		cmp.TotalCellDifferences() > 0 ||
		len(cmp.FilesOnlyInNew) > 0 ||
		len(cmp.FilesOnlyInOriginal) > 0:
		// Checksum-level mismatches count even when the parsed cells
		// agree: byte-level formatting is part of the output.
		result.Outcome = OutcomeBuggy

	default:
		result.Outcome = OutcomeNotBuggy
	}
}

// missingValueArtifact reports whether the comparison differences look
// like the known artifact of running with preserve_missing_values on:
// cells empty in the original but populated in the new output.
func (o *orchestrator) missingValueArtifact(result *ItemResult) bool {
	if result.Outcome != OutcomeBuggy || result.Comparison == nil {
		return false
	}

	for _, file := range result.Comparison.Files {
		for _, diff := range file.CellDifferences {
			if diff.OriginalValue == "" && diff.NewValue != "" {
				return true
			}
		}
	}

	return false
}

// failed records a terminal per-item error.
func (o *orchestrator) failed(log logrus.FieldLogger, result ItemResult, err error) ItemResult {
	log.WithError(err).Error("Pipeline check failed")

	result.Outcome = OutcomeError
	result.Error = err.Error()

	return result
}
