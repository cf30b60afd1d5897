// Package executor drives one remote pipeline run to a terminal state:
// reuse check, submit, poll, and cooperative interruption.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/bcodmo/regressoor/pkg/laminar"
	"github.com/bcodmo/regressoor/pkg/storage"
	"github.com/sirupsen/logrus"
)

// Status is the terminal execution status of a remote run.
type Status string

const (
	// StatusSuccess means the run completed cleanly.
	StatusSuccess Status = "SUCCESS"

	// StatusSuccessWithError means the service reported SUCCESS but the
	// response carried a non-empty error. Surfaced as an error, never as
	// a comparison outcome.
	StatusSuccessWithError Status = "ERROR_WITH_SUCCESS"

	// StatusInterrupted means cancellation was observed before the run
	// reached a terminal service status.
	StatusInterrupted Status = "INTERRUPTED"

	// statusInProgress is the service's "still working" status.
	statusInProgress = "SENT"
)

// ReusedCacheID is the sentinel run identifier recorded when existing
// test output was reused instead of executing the pipeline.
const ReusedCacheID = "REUSED_EXISTING_OUTPUT"

// Result is the terminal outcome of executing (or reusing) one run.
type Result struct {
	CacheID string
	Status  Status
	Error   string
	Reused  bool
}

// Succeeded reports whether output is available for comparison.
func (r *Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// RunOptions describes one pipeline execution.
type RunOptions struct {
	Title                 string
	Steps                 []map[string]any
	TestPrefix            string
	DatasetID             string
	PreserveMissingValues bool

	// Force skips the reuse check and always executes, overwriting any
	// output already present at the test prefix.
	Force bool

	// RegistryKey identifies this run in the active-run registry while
	// it is in flight.
	RegistryKey int
}

// Executor runs pipelines against the execution service.
type Executor interface {
	// Run drives one pipeline to a terminal state. A returned error
	// means the run could not be driven (transport exhaustion,
	// submission failure); service-reported failures come back as a
	// Result with a non-success status.
	Run(ctx context.Context, opts *RunOptions) (*Result, error)
}

// Config for the executor.
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Ensure interface compliance.
var _ Executor = (*executor)(nil)

type executor struct {
	log      logrus.FieldLogger
	cfg      *Config
	client   laminar.Client
	store    storage.ObjectStore
	registry *Registry
}

// NewExecutor creates a new executor instance.
func NewExecutor(
	log logrus.FieldLogger,
	cfg *Config,
	client laminar.Client,
	store storage.ObjectStore,
	registry *Registry,
) Executor {
	return &executor{
		log:      log.WithField("component", "executor"),
		cfg:      cfg,
		client:   client,
		store:    store,
		registry: registry,
	}
}

// Run drives one pipeline to a terminal state.
func (e *executor) Run(ctx context.Context, opts *RunOptions) (*Result, error) {
	log := e.log.WithField("pipeline", opts.Title)

	// Idempotent optimization: if the isolated test location already has
	// output, skip execution entirely.
	if !opts.Force {
		exists, err := e.store.HasObjects(ctx, opts.TestPrefix)
		if err != nil {
			log.WithError(err).Warn("Failed to check for existing test output")
		}

		if exists {
			log.WithField("prefix", opts.TestPrefix).Info("Reusing existing test output, skipping execution")

			return &Result{
				CacheID: ReusedCacheID,
				Status:  StatusSuccess,
				Reused:  true,
			}, nil
		}
	}

	if ctx.Err() != nil {
		return &Result{Status: StatusInterrupted}, nil
	}

	log.Info("No existing output found, submitting pipeline")

	cacheID, err := e.client.Submit(ctx, &laminar.SubmitRequest{
		Title:                 opts.Title,
		DatasetID:             opts.DatasetID,
		Steps:                 opts.Steps,
		PreserveMissingValues: opts.PreserveMissingValues,
	})
	if err != nil {
		return nil, fmt.Errorf("submitting run: %w", err)
	}

	e.registry.Register(opts.RegistryKey, ActiveRun{CacheID: cacheID, Title: opts.Title})
	defer e.registry.Unregister(opts.RegistryKey)

	return e.poll(ctx, log, cacheID)
}

// poll queries run status at a fixed interval until the service reports
// a terminal state or cancellation is observed at a poll boundary.
func (e *executor) poll(
	ctx context.Context,
	log logrus.FieldLogger,
	cacheID string,
) (*Result, error) {
	start := time.Now()
	lastHeartbeat := start

	for {
		select {
		case <-ctx.Done():
			e.cancelRun(log, cacheID)

			return &Result{CacheID: cacheID, Status: StatusInterrupted}, nil
		default:
		}

		if time.Since(lastHeartbeat) >= e.cfg.HeartbeatInterval {
			log.WithField("elapsed", time.Since(start).Round(time.Second).String()).
				Info("Still waiting for pipeline to complete")

			lastHeartbeat = time.Now()
		}

		status, err := e.client.Status(ctx, cacheID)
		if err != nil {
			if ctx.Err() != nil {
				e.cancelRun(log, cacheID)

				return &Result{CacheID: cacheID, Status: StatusInterrupted}, nil
			}

			return nil, fmt.Errorf("polling run: %w", err)
		}

		switch status.PipelineStatus {
		case string(StatusSuccess):
			if status.Error != "" {
				log.WithField("error", status.Error).
					Error("Pipeline reported SUCCESS but carries an error")

				return &Result{
					CacheID: cacheID,
					Status:  StatusSuccessWithError,
					Error:   status.Error,
				}, nil
			}

			log.WithField("elapsed", time.Since(start).Round(time.Second).String()).
				Info("Pipeline completed successfully")

			return &Result{CacheID: cacheID, Status: StatusSuccess}, nil

		case statusInProgress:
			select {
			case <-time.After(e.cfg.PollInterval):
			case <-ctx.Done():
				e.cancelRun(log, cacheID)

				return &Result{CacheID: cacheID, Status: StatusInterrupted}, nil
			}

		default:
			log.WithFields(logrus.Fields{
				"status": status.PipelineStatus,
				"error":  status.Error,
			}).Error("Pipeline failed")

			return &Result{
				CacheID: cacheID,
				Status:  Status(status.PipelineStatus),
				Error:   status.Error,
			}, nil
		}
	}
}

// cancelRun best-effort aborts a run whose poll loop observed the
// interrupt. The worker still holds its registration here, so the run
// is never abandoned even if it unregisters before the supervisor
// snapshots the registry. A duplicate cancel from the supervisor is
// harmless.
func (e *executor) cancelRun(log logrus.FieldLogger, cacheID string) {
	if err := e.client.Cancel(context.Background(), cacheID); err != nil {
		log.WithError(err).WithField("cache_id", cacheID).Warn("Failed to cancel interrupted run")

		return
	}

	log.WithField("cache_id", cacheID).Info("Cancelled interrupted run")
}
