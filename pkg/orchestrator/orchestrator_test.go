package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bcodmo/regressoor/pkg/compare"
	"github.com/bcodmo/regressoor/pkg/executor"
	"github.com/bcodmo/regressoor/pkg/laminar"
	"github.com/bcodmo/regressoor/pkg/storage"
	"github.com/bcodmo/regressoor/pkg/task"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExec struct {
	runFunc func(context.Context, *executor.RunOptions) (*executor.Result, error)
	runs    atomic.Int32
}

func (f *fakeExec) Run(ctx context.Context, opts *executor.RunOptions) (*executor.Result, error) {
	f.runs.Add(1)

	if f.runFunc != nil {
		return f.runFunc(ctx, opts)
	}

	return &executor.Result{CacheID: "cache-1", Status: executor.StatusSuccess}, nil
}

type fakeComparator struct {
	compareFunc func(ctx context.Context, newPrefix, originalPrefix string) (*compare.Result, error)
}

func (f *fakeComparator) Compare(ctx context.Context, newPrefix, originalPrefix string) (*compare.Result, error) {
	if f.compareFunc != nil {
		return f.compareFunc(ctx, newPrefix, originalPrefix)
	}

	return cleanResult(), nil
}

type fakeClient struct {
	cancelled chan string
}

func (f *fakeClient) Submit(context.Context, *laminar.SubmitRequest) (string, error) {
	return "cache-1", nil
}

func (f *fakeClient) Status(context.Context, string) (*laminar.StatusResponse, error) {
	return &laminar.StatusResponse{PipelineStatus: "SUCCESS"}, nil
}

func (f *fakeClient) Cancel(_ context.Context, cacheID string) error {
	if f.cancelled != nil {
		f.cancelled <- cacheID
	}

	return nil
}

func cleanResult() *compare.Result {
	return &compare.Result{
		TotalFilesCompared:  1,
		FilesOnlyInNew:      []string{},
		FilesOnlyInOriginal: []string{},
		Files: []compare.FileComparison{
			{Filename: "data.csv", ETagsMatch: true, HeadersMatch: true, RowCountMatch: true},
		},
	}
}

func buggyResult(diffs ...compare.CellDiff) *compare.Result {
	return &compare.Result{
		TotalFilesCompared:   1,
		FilesWithDifferences: 1,
		FilesOnlyInNew:       []string{},
		FilesOnlyInOriginal:  []string{},
		Files: []compare.FileComparison{
			{
				Filename:         "data.csv",
				HeadersMatch:     true,
				RowCountMatch:    true,
				CellDifferences:  diffs,
				TotalDifferences: len(diffs),
			},
		},
	}
}

// specYAML builds a minimal valid pipeline definition for the given title.
func specYAML(title string) []byte {
	return []byte(fmt.Sprintf(`%s:
  pipeline:
    - run: load_excel
    - run: bcodmo_pipeline_processors.dump_to_s3
      parameters:
        prefix: 842210/1/data
        data_manager:
          name: Ada Lovelace
          orcid: 0000-0001-0000-0000
`, title))
}

func seedItems(store *storage.Memory, titles ...string) []task.Item {
	items := make([]task.Item, 0, len(titles))

	for _, title := range titles {
		key := "specs/" + title + ".yaml"
		store.Put(key, specYAML(title))
		items = append(items, task.Item{PipelineName: title, PipelineSpec: key})
	}

	return items
}

func testOrchestrator(
	exec executor.Executor,
	comparator compare.Comparator,
	client laminar.Client,
	store storage.ObjectStore,
	registry *executor.Registry,
) Orchestrator {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := &Config{
		Workers:               2,
		TestPrefix:            "EXCEL_BUG_TEST",
		DumpProcessor:         "bcodmo_pipeline_processors.dump_to_s3",
		PreserveMissingValues: true,
		GracePeriod:           10 * time.Second,
	}

	return NewOrchestrator(log, cfg, store, client, exec, comparator, registry)
}

func TestRunPreservesInputOrder(t *testing.T) {
	store := storage.NewMemory()
	items := seedItems(store, "p0", "p1", "p2", "p3", "p4", "p5")

	// p1 and p4 come back buggy, everything else clean.
	comparator := &fakeComparator{
		compareFunc: func(_ context.Context, newPrefix, _ string) (*compare.Result, error) {
			if newPrefix == "EXCEL_BUG_TEST/p1" || newPrefix == "EXCEL_BUG_TEST/p4" {
				return buggyResult(compare.CellDiff{
					Row: 0, Column: "a", NewValue: "2", OriginalValue: "1",
				}), nil
			}

			return cleanResult(), nil
		},
	}

	o := testOrchestrator(&fakeExec{}, comparator, &fakeClient{}, store, executor.NewRegistry())

	run, err := o.Run(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, run.Results, len(items))

	assert.False(t, run.Interrupted)

	for i, result := range run.Results {
		assert.Equal(t, items[i].PipelineName, result.PipelineName, "slot %d", i)
		assert.Equal(t, items[i].PipelineName, result.Title, "slot %d", i)
	}

	assert.Equal(t, OutcomeNotBuggy, run.Results[0].Outcome)
	assert.Equal(t, OutcomeBuggy, run.Results[1].Outcome)
	assert.Equal(t, OutcomeBuggy, run.Results[4].Outcome)
	assert.Equal(t, OutcomeNotBuggy, run.Results[5].Outcome)
}

func TestRunRecordsMetadataAndPrefixes(t *testing.T) {
	store := storage.NewMemory()
	items := seedItems(store, "dataset_842210_v1")

	o := testOrchestrator(&fakeExec{}, &fakeComparator{}, &fakeClient{}, store, executor.NewRegistry())

	run, err := o.Run(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, run.Results, 1)

	result := run.Results[0]
	assert.Equal(t, "842210/1/data", result.OriginalPrefix)
	assert.Equal(t, "EXCEL_BUG_TEST/dataset_842210_v1", result.TestPrefix)

	require.NotNil(t, result.Metadata)
	assert.Equal(t, "Ada Lovelace", result.Metadata.AuthorName)
	assert.Equal(t, "0000-0001-0000-0000", result.Metadata.AuthorORCID)
}

func TestRunStructuralFailureMakesNoServiceCall(t *testing.T) {
	store := storage.NewMemory()
	store.Put("specs/no_dump.yaml", []byte("no_dump:\n  pipeline:\n    - run: load_excel\n"))

	items := []task.Item{{PipelineName: "no_dump", PipelineSpec: "specs/no_dump.yaml"}}

	exec := &fakeExec{}
	o := testOrchestrator(exec, &fakeComparator{}, &fakeClient{}, store, executor.NewRegistry())

	run, err := o.Run(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, run.Results, 1)

	assert.Equal(t, OutcomeError, run.Results[0].Outcome)
	assert.Contains(t, run.Results[0].Error, "no dump step")
	assert.Equal(t, int32(0), exec.runs.Load())
}

func TestRunHeaderMismatchIsErrorNotBuggy(t *testing.T) {
	store := storage.NewMemory()
	items := seedItems(store, "p0")

	comparator := &fakeComparator{
		compareFunc: func(context.Context, string, string) (*compare.Result, error) {
			result := cleanResult()
			result.Files[0].HeadersMatch = false
			result.Files[0].Error = "headers do not match"

			return result, nil
		},
	}

	o := testOrchestrator(&fakeExec{}, comparator, &fakeClient{}, store, executor.NewRegistry())

	run, err := o.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, OutcomeError, run.Results[0].Outcome)
	assert.NotEmpty(t, run.Results[0].Error)
}

func TestRunServiceFailureIsIsolated(t *testing.T) {
	store := storage.NewMemory()
	items := seedItems(store, "p0", "p1")

	exec := &fakeExec{
		runFunc: func(_ context.Context, opts *executor.RunOptions) (*executor.Result, error) {
			if opts.Title == "p0" {
				return &executor.Result{
					CacheID: "cache-0",
					Status:  executor.Status("FAILED"),
					Error:   "step 2 raised",
				}, nil
			}

			return &executor.Result{CacheID: "cache-1", Status: executor.StatusSuccess}, nil
		},
	}

	o := testOrchestrator(exec, &fakeComparator{}, &fakeClient{}, store, executor.NewRegistry())

	run, err := o.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, OutcomeError, run.Results[0].Outcome)
	assert.Equal(t, "step 2 raised", run.Results[0].Error)
	assert.Equal(t, OutcomeNotBuggy, run.Results[1].Outcome)
}

func TestRunApplicationErrorIsNotHTTPError(t *testing.T) {
	store := storage.NewMemory()
	items := seedItems(store, "p0")

	// The service answered with a well-formed failure body; transport
	// was fine, so the http_error counter must not move.
	exec := &fakeExec{
		runFunc: func(context.Context, *executor.RunOptions) (*executor.Result, error) {
			return nil, fmt.Errorf("submitting run: %w", &laminar.APIError{
				Op:         "submit",
				StatusCode: 42,
			})
		},
	}

	o := testOrchestrator(exec, &fakeComparator{}, &fakeClient{}, store, executor.NewRegistry())

	run, err := o.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, OutcomeError, run.Results[0].Outcome)
	assert.False(t, run.Results[0].HTTPError)
}

func TestRunTransportExhaustionIsHTTPError(t *testing.T) {
	store := storage.NewMemory()
	items := seedItems(store, "p0")

	exec := &fakeExec{
		runFunc: func(context.Context, *executor.RunOptions) (*executor.Result, error) {
			return nil, fmt.Errorf("submitting run: request failed after 5 attempts: connection refused")
		},
	}

	o := testOrchestrator(exec, &fakeComparator{}, &fakeClient{}, store, executor.NewRegistry())

	run, err := o.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, OutcomeError, run.Results[0].Outcome)
	assert.True(t, run.Results[0].HTTPError)
}

func TestRunChecksumOnlyDifferenceIsBuggy(t *testing.T) {
	store := storage.NewMemory()
	items := seedItems(store, "p0")

	// Same parsed cells, different bytes (trailing newline). The
	// checksum mismatch alone marks the pipeline buggy; byte-level
	// formatting is part of the output.
	store.Put("EXCEL_BUG_TEST/p0/data.csv", []byte("a,b\n1,2\n"))
	store.Put("842210/1/data/data.csv", []byte("a,b\n1,2"))

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	comparator := compare.NewComparator(log, store)
	o := testOrchestrator(&fakeExec{}, comparator, &fakeClient{}, store, executor.NewRegistry())

	run, err := o.Run(context.Background(), items)
	require.NoError(t, err)

	result := run.Results[0]
	assert.Equal(t, OutcomeBuggy, result.Outcome)

	require.NotNil(t, result.Comparison)
	assert.Equal(t, 1, result.Comparison.FilesWithDifferences)
	assert.Zero(t, result.Comparison.TotalCellDifferences())
}

func TestRunPanicIsIsolated(t *testing.T) {
	store := storage.NewMemory()
	items := seedItems(store, "p0", "p1")

	comparator := &fakeComparator{
		compareFunc: func(_ context.Context, newPrefix, _ string) (*compare.Result, error) {
			if newPrefix == "EXCEL_BUG_TEST/p0" {
				panic("boom")
			}

			return cleanResult(), nil
		},
	}

	o := testOrchestrator(&fakeExec{}, comparator, &fakeClient{}, store, executor.NewRegistry())

	run, err := o.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, OutcomeError, run.Results[0].Outcome)
	assert.Contains(t, run.Results[0].Error, "panic")
	assert.Equal(t, OutcomeNotBuggy, run.Results[1].Outcome)
}

func TestRunMissingValueArtifactTriggersOneRerun(t *testing.T) {
	store := storage.NewMemory()
	items := seedItems(store, "p0")

	var secondRun *executor.RunOptions

	exec := &fakeExec{}
	exec.runFunc = func(_ context.Context, opts *executor.RunOptions) (*executor.Result, error) {
		if exec.runs.Load() == 2 {
			secondRun = opts
		}

		return &executor.Result{CacheID: "cache-1", Status: executor.StatusSuccess}, nil
	}

	var compares atomic.Int32

	comparator := &fakeComparator{
		compareFunc: func(context.Context, string, string) (*compare.Result, error) {
			if compares.Add(1) == 1 {
				return buggyResult(compare.CellDiff{
					Row: 3, Column: "Depth", NewValue: "0", OriginalValue: "",
				}), nil
			}

			return cleanResult(), nil
		},
	}

	o := testOrchestrator(exec, comparator, &fakeClient{}, store, executor.NewRegistry())

	run, err := o.Run(context.Background(), items)
	require.NoError(t, err)

	result := run.Results[0]
	assert.Equal(t, OutcomeNotBuggy, result.Outcome)
	assert.True(t, result.ReranWithoutMissingValues)

	// Exactly one rerun, with the flag off and the reuse check bypassed.
	assert.Equal(t, int32(2), exec.runs.Load())
	require.NotNil(t, secondRun)
	assert.False(t, secondRun.PreserveMissingValues)
	assert.True(t, secondRun.Force)
}

func TestRunRerunIsBounded(t *testing.T) {
	store := storage.NewMemory()
	items := seedItems(store, "p0")

	// Every comparison keeps looking like a missing-value artifact; the
	// rerun loop must still stop after one retry.
	comparator := &fakeComparator{
		compareFunc: func(context.Context, string, string) (*compare.Result, error) {
			return buggyResult(compare.CellDiff{
				Row: 3, Column: "Depth", NewValue: "0", OriginalValue: "",
			}), nil
		},
	}

	exec := &fakeExec{}
	o := testOrchestrator(exec, comparator, &fakeClient{}, store, executor.NewRegistry())

	run, err := o.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, int32(2), exec.runs.Load())
	assert.Equal(t, OutcomeBuggy, run.Results[0].Outcome)
	assert.True(t, run.Results[0].ReranWithoutMissingValues)
}

func TestRunAlreadyCancelledSkipsEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := storage.NewMemory()
	items := seedItems(store, "p0", "p1", "p2")

	exec := &fakeExec{}
	o := testOrchestrator(exec, &fakeComparator{}, &fakeClient{}, store, executor.NewRegistry())

	run, err := o.Run(ctx, items)
	require.NoError(t, err)

	assert.True(t, run.Interrupted)
	assert.Equal(t, int32(0), exec.runs.Load())

	for i, result := range run.Results {
		assert.Equal(t, OutcomeSkipped, result.Outcome, "slot %d", i)
		assert.Equal(t, items[i].PipelineName, result.PipelineName, "slot %d", i)
	}
}

func TestRunSupervisorCancelsActiveRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewMemory()
	items := seedItems(store, "p0")

	registry := executor.NewRegistry()
	client := &fakeClient{cancelled: make(chan string, 1)}

	exec := &fakeExec{
		runFunc: func(runCtx context.Context, opts *executor.RunOptions) (*executor.Result, error) {
			registry.Register(opts.RegistryKey, executor.ActiveRun{CacheID: "cache-9", Title: opts.Title})
			defer registry.Unregister(opts.RegistryKey)

			// Simulate an interrupt landing while the run is in flight,
			// then wait until the supervisor has cancelled it remotely.
			cancel()
			<-runCtx.Done()

			select {
			case id := <-client.cancelled:
				assert.Equal(t, "cache-9", id)
			case <-time.After(5 * time.Second):
				t.Error("supervisor never cancelled the active run")
			}

			return &executor.Result{CacheID: "cache-9", Status: executor.StatusInterrupted}, nil
		},
	}

	o := testOrchestrator(exec, &fakeComparator{}, client, store, registry)

	run, err := o.Run(ctx, items)
	require.NoError(t, err)

	assert.True(t, run.Interrupted)
	assert.Equal(t, OutcomeInterrupted, run.Results[0].Outcome)
}
