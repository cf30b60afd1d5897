// Package report aggregates per-item check results into a persisted run
// summary and a human-readable console digest.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/bcodmo/regressoor/pkg/orchestrator"
	"github.com/sirupsen/logrus"
)

// Counts breaks the run down by category. The outcome categories (buggy,
// not_buggy, errors, interrupted, skipped) always sum to expected.
type Counts struct {
	Expected              int `json:"expected"`
	Processed             int `json:"processed"`
	Completed             int `json:"completed"`
	Buggy                 int `json:"buggy"`
	NotBuggy              int `json:"not_buggy"`
	Errors                int `json:"errors"`
	Interrupted           int `json:"interrupted"`
	Skipped               int `json:"skipped"`
	Reused                int `json:"reused_existing_output"`
	NewlyExecuted         int `json:"newly_executed"`
	SuccessWithErrors     int `json:"success_with_errors"`
	HTTPErrors            int `json:"http_errors"`
	ComparisonInterrupted int `json:"comparison_interrupted"`
}

// AuthorSummary rolls buggy pipelines up by the author recorded in the
// pipeline's dump step metadata.
type AuthorSummary struct {
	AuthorName  string   `json:"author_name"`
	AuthorORCID string   `json:"author_orcid,omitempty"`
	BuggyCount  int      `json:"buggy_count"`
	Pipelines   []string `json:"pipelines"`
}

// RunSummary is the persisted record of one whole check run. It is
// written even when the run was interrupted, with partial contents.
type RunSummary struct {
	GeneratedAt    time.Time `json:"generated_at"`
	Duration       string    `json:"duration"`
	WasInterrupted bool      `json:"was_interrupted"`
	Counts         Counts    `json:"counts"`

	AuthorsWithBuggyPipelines []AuthorSummary `json:"authors_with_buggy_pipelines"`

	BuggyPipelines       []orchestrator.ItemResult `json:"buggy_pipelines"`
	ErrorPipelines       []orchestrator.ItemResult `json:"error_pipelines"`
	InterruptedPipelines []orchestrator.ItemResult `json:"interrupted_pipelines"`
	AllResults           []orchestrator.ItemResult `json:"all_results"`
}

// Build aggregates a finished run into a summary.
func Build(run *orchestrator.RunResult, startedAt time.Time) *RunSummary {
	summary := &RunSummary{
		GeneratedAt:          time.Now().UTC(),
		Duration:             time.Since(startedAt).Round(time.Second).String(),
		WasInterrupted:       run.Interrupted,
		BuggyPipelines:       []orchestrator.ItemResult{},
		ErrorPipelines:       []orchestrator.ItemResult{},
		InterruptedPipelines: []orchestrator.ItemResult{},
		AllResults:           run.Results,
	}

	summary.Counts.Expected = len(run.Results)

	for _, result := range run.Results {
		switch result.Outcome {
		case orchestrator.OutcomeBuggy:
			summary.Counts.Buggy++
			summary.BuggyPipelines = append(summary.BuggyPipelines, result)
		case orchestrator.OutcomeNotBuggy:
			summary.Counts.NotBuggy++
		case orchestrator.OutcomeError:
			summary.Counts.Errors++
			summary.ErrorPipelines = append(summary.ErrorPipelines, result)
		case orchestrator.OutcomeInterrupted:
			summary.Counts.Interrupted++
			summary.InterruptedPipelines = append(summary.InterruptedPipelines, result)
		case orchestrator.OutcomeSkipped:
			summary.Counts.Skipped++
		}

		if result.Outcome != orchestrator.OutcomeSkipped {
			summary.Counts.Processed++
		}

		if result.Reused {
			summary.Counts.Reused++
		} else if result.CacheID != "" {
			summary.Counts.NewlyExecuted++
		}

		if result.SuccessWithError {
			summary.Counts.SuccessWithErrors++
		}

		if result.HTTPError {
			summary.Counts.HTTPErrors++
		}

		if result.Comparison != nil && result.Comparison.Interrupted {
			summary.Counts.ComparisonInterrupted++
		}
	}

	summary.Counts.Completed = summary.Counts.Buggy + summary.Counts.NotBuggy
	summary.AuthorsWithBuggyPipelines = rollupAuthors(summary.BuggyPipelines)

	return summary
}

// rollupAuthors groups buggy pipelines by author, most affected first.
func rollupAuthors(buggy []orchestrator.ItemResult) []AuthorSummary {
	byAuthor := make(map[string]*AuthorSummary)

	for _, result := range buggy {
		name, orcid := "unknown", ""
		if result.Metadata != nil {
			if result.Metadata.AuthorName != "" {
				name = result.Metadata.AuthorName
			}

			orcid = result.Metadata.AuthorORCID
		}

		key := orcid
		if key == "" {
			key = name
		}

		author, ok := byAuthor[key]
		if !ok {
			author = &AuthorSummary{AuthorName: name, AuthorORCID: orcid}
			byAuthor[key] = author
		}

		author.BuggyCount++
		author.Pipelines = append(author.Pipelines, result.Title)
	}

	authors := make([]AuthorSummary, 0, len(byAuthor))
	for _, author := range byAuthor {
		authors = append(authors, *author)
	}

	sort.Slice(authors, func(i, j int) bool {
		if authors[i].BuggyCount != authors[j].BuggyCount {
			return authors[i].BuggyCount > authors[j].BuggyCount
		}

		return authors[i].AuthorName < authors[j].AuthorName
	})

	return authors
}

// Write persists the summary as indented JSON.
func (s *RunSummary) Write(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run summary: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing run summary: %w", err)
	}

	return nil
}

// Log emits the console digest of the run.
func (s *RunSummary) Log(log logrus.FieldLogger) {
	log.WithFields(logrus.Fields{
		"expected":    s.Counts.Expected,
		"processed":   s.Counts.Processed,
		"completed":   s.Counts.Completed,
		"buggy":       s.Counts.Buggy,
		"not_buggy":   s.Counts.NotBuggy,
		"errors":      s.Counts.Errors,
		"interrupted": s.Counts.Interrupted,
		"skipped":     s.Counts.Skipped,
		"duration":    s.Duration,
	}).Info("Run complete")

	if s.WasInterrupted {
		log.Warn("Run was interrupted, results are partial")
	}

	if s.Counts.Reused > 0 {
		log.WithFields(logrus.Fields{
			"reused":         s.Counts.Reused,
			"newly_executed": s.Counts.NewlyExecuted,
		}).Info("Execution reuse")
	}

	for _, result := range s.BuggyPipelines {
		fields := logrus.Fields{"pipeline": result.Title}
		if result.Comparison != nil {
			fields["cell_differences"] = result.Comparison.TotalCellDifferences()
		}

		log.WithFields(fields).Warn("Buggy pipeline")
	}

	for _, result := range s.ErrorPipelines {
		log.WithFields(logrus.Fields{
			"pipeline": result.PipelineName,
			"error":    result.Error,
		}).Error("Pipeline check error")
	}

	for _, author := range s.AuthorsWithBuggyPipelines {
		log.WithFields(logrus.Fields{
			"author": author.AuthorName,
			"orcid":  author.AuthorORCID,
			"count":  author.BuggyCount,
		}).Info("Author with buggy pipelines")
	}
}
