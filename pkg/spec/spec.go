// Package spec parses declarative pipeline definitions and prepares them
// for an isolated re-run: the terminal dump step is validated, mined for
// author/submission metadata, and rewritten to write into a test prefix
// instead of its original destination.
package spec

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Structural validation errors. These are terminal for an item and are
// never retried.
var (
	ErrNoDumpStep        = errors.New("pipeline has no dump step")
	ErrMultipleDumpSteps = errors.New("pipeline has multiple dump steps")
	ErrDumpStepNotLast   = errors.New("dump step is not the last step")
)

// Pipeline is a parsed pipeline definition. Steps are kept as generic
// maps so unknown step fields survive the round-trip to the execution
// service unchanged.
type Pipeline struct {
	Title string
	Steps []map[string]any
}

// Metadata is the author and submission context extracted from the dump
// step's parameters.
type Metadata struct {
	AuthorName    string   `json:"author_name,omitempty"`
	AuthorORCID   string   `json:"author_orcid,omitempty"`
	SubmissionIDs []string `json:"submission_ids,omitempty"`
}

// document mirrors the YAML layout: a single top-level title key mapping
// to the pipeline body.
type pipelineBody struct {
	Pipeline []map[string]any `yaml:"pipeline"`
}

// Parse decodes a pipeline definition document. The document must have
// exactly one top-level key, which is the pipeline title.
func Parse(data []byte) (*Pipeline, error) {
	var doc map[string]pipelineBody
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing pipeline definition: %w", err)
	}

	if len(doc) != 1 {
		return nil, fmt.Errorf("pipeline definition must have exactly one top-level key, got %d", len(doc))
	}

	for title, body := range doc {
		return &Pipeline{
			Title: title,
			Steps: body.Pipeline,
		}, nil
	}

	return nil, fmt.Errorf("pipeline definition is empty")
}

// RewriteDump validates the pipeline's dump step and redirects it to
// write under testPrefix. It returns the original output prefix and the
// metadata extracted before rewriting. The pipeline's steps are modified
// in place.
func (p *Pipeline) RewriteDump(processor, testPrefix string) (string, *Metadata, error) {
	var dumpIndexes []int

	for i, step := range p.Steps {
		if stringField(step, "run") == processor {
			dumpIndexes = append(dumpIndexes, i)
		}
	}

	switch {
	case len(dumpIndexes) == 0:
		return "", nil, fmt.Errorf("pipeline %q: %w", p.Title, ErrNoDumpStep)
	case len(dumpIndexes) > 1:
		return "", nil, fmt.Errorf("pipeline %q: %w (positions %v)", p.Title, ErrMultipleDumpSteps, dumpIndexes)
	case dumpIndexes[0] != len(p.Steps)-1:
		return "", nil, fmt.Errorf(
			"pipeline %q: %w (position %d of %d)",
			p.Title, ErrDumpStepNotLast, dumpIndexes[0], len(p.Steps),
		)
	}

	dump := p.Steps[len(p.Steps)-1]

	params := mapField(dump, "parameters")
	if params == nil {
		params = make(map[string]any)
		dump["parameters"] = params
	}

	originalPrefix := stringField(params, "prefix")
	meta := extractMetadata(params)

	params["prefix"] = testPrefix

	return originalPrefix, meta, nil
}

// TestPrefix returns the isolated output location for this pipeline,
// derived deterministically from its title.
func (p *Pipeline) TestPrefix(base string) string {
	return base + "/" + p.Title
}

// extractMetadata pulls author and submission info out of the dump step
// parameters.
func extractMetadata(params map[string]any) *Metadata {
	meta := &Metadata{}

	if dm := mapField(params, "data_manager"); dm != nil {
		meta.AuthorName = stringField(dm, "name")
		meta.AuthorORCID = stringField(dm, "orcid")
	}

	if ids, ok := params["submission_ids"].([]any); ok {
		meta.SubmissionIDs = make([]string, 0, len(ids))
		for _, id := range ids {
			meta.SubmissionIDs = append(meta.SubmissionIDs, fmt.Sprint(id))
		}
	}

	return meta
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}

	return ""
}

func mapField(m map[string]any, key string) map[string]any {
	switch v := m[key].(type) {
	case map[string]any:
		return v
	default:
		return nil
	}
}
