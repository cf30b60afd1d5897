// Package laminar is the HTTP client for the remote pipeline execution
// service: submit a pipeline run, poll its status, and cancel it.
package laminar

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bcodmo/regressoor/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	apiKeyHeader = "BCODMO-API-KEY"

	// Cancellation is cleanup: fewer retries, shorter timeout, best effort.
	cancelRetries    = 3
	cancelRetryDelay = 500 * time.Millisecond
	cancelTimeout    = 5 * time.Second
)

// Client talks to the pipeline execution service.
type Client interface {
	// Submit starts a pipeline run and returns its cache ID.
	Submit(ctx context.Context, req *SubmitRequest) (string, error)

	// Status returns the current status of a run.
	Status(ctx context.Context, cacheID string) (*StatusResponse, error)

	// Cancel aborts a run. Best effort: bounded retries and a short
	// timeout, errors are returned for logging only.
	Cancel(ctx context.Context, cacheID string) error
}

// SubmitRequest describes one pipeline run to start.
type SubmitRequest struct {
	Title                 string
	DatasetID             string
	Steps                 []map[string]any
	PreserveMissingValues bool
}

// StatusResponse is the service's report on a run.
type StatusResponse struct {
	PipelineStatus string `json:"pipeline_status"`
	Error          string `json:"error,omitempty"`
}

// APIError is an application-level failure carried in a well-formed 2xx
// response. These are terminal and never retried.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: service reported failure (status_code %d): %s", e.Op, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("%s: service reported failure (status_code %d)", e.Op, e.StatusCode)
}

// Ensure interface compliance.
var _ Client = (*client)(nil)

type client struct {
	log     logrus.FieldLogger
	cfg     *config.ServiceConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a new execution service client. All calls through it
// share one rate limiter so concurrent workers do not flood the service.
func NewClient(log logrus.FieldLogger, cfg *config.ServiceConfig) Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // staging endpoint uses a self-signed cert
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &client{
		log: log.WithField("component", "laminar-client"),
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// submitPayload is the wire format of a run submission.
type submitPayload struct {
	CacheID               *string          `json:"cache_id"`
	Metadata              submitMetadata   `json:"metadata"`
	PreserveMissingValues bool             `json:"preserve_missing_values"`
	RunBigWorker          bool             `json:"run_big_worker"`
	Steps                 []map[string]any `json:"steps"`
	Verbose               bool             `json:"verbose"`
}

type submitMetadata struct {
	DatasetID      string   `json:"datasetId"`
	DatasetVersion string   `json:"datasetVersion"`
	Description    string   `json:"description"`
	Title          string   `json:"title"`
	SubmissionIDs  []string `json:"submissionIds"`
}

// submitResponse is the wire format of a run submission response.
type submitResponse struct {
	StatusCode int    `json:"status_code"`
	CacheID    string `json:"cache_id"`
}

// Submit starts a pipeline run and returns its cache ID.
func (c *client) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	payload := submitPayload{
		Metadata: submitMetadata{
			DatasetID:      req.DatasetID,
			DatasetVersion: req.Title,
			Title:          "test",
			SubmissionIDs:  []string{},
		},
		PreserveMissingValues: req.PreserveMissingValues,
		RunBigWorker:          true,
		Steps:                 req.Steps,
		Verbose:               true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling submit payload: %w", err)
	}

	data, err := c.doWithRetry(ctx, http.MethodPost, "/run", nil, body, c.cfg.MaxRetries, c.cfg.RetryDelay)
	if err != nil {
		return "", fmt.Errorf("submitting pipeline %q: %w", req.Title, err)
	}

	var resp submitResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("parsing submit response: %w", err)
	}

	if resp.StatusCode != 0 {
		return "", &APIError{Op: "submit", StatusCode: resp.StatusCode}
	}

	if resp.CacheID == "" {
		return "", &APIError{Op: "submit", Message: "no cache_id returned"}
	}

	c.log.WithFields(logrus.Fields{
		"pipeline": req.Title,
		"cache_id": resp.CacheID,
	}).Info("Pipeline submitted")

	return resp.CacheID, nil
}

// Status returns the current status of a run.
func (c *client) Status(ctx context.Context, cacheID string) (*StatusResponse, error) {
	query := url.Values{"cache_id": {cacheID}}

	data, err := c.doWithRetry(ctx, http.MethodGet, "/status", query, nil, c.cfg.MaxRetries, c.cfg.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("checking status of %s: %w", cacheID, err)
	}

	var resp StatusResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing status response: %w", err)
	}

	return &resp, nil
}

// Cancel aborts a run with short, bounded retries.
func (c *client) Cancel(ctx context.Context, cacheID string) error {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	query := url.Values{"cache_id": {cacheID}}

	_, err := c.doWithRetry(ctx, http.MethodDelete, "/data", query, nil, cancelRetries, cancelRetryDelay)
	if err != nil {
		return fmt.Errorf("cancelling run %s: %w", cacheID, err)
	}

	c.log.WithField("cache_id", cacheID).Info("Run cancelled")

	return nil
}

// doWithRetry performs one HTTP call with the uniform retry policy:
// transport failures and non-2xx responses are retried with a fixed
// delay; anything the service says in a 2xx body is for the caller to
// judge.
func (c *client) doWithRetry(
	ctx context.Context,
	method, path string,
	query url.Values,
	body []byte,
	maxAttempts int,
	delay time.Duration,
) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		data, err := c.doOnce(ctx, method, path, query, body)
		if err == nil {
			return data, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt < maxAttempts {
			c.log.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"max":     maxAttempts,
				"path":    path,
			}).Warn("Request failed, retrying")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}

// doOnce performs a single HTTP request and returns the response body.
func (c *client) doOnce(
	ctx context.Context,
	method, path string,
	query url.Values,
	body []byte,
) ([]byte, error) {
	endpoint := c.cfg.EndpointURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set(apiKeyHeader, c.cfg.APIKey)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}

	return data, nil
}
