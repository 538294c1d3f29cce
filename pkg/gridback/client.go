// Package gridback provides a Go client for the gridback-server HTTP API.
package gridback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"gridback/internal/backtest"
	"gridback/internal/domain"
	"gridback/internal/httpapi"
)

// Client talks to a running gridback-server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL, e.g.
// "http://localhost:8090".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		return &APIError{Status: resp.StatusCode, Message: envelope.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// RunBacktest executes a synchronous backtest.
func (c *Client) RunBacktest(ctx context.Context, cfg domain.BacktestConfig, signalLimit int) (httpapi.BacktestResponse, error) {
	var resp httpapi.BacktestResponse
	req := httpapi.BacktestRequest{Config: cfg, SignalLimit: signalLimit}
	err := c.do(ctx, http.MethodPost, "/api/backtest", req, &resp)
	return resp, err
}

// CreateJob enqueues an asynchronous backtest and returns its initial
// snapshot.
func (c *Client) CreateJob(ctx context.Context, cfg domain.BacktestConfig, signalLimit int) (httpapi.JobResponse, error) {
	var resp httpapi.JobResponse
	req := httpapi.BacktestRequest{Config: cfg, SignalLimit: signalLimit}
	err := c.do(ctx, http.MethodPost, "/api/jobs", req, &resp)
	return resp, err
}

// GetJob fetches one job by id.
func (c *Client) GetJob(ctx context.Context, id string) (httpapi.JobResponse, error) {
	var resp httpapi.JobResponse
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+id, nil, &resp)
	return resp, err
}

// ListJobs returns all tracked jobs grouped by lifecycle.
func (c *Client) ListJobs(ctx context.Context) (httpapi.JobListResponse, error) {
	var resp httpapi.JobListResponse
	err := c.do(ctx, http.MethodGet, "/api/jobs", nil, &resp)
	return resp, err
}

// CancelJob requests cancellation of a queued or running job.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/jobs/"+id, nil, nil)
}

// WaitJob polls a job until it reaches a terminal status or ctx is done.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration) (httpapi.JobResponse, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return job, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Optimize runs a parameter sweep and returns the ranked variants.
func (c *Client) Optimize(ctx context.Context, req httpapi.OptimizeRequest) (httpapi.OptimizeResponse, error) {
	var resp httpapi.OptimizeResponse
	err := c.do(ctx, http.MethodPost, "/api/optimize", req, &resp)
	return resp, err
}

// SignalsInfo describes a signal source without running anything.
func (c *Client) SignalsInfo(ctx context.Context, source string) (backtest.SignalsInfo, error) {
	var resp backtest.SignalsInfo
	err := c.do(ctx, http.MethodGet, "/api/signals/info?source="+url.QueryEscape(source), nil, &resp)
	return resp, err
}

// Health reports whether the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}
