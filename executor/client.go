// ABOUTME: Gateway client used by the executor agent: pipeline fetch, heartbeats, result post.
// ABOUTME: Transient transport failures retry with linear backoff (5s per attempt, 10 attempts).
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/2389-research/unicorn/core"
)

const (
	retryAttempts  = 10
	retryBaseDelay = 5 * time.Second
	maxBodyBytes   = 64 << 20
)

// ErrPipelineNotFound is returned when the gateway answers 404: the
// executor is unknown or already finished.
var ErrPipelineNotFound = fmt.Errorf("gateway has no pipeline for this executor")

// Client talks to the gateway on behalf of one executor.
type Client struct {
	endpoint   string
	executorID string
	http       *http.Client
}

// NewClient builds a gateway client.
func NewClient(endpoint, executorID string) *Client {
	return &Client{
		endpoint:   endpoint,
		executorID: executorID,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchPipeline pulls the pipeline blob, retrying transport errors with
// a growing delay. A 404 counts against the budget: the row may not be
// visible yet right after start.
func (c *Client) FetchPipeline(ctx context.Context) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		blob, err := c.fetchPipelineOnce(ctx)
		if err == nil {
			return blob, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < retryAttempts {
			sleepCtx(ctx, time.Duration(attempt)*retryBaseDelay)
		}
	}
	return nil, fmt.Errorf("fetch pipeline after %d attempts: %w", retryAttempts, lastErr)
}

func (c *Client) fetchPipelineOnce(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/executor/pipeline/%s", c.endpoint, c.executorID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	case http.StatusNotFound:
		return nil, ErrPipelineNotFound
	default:
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
}

// Heartbeat posts liveness with the current state piggybacked.
func (c *Client) Heartbeat(ctx context.Context, state core.ExecutorState) error {
	u := fmt.Sprintf("%s/api/v1/executor/heartbeat/%s", c.endpoint, c.executorID)
	if state != "" {
		u += "?state=" + url.QueryEscape(string(state))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return nil
}

// PostResult submits the final report, retrying like the fetch path.
// The gateway applies only the first submission, so retries are safe.
func (c *Client) PostResult(ctx context.Context, report []byte) error {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if err := c.postResultOnce(ctx, report); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < retryAttempts {
			sleepCtx(ctx, time.Duration(attempt)*retryBaseDelay)
		}
	}
	return fmt.Errorf("post result after %d attempts: %w", retryAttempts, lastErr)
}

func (c *Client) postResultOnce(ctx context.Context, report []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/v1/executor/result/%s", c.endpoint, c.executorID),
		bytes.NewReader(report))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
