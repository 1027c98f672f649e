package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/beamgrid/go-beamgrid/common"
	"github.com/beamgrid/go-beamgrid/core"
)

// HealthStatus is the state a runner container reports on GET /health.
type HealthStatus string

const (
	IDLE    HealthStatus = "IDLE"
	OK      HealthStatus = "OK"
	LOADING HealthStatus = "LOADING"
	ERROR   HealthStatus = "ERROR"
)

// runnerErrorMimeType marks non-200 responses whose body is a
// structured job error rather than a transport failure.
const runnerErrorMimeType = "beamgrid/runner-error"

// HealthResponse is the health envelope returned by runner containers.
type HealthResponse struct {
	Status  HealthStatus `json:"status"`
	Version string       `json:"version,omitempty"`
	Device  string       `json:"device,omitempty"`
}

type execRequest struct {
	ID      string          `json:"id"`
	Input   json.RawMessage `json:"input"`
	Timeout int             `json:"timeout,omitempty"`
}

// RunnerClient talks to a single runner container over its HTTP API.
type RunnerClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewRunnerClient creates a client for the runner at baseURL. A nil
// httpClient gets a default without a request timeout; job execution
// is bounded by the caller's context instead.
func NewRunnerClient(baseURL, token string, httpClient *http.Client) *RunnerClient {
	if httpClient == nil {
		dialer := &net.Dialer{Timeout: common.HTTPDialTimeout}
		httpClient = &http.Client{
			Transport: &http.Transport{DialContext: dialer.DialContext},
		}
	}
	return &RunnerClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

func (c *RunnerClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.httpClient.Do(req)
}

// Health fetches the runner's current state.
func (c *RunnerClient) Health(ctx context.Context) (*HealthResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := common.ReadAtMost(resp.Body, common.MaxJobInputSize)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runner health returned status %d: %s", resp.StatusCode, body)
	}
	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("malformed health response: %w", err)
	}
	return &health, nil
}

// Exec submits a job to the runner and blocks until it finishes or ctx
// is done. Task level failures come back inside the result; the error
// return is reserved for transport and protocol breakage.
func (c *RunnerClient) Exec(ctx context.Context, job *core.Job) (*core.JobResult, error) {
	timeout := 0
	if job.Payload != nil {
		timeout = job.Payload.TimeoutSec
	}
	reqBody, err := json.Marshal(execRequest{ID: job.ID, Input: job.Input, Timeout: timeout})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/exec", reqBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := common.ReadAtMost(resp.Body, common.MaxArtifactSize)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		// Runners report task failures with a dedicated MIME type so
		// they are not mistaken for a broken container.
		if strings.HasPrefix(resp.Header.Get("Content-Type"), runnerErrorMimeType) {
			var jerr core.JobError
			if err := json.Unmarshal(body, &jerr); err == nil && jerr.Message != "" {
				return &core.JobResult{Error: &jerr}, nil
			}
		}
		return nil, fmt.Errorf("runner exec returned status %d: %s", resp.StatusCode, body)
	}

	var res core.JobResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("malformed exec response: %w", err)
	}
	return &res, nil
}

// Purge asks the runner to drop its cached task state.
func (c *RunnerClient) Purge(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/purge", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := common.ReadAtMost(resp.Body, common.MaxJobInputSize)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runner purge returned status %d: %s", resp.StatusCode, body)
	}
	return nil
}
