package flowledgersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Flowledger HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Pipeline represents a registered pipeline.
type Pipeline struct {
	UUID             string `json:"uuid"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	DockerImageURL   string `json:"docker_image_url"`
	RepositorySSHURL string `json:"repository_ssh_url"`
	RepositoryBranch string `json:"repository_branch"`
	CreatedAt        string `json:"created_at"`
}

// RunInput is a named input file attached to a run.
type RunInput struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// RunState is one entry of a run's state history.
type RunState struct {
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
}

// Run represents a pipeline execution record.
type Run struct {
	UUID      string     `json:"uuid"`
	Sequence  int64      `json:"sequence"`
	StdOut    string     `json:"std_out,omitempty"`
	StdErr    string     `json:"std_err,omitempty"`
	Inputs    []RunInput `json:"inputs"`
	States    []RunState `json:"states"`
	CreatedAt string     `json:"created_at"`
}

// RunOutput is the captured console output of a run.
type RunOutput struct {
	StdOut string `json:"std_out"`
	StdErr string `json:"std_err"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreatePipeline registers a pipeline.
func (c *Client) CreatePipeline(ctx context.Context, name, description, dockerImageURL, repositorySSHURL, repositoryBranch string) (Pipeline, error) {
	body := map[string]any{
		"name":               name,
		"description":        description,
		"docker_image_url":   dockerImageURL,
		"repository_ssh_url": repositorySSHURL,
		"repository_branch":  repositoryBranch,
	}
	var resp Pipeline
	err := c.do(ctx, http.MethodPost, "v1/pipelines", body, &resp)
	return resp, err
}

// ListPipelines returns all visible pipelines in creation order.
func (c *Client) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	var resp []Pipeline
	err := c.do(ctx, http.MethodGet, "v1/pipelines", nil, &resp)
	return resp, err
}

// GetPipeline fetches one pipeline by uuid.
func (c *Client) GetPipeline(ctx context.Context, pipelineUUID string) (Pipeline, error) {
	var resp Pipeline
	err := c.do(ctx, http.MethodGet, c.pipelinePath(pipelineUUID, ""), nil, &resp)
	return resp, err
}

// DeletePipeline soft-deletes a pipeline; its runs become unreachable.
func (c *Client) DeletePipeline(ctx context.Context, pipelineUUID string) error {
	return c.do(ctx, http.MethodDelete, c.pipelinePath(pipelineUUID, ""), nil, nil)
}

// CreateRun triggers a run with the given ordered inputs.
func (c *Client) CreateRun(ctx context.Context, pipelineUUID string, inputs []RunInput) (Run, error) {
	body := map[string]any{}
	if inputs != nil {
		body["inputs"] = inputs
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, c.pipelinePath(pipelineUUID, "runs"), body, &resp)
	return resp, err
}

// ListRuns returns a pipeline's runs in sequence order.
func (c *Client) ListRuns(ctx context.Context, pipelineUUID string) ([]Run, error) {
	var resp []Run
	err := c.do(ctx, http.MethodGet, c.pipelinePath(pipelineUUID, "runs"), nil, &resp)
	return resp, err
}

// GetRun fetches one run by uuid.
func (c *Client) GetRun(ctx context.Context, runUUID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, c.runPath(runUUID, ""), nil, &resp)
	return resp, err
}

// GetRunOutput fetches a run's console output.
func (c *Client) GetRunOutput(ctx context.Context, runUUID string) (RunOutput, error) {
	var resp RunOutput
	err := c.do(ctx, http.MethodGet, c.runPath(runUUID, "console"), nil, &resp)
	return resp, err
}

// UpdateRunOutput overwrites a run's console output. Worker credentials required.
func (c *Client) UpdateRunOutput(ctx context.Context, runUUID, stdOut, stdErr string) error {
	body := map[string]any{
		"std_out": stdOut,
		"std_err": stdErr,
	}
	return c.do(ctx, http.MethodPut, c.runPath(runUUID, "console"), body, nil)
}

// AppendRunState appends a catalog state to a run's history. Worker credentials required.
func (c *Client) AppendRunState(ctx context.Context, runUUID, state string) (RunState, error) {
	body := map[string]any{
		"state": state,
	}
	var resp RunState
	err := c.do(ctx, http.MethodPut, c.runPath(runUUID, "state"), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) pipelinePath(pipelineUUID, suffix string) string {
	p := fmt.Sprintf("v1/pipelines/%s", url.PathEscape(pipelineUUID))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) runPath(runUUID, suffix string) string {
	p := fmt.Sprintf("v1/runs/%s", url.PathEscape(runUUID))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
