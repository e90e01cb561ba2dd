package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/me/dammer/pkg/model"
)

// Client is an HTTP client for a remote dammer status server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a status API client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	}
}

// apiResponse is the parsed envelope.
type apiResponse struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

// Get performs a GET request and returns the parsed envelope. An error
// envelope is returned as a *model.APIError.
func (c *Client) Get(ctx context.Context, path string) (*apiResponse, error) {
	url := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.Logger.Debug("HTTP request", "method", http.MethodGet, "url", url)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.Logger.Debug("HTTP response", "status", resp.StatusCode, "bytes", len(respBody))

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response (status %d): %w\nbody: %s", resp.StatusCode, err, string(respBody))
	}

	if apiResp.Status == "error" && apiResp.Error != nil {
		return &apiResp, apiResp.Error
	}

	return &apiResp, nil
}

// Run fetches one run.
func (c *Client) Run(ctx context.Context, id string) (*model.Run, error) {
	resp, err := c.Get(ctx, "/api/v1/runs/"+id)
	if err != nil {
		return nil, err
	}
	var run model.Run
	if err := json.Unmarshal(resp.Data, &run); err != nil {
		return nil, fmt.Errorf("parse run: %w", err)
	}
	return &run, nil
}

// Runs fetches one page of runs and the total count.
func (c *Client) Runs(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	path := fmt.Sprintf("/api/v1/runs/?limit=%d&offset=%d", opts.Limit, opts.Offset)
	if opts.State != "" {
		path += "&state=" + opts.State
	}
	resp, err := c.Get(ctx, path)
	if err != nil {
		return nil, 0, err
	}
	var runs []*model.Run
	if err := json.Unmarshal(resp.Data, &runs); err != nil {
		return nil, 0, fmt.Errorf("parse runs: %w", err)
	}
	total := len(runs)
	if resp.Pagination != nil {
		total = resp.Pagination.Total
	}
	return runs, total, nil
}
