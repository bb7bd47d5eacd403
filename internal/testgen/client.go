// Package testgen is the HTTP client for the external test-suite
// generation backend. Suites are generated and executed remotely; this
// package only transports requests and reports, persistence stays in the
// db package.
package testgen

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

	"github.com/ldi/sprintdeck/pkg/models"
)

// Generation can take a while; the backend streams nothing, so the whole
// request has to fit in one timeout.
const requestTimeout = 120 * time.Second

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// GenerateRequest describes the suite to generate.
type GenerateRequest struct {
	UserStory string `json:"user_story"`
	Component string `json:"component,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Format    string `json:"format,omitempty"`
	Count     int    `json:"count,omitempty"`
}

// Suite is the backend's view of a generated test suite.
type Suite struct {
	ID         string          `json:"id"`
	UserStory  string          `json:"user_story"`
	Component  string          `json:"component"`
	Priority   string          `json:"priority"`
	Format     string          `json:"format"`
	TotalCases int             `json:"total_cases"`
	Cases      json.RawMessage `json:"cases,omitempty"`
	CreatedAt  string          `json:"created_at,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend returned %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Generate asks the backend to generate a new suite.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*Suite, error) {
	if strings.TrimSpace(req.UserStory) == "" {
		return nil, fmt.Errorf("user story is required")
	}
	var suite Suite
	if err := c.do(ctx, http.MethodPost, "/api/generate", req, &suite); err != nil {
		return nil, err
	}
	return &suite, nil
}

// GetSuite fetches one suite by its backend id.
func (c *Client) GetSuite(ctx context.Context, id string) (*Suite, error) {
	var suite Suite
	if err := c.do(ctx, http.MethodGet, "/api/suites/"+url.PathEscape(id), nil, &suite); err != nil {
		return nil, err
	}
	return &suite, nil
}

// ListSuites fetches every suite the backend knows about.
func (c *Client) ListSuites(ctx context.Context) ([]*Suite, error) {
	var suites []*Suite
	if err := c.do(ctx, http.MethodGet, "/api/suites", nil, &suites); err != nil {
		return nil, err
	}
	return suites, nil
}

// DeleteSuite removes a suite from the backend.
func (c *Client) DeleteSuite(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/suites/"+url.PathEscape(id), nil, nil)
}

// ExportSuite downloads a suite in the given format and returns the bytes
// together with the reported content type.
func (c *Client) ExportSuite(ctx context.Context, id, format string) ([]byte, string, error) {
	path := "/api/suites/" + url.PathEscape(id) + "/export"
	if format != "" {
		path += "?format=" + url.QueryEscape(format)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", fmt.Errorf("backend returned %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read export: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// RunRequest points a suite execution at a repository.
type RunRequest struct {
	Repo     string `json:"repo,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

// RunSuite dispatches a suite for execution and returns the initial run
// state as reported by the backend.
func (c *Client) RunSuite(ctx context.Context, id string, req RunRequest) (*models.RunPayload, error) {
	var payload models.RunPayload
	if err := c.do(ctx, http.MethodPost, "/api/suites/"+url.PathEscape(id)+"/run", req, &payload); err != nil {
		return nil, err
	}
	if payload.Repo == "" {
		payload.Repo = req.Repo
	}
	if payload.FilePath == "" {
		payload.FilePath = req.FilePath
	}
	return &payload, nil
}

// RunStatus fetches the current state of a dispatched run.
func (c *Client) RunStatus(ctx context.Context, runID string) (*models.RunPayload, error) {
	var payload models.RunPayload
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID), nil, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
