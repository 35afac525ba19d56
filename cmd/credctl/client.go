package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// client is a thin HTTP client for the credbroker REST API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(opts *rootOptions) *client {
	return &client{
		baseURL: strings.TrimRight(opts.server, "/"),
		apiKey:  opts.apiKey,
		http:    &http.Client{Timeout: opts.timeout},
	}
}

// do sends a request and returns the body of a 2xx response. Other statuses
// become errors carrying the server's error code and artifact.
func (c *client) do(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	var apiErr struct {
		Error    string `json:"error"`
		Code     string `json:"code"`
		Artifact string `json:"artifact"`
	}
	if json.Unmarshal(body, &apiErr) != nil || apiErr.Error == "" {
		return nil, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	msg := fmt.Sprintf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, apiErr.Error)
	if apiErr.Code != "" {
		msg += " [" + apiErr.Code + "]"
	}
	if apiErr.Artifact != "" {
		msg += " (artifact: " + apiErr.Artifact + ")"
	}
	return nil, fmt.Errorf("%s", msg)
}
