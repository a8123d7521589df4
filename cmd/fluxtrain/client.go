package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultAPIURL = "http://127.0.0.1:8080/train"

// APIClient is a minimal JSON client for the daemon's HTTP API.
type APIClient struct {
	base   string
	client *http.Client
}

func NewAPIClient(f APIFlags) *APIClient {
	base := f.URL
	if base == "" {
		base = defaultAPIURL
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &APIClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// IsReachable probes the daemon's health endpoint.
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.base + "/healthz")
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}

func (c *APIClient) do(method, path string, body any) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("daemon: %s", e.Error)
		}
		return nil, fmt.Errorf("daemon: status %d", resp.StatusCode)
	}
	return data, nil
}

func (c *APIClient) Start() (json.RawMessage, error) {
	return c.do(http.MethodPost, "/start", nil)
}

func (c *APIClient) Stop(wait time.Duration) (json.RawMessage, error) {
	path := "/stop"
	if wait > 0 {
		path += "?wait=" + wait.String()
	}
	return c.do(http.MethodPost, path, nil)
}

func (c *APIClient) Status() (json.RawMessage, error) {
	return c.do(http.MethodGet, "/status", nil)
}

func (c *APIClient) Logs(n int) (json.RawMessage, error) {
	return c.do(http.MethodGet, fmt.Sprintf("/logs?n=%d", n), nil)
}
