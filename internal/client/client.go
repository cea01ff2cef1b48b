// Package client talks to a running memgraph server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/lazypower/memgraph/internal/engine"
)

const (
	DefaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 10 * time.Second
)

// Client is a thin JSON client for the memgraph HTTP API.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty serverURL falls back to
// MEMGRAPH_URL, then DefaultServerURL.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("MEMGRAPH_URL")
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

// URL returns the server base URL.
func (c *Client) URL() string { return c.serverURL }

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// PushEvents posts events for ingestion.
func (c *Client) PushEvents(ctx context.Context, events []engine.BaseEvent) (*engine.ProcessingResult, error) {
	var res engine.ProcessingResult
	if err := c.do(ctx, http.MethodPost, "/api/events", events, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Query runs a natural-language query.
func (c *Client) Query(ctx context.Context, text, sessionID string) (*engine.QueryResult, error) {
	q := url.Values{"q": {text}}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	var res engine.QueryResult
	if err := c.do(ctx, http.MethodGet, "/api/query?"+q.Encode(), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Recommendations fetches contextual recommendations.
func (c *Client) Recommendations(ctx context.Context, sessionID, hint string, limit int) ([]engine.Recommendation, error) {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if hint != "" {
		q.Set("hint", hint)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var body struct {
		Recommendations []engine.Recommendation `json:"recommendations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/recommendations?"+q.Encode(), nil, &body); err != nil {
		return nil, err
	}
	return body.Recommendations, nil
}

// RecordInteraction reports a user interaction with a node.
func (c *Client) RecordInteraction(ctx context.Context, req engine.InteractionRequest) error {
	return c.do(ctx, http.MethodPost, "/api/interactions", req, nil)
}

// Context returns the rendered markdown context for a session.
func (c *Client) Context(ctx context.Context, sessionID string) (string, error) {
	var body struct {
		Context string `json:"context"`
	}
	path := "/api/context?" + url.Values{"session_id": {sessionID}}.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return "", err
	}
	return body.Context, nil
}

// StatusError is returned when the server answers with a 4xx or 5xx.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Msg    string
	Kind   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Msg)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		se := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Msg: string(data)}
		var apiErr struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			se.Msg, se.Kind = apiErr.Error, apiErr.Kind
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
