// Package cometclient is the console's HTTP client for a comet's
// console-facing send endpoint. The console process never holds a
// bridge.Registry of its own — agents dial into comet, not console — so
// every SendMsg-shaped call from the console crosses this thin HTTP hop.
package cometclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one comet's /api/agents/send endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "http://comet-1:8080").
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// RemoteError is returned when comet answers with a non-2xx status,
// carrying the status code so callers can map it the way they map
// bridge.SendError kinds locally.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("cometclient: comet responded %d: %s", e.StatusCode, e.Body)
}

// SendMsg asks comet to route a request to the agent identified by ip/mac,
// returning the agent's raw JSON payload.
func (c *Client) SendMsg(ctx context.Context, ip, mac, kind string, payload any) (json.RawMessage, error) {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("cometclient: marshal payload: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"ip":      ip,
		"mac":     mac,
		"kind":    kind,
		"payload": json.RawMessage(rawPayload),
	})
	if err != nil {
		return nil, fmt.Errorf("cometclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/agents/send", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cometclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cometclient: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RemoteError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return json.RawMessage(respBody), nil
}
