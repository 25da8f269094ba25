package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wardenhq/warden/control_plane/store"
)

// Client talks to the control plane write API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client for the given control plane.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// Register announces the agent to the control plane.
func (c *Client) Register(ctx context.Context, agent *store.Agent) error {
	return c.post(ctx, "/agents/register", agent)
}

// Heartbeat reports liveness and the current self-observed state.
func (c *Client) Heartbeat(ctx context.Context, hb *store.Heartbeat) error {
	return c.post(ctx, "/agents/heartbeat", hb)
}

// Metric reports one performance observation.
func (c *Client) Metric(ctx context.Context, m *store.PerformanceMetric) error {
	return c.post(ctx, "/agents/metric", m)
}

// Event reports an agent-side event into the audit trail.
func (c *Client) Event(ctx context.Context, e *store.SystemEvent) error {
	return c.post(ctx, "/agents/event", e)
}

// Deregister removes the agent from the registry.
func (c *Client) Deregister(ctx context.Context, agentID string) error {
	return c.post(ctx, "/agents/deregister", map[string]string{"agent_id": agentID})
}
