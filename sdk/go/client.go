package warroomsdk

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

// Client is a minimal Warroom HTTP API client.
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

// Activation represents one playbook run.
type Activation struct {
	ID        string `json:"id"`
	Scenario  string `json:"scenario"`
	Severity  string `json:"severity"`
	RuleID    string `json:"rule_id"`
	Status    string `json:"status"`
	Context   string `json:"context,omitempty"`
	CreatedAt string `json:"created_at"`
}

// PlanTask is one task of an activation plan, keyed within the plan.
type PlanTask struct {
	Key              string   `json:"key"`
	Title            string   `json:"title"`
	AssignedRole     string   `json:"assigned_role,omitempty"`
	EstimateMinutes  int      `json:"estimate_minutes,omitempty"`
	Priority         int      `json:"priority,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
	DependsOn        []string `json:"depends_on,omitempty"`
}

type PlanPhase struct {
	Name          string     `json:"name"`
	WindowMinutes int        `json:"window_minutes,omitempty"`
	Tasks         []PlanTask `json:"tasks"`
}

type Plan struct {
	Name    string      `json:"name"`
	OwnerID string      `json:"owner_id,omitempty"`
	Phases  []PlanPhase `json:"phases"`
}

// Task represents the API task model.
type Task struct {
	ID           string   `json:"id"`
	ActivationID string   `json:"activation_id"`
	Title        string   `json:"title"`
	Status       string   `json:"status"`
	DependsOn    []string `json:"depends_on,omitempty"`
}

// Job represents a durable queue entry.
type Job struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	ActivationID string `json:"activation_id"`
	State        string `json:"state"`
	Attempts     int    `json:"attempts"`
	MaxAttempts  int    `json:"max_attempts"`
}

// Approval represents an approval record.
type Approval struct {
	ID           string `json:"id"`
	ActivationID string `json:"activation_id"`
	ApproverID   string `json:"approver_id"`
	AmountCents  int64  `json:"amount_cents"`
	CreatedAt    string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts"`
	Type         string `json:"type"`
	ActivationID string `json:"activation_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Activate starts a playbook run, optionally with an execution plan.
func (c *Client) Activate(ctx context.Context, scenario, severity, contextNote string, plan *Plan) (Activation, error) {
	body := map[string]any{
		"scenario": scenario,
		"severity": severity,
	}
	if contextNote != "" {
		body["context"] = contextNote
	}
	if plan != nil {
		body["plan"] = plan
	}
	var resp Activation
	err := c.do(ctx, http.MethodPost, "v0/activations", body, &resp)
	return resp, err
}

// Acknowledge records a stakeholder ack; reports whether it was the first.
func (c *Client) Acknowledge(ctx context.Context, activationID, stakeholderID, channel string) (bool, error) {
	body := map[string]any{"stakeholder_id": stakeholderID}
	if channel != "" {
		body["channel"] = channel
	}
	var resp struct {
		First bool `json:"first"`
	}
	endpoint := fmt.Sprintf("v0/activations/%s/ack", url.PathEscape(activationID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.First, err
}

// Abort cancels an activation.
func (c *Client) Abort(ctx context.Context, activationID, reason string) (Activation, error) {
	var resp Activation
	endpoint := fmt.Sprintf("v0/activations/%s/abort", url.PathEscape(activationID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Tasks lists the plan tasks of an activation.
func (c *Client) Tasks(ctx context.Context, activationID string) ([]Task, error) {
	var resp []Task
	endpoint := fmt.Sprintf("v0/activations/%s/tasks", url.PathEscape(activationID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StartTask moves a ready task to in_progress.
func (c *Client) StartTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/start", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CompleteTask moves an in-progress task to done.
func (c *Client) CompleteTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/done", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RecordApproval records an approval against an activation.
func (c *Client) RecordApproval(ctx context.Context, activationID, approverID string, amountCents int64, note string) (Approval, error) {
	body := map[string]any{
		"approver_id":  approverID,
		"amount_cents": amountCents,
	}
	if note != "" {
		body["note"] = note
	}
	var resp Approval
	endpoint := fmt.Sprintf("v0/activations/%s/approvals", url.PathEscape(activationID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Jobs lists queue jobs, optionally filtered by activation and state.
func (c *Client) Jobs(ctx context.Context, activationID, state string) ([]Job, error) {
	endpoint := "v0/jobs"
	params := url.Values{}
	if activationID != "" {
		params.Set("activation_id", activationID)
	}
	if state != "" {
		params.Set("state", state)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Job
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResolveJob marks a failed job resolved.
func (c *Client) ResolveJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	endpoint := fmt.Sprintf("v0/jobs/%s/resolve", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, activationID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if activationID != "" {
		params.Set("activation_id", activationID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
