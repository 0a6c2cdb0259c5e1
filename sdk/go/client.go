package governorsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Governor admin API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL excludes the /v1 prefix.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task is a scheduled task as returned by the API.
type Task struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Channel        string         `json:"channel"`
	Command        string         `json:"command"`
	Payload        map[string]any `json:"payload"`
	CronExpression string         `json:"cron_expression,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	Priority       int            `json:"priority"`
	IsActive       bool           `json:"is_active"`
}

// TaskInput creates a task. An empty CronExpression makes a one-shot task
// firing at RunAt, or immediately when RunAt is nil.
type TaskInput struct {
	ID             string         `json:"id,omitempty"`
	Name           string         `json:"name"`
	Channel        string         `json:"channel,omitempty"`
	Command        string         `json:"command"`
	Payload        map[string]any `json:"payload,omitempty"`
	CronExpression string         `json:"cron_expression,omitempty"`
	RunAt          *time.Time     `json:"run_at,omitempty"`
	Priority       *int           `json:"priority,omitempty"`
}

type PlaybookStep struct {
	Channel  string         `json:"channel,omitempty"`
	Command  string         `json:"command"`
	Payload  map[string]any `json:"payload,omitempty"`
	Priority *int           `json:"priority,omitempty"`
}

// Trigger is the trigger_spec object. Kind is "metric" (with Name) or
// "agent_errors" (with Agent).
type Trigger struct {
	Kind  string  `json:"kind"`
	Name  string  `json:"name,omitempty"`
	Agent string  `json:"agent,omitempty"`
	Op    string  `json:"op"`
	Value float64 `json:"value"`
}

type PlaybookInput struct {
	ID              string         `json:"id,omitempty"`
	Name            string         `json:"name"`
	Trigger         Trigger        `json:"trigger_spec"`
	Steps           []PlaybookStep `json:"steps"`
	CooldownSeconds int            `json:"cooldown_seconds,omitempty"`
}

type Playbook struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Trigger         Trigger        `json:"trigger_spec"`
	Steps           []PlaybookStep `json:"steps"`
	CooldownSeconds int            `json:"cooldown_seconds"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty"`
	State           string         `json:"state"`
	IsActive        bool           `json:"is_active"`
}

// Command is one outbox row.
type Command struct {
	ID        int64          `json:"id"`
	Channel   string         `json:"channel"`
	Command   string         `json:"command"`
	Payload   map[string]any `json:"payload"`
	Status    string         `json:"status"`
	Priority  int            `json:"priority"`
	IssuedBy  string         `json:"issued_by"`
	CreatedAt time.Time      `json:"created_at"`
}

// CommandQuery filters ListCommands. Zero values mean any.
type CommandQuery struct {
	Status   string
	Channels []string
	IssuedBy string
	AfterID  int64
	Limit    int
}

type PortfolioReading struct {
	ID                int64     `json:"id,omitempty"`
	GlobalDrawdownPct float64   `json:"global_drawdown_pct"`
	PnL1h             float64   `json:"pnl_1h"`
	PnL24h            float64   `json:"pnl_24h"`
	AsOf              time.Time `json:"as_of,omitempty"`
}

type TriggerResult struct {
	Kind     string  `json:"kind"`
	Fired    bool    `json:"fired"`
	Observed float64 `json:"observed"`
	Error    string  `json:"error,omitempty"`
}

// TickResult reports a tick; Status is "degraded" when any phase failed.
type TickResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a scheduled task.
func (c *Client) CreateTask(ctx context.Context, in TaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

// SetTaskActive activates or deactivates a task.
func (c *Client) SetTaskActive(ctx context.Context, id string, active bool) (Task, error) {
	verb := "deactivate"
	if active {
		verb = "activate"
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/%s", url.PathEscape(id), verb), nil, &resp)
	return resp, err
}

// CreatePlaybook creates a playbook.
func (c *Client) CreatePlaybook(ctx context.Context, in PlaybookInput) (Playbook, error) {
	var resp Playbook
	err := c.do(ctx, http.MethodPost, "playbooks", in, &resp)
	return resp, err
}

// TestTrigger evaluates t against current metrics without firing anything.
func (c *Client) TestTrigger(ctx context.Context, t Trigger) (TriggerResult, error) {
	var resp TriggerResult
	err := c.do(ctx, http.MethodPost, "playbooks/test-trigger", map[string]any{"trigger_spec": t}, &resp)
	return resp, err
}

// ListCommands returns outbox rows in insertion order.
func (c *Client) ListCommands(ctx context.Context, q CommandQuery) ([]Command, error) {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if len(q.Channels) > 0 {
		v.Set("channel", strings.Join(q.Channels, ","))
	}
	if q.IssuedBy != "" {
		v.Set("issued_by", q.IssuedBy)
	}
	if q.AfterID > 0 {
		v.Set("after_id", strconv.FormatInt(q.AfterID, 10))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "commands"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp []Command
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RecordDrawdown appends a portfolio reading. A zero AsOf means now.
func (c *Client) RecordDrawdown(ctx context.Context, r PortfolioReading) (PortfolioReading, error) {
	body := map[string]any{
		"global_drawdown_pct": r.GlobalDrawdownPct,
		"pnl_1h":              r.PnL1h,
		"pnl_24h":             r.PnL24h,
	}
	if !r.AsOf.IsZero() {
		body["as_of"] = r.AsOf
	}
	var resp PortfolioReading
	err := c.do(ctx, http.MethodPost, "metrics/drawdown", body, &resp)
	return resp, err
}

// RecordAgentErrors sets an agent's rolling one-hour error count.
func (c *Client) RecordAgentErrors(ctx context.Context, agent string, count float64) error {
	return c.do(ctx, http.MethodPost, "metrics/agent-errors", map[string]any{"agent": agent, "error_count_1h": count}, nil)
}

// Tick runs one governance tick on the server.
func (c *Client) Tick(ctx context.Context) (TickResult, error) {
	var resp TickResult
	err := c.do(ctx, http.MethodPost, "governance/tick", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
