package server

import (
	"encoding/json"
	"time"

	"governor/internal/domain"
	"governor/internal/engine"
)

// Request payloads

type CreateTaskRequest struct {
	ID             *string        `json:"id,omitempty"`
	Name           string         `json:"name"`
	Channel        string         `json:"channel,omitempty" example:"execution"`
	Command        string         `json:"command" example:"rebalance"`
	Payload        map[string]any `json:"payload,omitempty"`
	CronExpression string         `json:"cron_expression,omitempty" example:"0 * * * *"`
	RunAt          *time.Time     `json:"run_at,omitempty" format:"date-time"`
	Priority       *int           `json:"priority,omitempty"`
	Active         *bool          `json:"is_active,omitempty"`
}

type PlaybookStepRequest struct {
	Channel  string         `json:"channel,omitempty"`
	Command  string         `json:"command"`
	Payload  map[string]any `json:"payload,omitempty"`
	Priority *int           `json:"priority,omitempty"`
}

type CreatePlaybookRequest struct {
	ID              *string               `json:"id,omitempty"`
	Name            string                `json:"name"`
	TriggerSpec     map[string]any        `json:"trigger_spec"`
	Steps           []PlaybookStepRequest `json:"steps"`
	CooldownSeconds int                   `json:"cooldown_seconds,omitempty" minimum:"0"`
	Active          *bool                 `json:"is_active,omitempty"`
}

type TogglePlaybookRequest struct {
	Active bool `json:"is_active"`
}

type TestTriggerRequest struct {
	TriggerSpec map[string]any `json:"trigger_spec"`
}

type DrawdownRequest struct {
	GlobalDrawdownPct float64    `json:"global_drawdown_pct" minimum:"0"`
	PnL1h             float64    `json:"pnl_1h,omitempty"`
	PnL24h            float64    `json:"pnl_24h,omitempty"`
	AsOf              *time.Time `json:"as_of,omitempty" format:"date-time"`
}

type AgentErrorsRequest struct {
	Agent        string  `json:"agent"`
	ErrorCount1h float64 `json:"error_count_1h" minimum:"0"`
}

// Responses

type TaskResponse struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Channel        string     `json:"channel"`
	Command        string     `json:"command"`
	Payload        any        `json:"payload"`
	CronExpression string     `json:"cron_expression,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	Priority       int        `json:"priority"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
}

type PlaybookStepResponse struct {
	Channel  string `json:"channel,omitempty"`
	Command  string `json:"command"`
	Payload  any    `json:"payload,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}

type PlaybookResponse struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	TriggerSpec     any                    `json:"trigger_spec"`
	Steps           []PlaybookStepResponse `json:"steps"`
	CooldownSeconds int                    `json:"cooldown_seconds"`
	LastTriggeredAt *time.Time             `json:"last_triggered_at,omitempty"`
	State           string                 `json:"state" enum:"armed,cooling"`
	IsActive        bool                   `json:"is_active"`
	CreatedAt       time.Time              `json:"created_at"`
}

type CommandResponse struct {
	ID        int64     `json:"id"`
	Channel   string    `json:"channel"`
	Command   string    `json:"command"`
	Payload   any       `json:"payload"`
	Status    string    `json:"status" enum:"queued,dispatched,failed"`
	Priority  int       `json:"priority"`
	IssuedBy  string    `json:"issued_by"`
	CreatedAt time.Time `json:"created_at"`
}

type KPIResponse struct {
	Day         string  `json:"day" format:"date"`
	WinRate     float64 `json:"win_rate"`
	AvgGain     float64 `json:"avg_gain"`
	AvgLoss     float64 `json:"avg_loss"`
	RRRatio     float64 `json:"rr_ratio"`
	TradesCount int     `json:"trades_count"`
	PnLDaily    float64 `json:"pnl_daily"`
	Notes       string  `json:"notes,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type TickResponse struct {
	Status string `json:"status" enum:"ok,degraded"`
	Error  string `json:"error,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type (
	TriggerResultResponse = engine.TriggerResult
	PortfolioResponse     = domain.PortfolioReading
	AgentErrorsResponse   = domain.AgentErrors
)

func taskResponse(t domain.ScheduledTask) TaskResponse {
	resp := TaskResponse{
		ID:        t.ID,
		Name:      t.Name,
		Channel:   t.Channel,
		Command:   t.Command,
		Payload:   decodeRaw(t.Payload),
		NextRunAt: t.NextRunAt,
		LastRunAt: t.LastRunAt,
		Priority:  t.Priority,
		IsActive:  t.IsActive,
		CreatedAt: t.CreatedAt,
	}
	if t.CronExpression != nil {
		resp.CronExpression = *t.CronExpression
	}
	return resp
}

func playbookResponse(p domain.Playbook, state string) PlaybookResponse {
	steps := make([]PlaybookStepResponse, 0, len(p.Steps))
	for _, s := range p.Steps {
		steps = append(steps, PlaybookStepResponse{Channel: s.Channel, Command: s.Command, Payload: decodeRaw(s.Payload), Priority: s.Priority})
	}
	return PlaybookResponse{
		ID:              p.ID,
		Name:            p.Name,
		TriggerSpec:     decodeRaw(p.TriggerSpec),
		Steps:           steps,
		CooldownSeconds: p.CooldownSeconds,
		LastTriggeredAt: p.LastTriggeredAt,
		State:           state,
		IsActive:        p.IsActive,
		CreatedAt:       p.CreatedAt,
	}
}

func commandResponse(c domain.Command) CommandResponse {
	return CommandResponse{
		ID:        c.ID,
		Channel:   c.Channel,
		Command:   c.Command,
		Payload:   decodeRaw(c.Payload),
		Status:    c.Status,
		Priority:  c.Priority,
		IssuedBy:  c.IssuedBy,
		CreatedAt: c.CreatedAt,
	}
}

func kpiResponse(k domain.DailyLearningKPI) KPIResponse {
	return KPIResponse{
		Day:         k.Day.Format(time.DateOnly),
		WinRate:     k.WinRate,
		AvgGain:     k.AvgGain,
		AvgLoss:     k.AvgLoss,
		RRRatio:     k.RRRatio,
		TradesCount: k.TradesCount,
		PnLDaily:    k.PnLDaily,
		Notes:       k.Notes,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	_ = json.Unmarshal([]byte(e.Payload), &payload)
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func decodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// encodeObject turns a decoded request object back into raw JSON; nil stays nil.
func encodeObject(v map[string]any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
