package domain

import (
	"encoding/json"
	"time"
)

// Command statuses. The governance core only ever writes CommandQueued;
// the other values belong to executors.
const (
	CommandQueued     = "queued"
	CommandDispatched = "dispatched"
	CommandFailed     = "failed"
)

type ScheduledTask struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Channel        string          `json:"channel"`
	Command        string          `json:"command"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CronExpression *string         `json:"cron_expression,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty" format:"date-time"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty" format:"date-time"`
	Priority       int             `json:"priority"`
	IsActive       bool            `json:"is_active"`
	CreatedAt      time.Time       `json:"created_at" format:"date-time"`
}

// OneShot reports whether the task fires exactly once.
func (t ScheduledTask) OneShot() bool {
	return t.CronExpression == nil || *t.CronExpression == ""
}

// TaskUpdate carries the optional fields the scheduler mutates.
type TaskUpdate struct {
	NextRunAt *time.Time
	LastRunAt *time.Time
	IsActive  *bool
}

type PlaybookStep struct {
	Channel  string          `json:"channel,omitempty"`
	Command  string          `json:"command"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority *int            `json:"priority,omitempty"`
}

type Playbook struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	TriggerSpec     json.RawMessage `json:"trigger_spec"`
	Steps           []PlaybookStep  `json:"steps"`
	CooldownSeconds int             `json:"cooldown_seconds"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at,omitempty" format:"date-time"`
	IsActive        bool            `json:"is_active"`
	CreatedAt       time.Time       `json:"created_at" format:"date-time"`
	// StepsErr holds the decode failure for a stored row whose steps_json
	// is malformed; Steps is empty in that case.
	StepsErr        error           `json:"-"`
}

type Command struct {
	ID        int64           `json:"id"`
	Channel   string          `json:"channel"`
	Command   string          `json:"command"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status" enum:"queued,dispatched,failed"`
	Priority  int             `json:"priority"`
	IssuedBy  string          `json:"issued_by"`
	CreatedAt time.Time       `json:"created_at" format:"date-time"`
}

type DailyLearningKPI struct {
	Day         time.Time `json:"day" format:"date"`
	WinRate     float64   `json:"win_rate"`
	AvgGain     float64   `json:"avg_gain"`
	AvgLoss     float64   `json:"avg_loss"`
	RRRatio     float64   `json:"rr_ratio"`
	TradesCount int       `json:"trades_count"`
	PnLDaily    float64   `json:"pnl_daily"`
	Notes       string    `json:"notes,omitempty"`
}

// PortfolioReading is one row of portfolio metrics; the newest row is the
// current drawdown.
type PortfolioReading struct {
	ID                int64     `json:"id"`
	GlobalDrawdownPct float64   `json:"global_drawdown_pct"`
	PnL1h             float64   `json:"pnl_1h"`
	PnL24h            float64   `json:"pnl_24h"`
	AsOf              time.Time `json:"as_of" format:"date-time"`
}

type AgentErrors struct {
	Agent        string    `json:"agent"`
	ErrorCount1h float64   `json:"error_count_1h"`
	UpdatedAt    time.Time `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
