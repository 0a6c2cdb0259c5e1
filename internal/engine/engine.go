package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"governor/internal/config"
	"governor/internal/domain"
	"governor/internal/engine/auth"
	"governor/internal/events"
	"governor/internal/governance"
	"governor/internal/repo"
)

// Engine performs operator actions on governance entities. Every mutation is
// written together with its audit event in one transaction.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Config  *config.Config
	Now     func() time.Time
	Log     *zap.Logger
	Metrics *governance.Metrics
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Auth:   auth.Service{Config: cfg},
		Config: cfg,
		Now:    time.Now,
		Log:    zap.NewNop(),
	}
}

// ValidationError reports bad operator input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConflictError reports a uniqueness violation.
type ConflictError struct {
	Message string
}

func (e ConflictError) Error() string { return e.Message }

func invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// TaskCreateOptions are parameters for creating a scheduled task.
type TaskCreateOptions struct {
	ID             string
	Name           string
	Channel        string
	Command        string
	Payload        json.RawMessage
	CronExpression string
	// RunAt is the single firing time of a one-shot task; zero means now.
	RunAt    time.Time
	Priority *int
	Inactive bool
	ActorID  string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.ScheduledTask, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	opts.Command = strings.TrimSpace(opts.Command)
	opts.CronExpression = strings.TrimSpace(opts.CronExpression)
	if opts.Name == "" {
		return domain.ScheduledTask{}, invalid("name", "is required")
	}
	if opts.Command == "" {
		return domain.ScheduledTask{}, invalid("command", "is required")
	}
	payload, err := normalizePayload("payload", opts.Payload)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	now := e.now()
	t := domain.ScheduledTask{
		ID:        opts.ID,
		Name:      opts.Name,
		Channel:   opts.Channel,
		Command:   opts.Command,
		Payload:   payload,
		Priority:  governance.DefaultPriority,
		IsActive:  !opts.Inactive,
		CreatedAt: now,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Channel == "" {
		t.Channel = governance.DefaultChannel
	}
	if opts.Priority != nil {
		t.Priority = *opts.Priority
	}
	if opts.CronExpression != "" {
		next, err := governance.NextRun(opts.CronExpression, now)
		if err != nil {
			return domain.ScheduledTask{}, invalid("cron_expression", "%v", err)
		}
		expr := opts.CronExpression
		t.CronExpression = &expr
		t.NextRunAt = &next
	} else {
		runAt := opts.RunAt.UTC()
		if opts.RunAt.IsZero() {
			runAt = now
		}
		t.NextRunAt = &runAt
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.ScheduledTask{}, conflictOr(err, "task %s already exists", t.ID)
	}
	payloadEvt := events.EventPayload{"name": t.Name, "command": t.Command, "channel": t.Channel, "next_run_at": t.NextRunAt}
	if t.CronExpression != nil {
		payloadEvt["cron_expression"] = *t.CronExpression
	}
	if err := e.events().Append(ctx, tx, "task.created", "task", t.ID, opts.ActorID, payloadEvt); err != nil {
		return domain.ScheduledTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ScheduledTask{}, err
	}
	e.log().Info("task created", zap.String("task", t.Name), zap.String("task_id", t.ID), zap.Bool("one_shot", t.OneShot()))
	return t, nil
}

// SetTaskActive enables or disables a task. Enabling recomputes next_run_at
// from now: the next cron occurrence, or immediately for a one-shot task.
func (e Engine) SetTaskActive(ctx context.Context, id string, active bool, actorID string) (domain.ScheduledTask, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	next := t.NextRunAt
	if active {
		now := e.now()
		if t.OneShot() {
			next = &now
		} else {
			n, err := governance.NextRun(*t.CronExpression, now)
			if err != nil {
				return t, invalid("cron_expression", "%v", err)
			}
			next = &n
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTaskActive(ctx, tx, id, active, next); err != nil {
		return t, err
	}
	evt := "task.deactivated"
	if active {
		evt = "task.activated"
	}
	if err := e.events().Append(ctx, tx, evt, "task", id, actorID, events.EventPayload{"next_run_at": next}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.IsActive = active
	t.NextRunAt = next
	return t, nil
}

// PlaybookCreateOptions are parameters for creating a playbook.
type PlaybookCreateOptions struct {
	ID              string
	Name            string
	Trigger         json.RawMessage
	Steps           []domain.PlaybookStep
	CooldownSeconds int
	Inactive        bool
	ActorID         string
}

func (e Engine) CreatePlaybook(ctx context.Context, opts PlaybookCreateOptions) (domain.Playbook, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return domain.Playbook{}, invalid("name", "is required")
	}
	if opts.CooldownSeconds < 0 {
		return domain.Playbook{}, invalid("cooldown_seconds", "must be >= 0")
	}
	trig, err := governance.ParseTrigger(opts.Trigger)
	if err != nil {
		return domain.Playbook{}, invalid("trigger_spec", "%v", err)
	}
	if err := governance.ValidateTrigger(trig); err != nil {
		return domain.Playbook{}, invalid("trigger_spec", "%v", err)
	}
	spec, err := governance.MarshalTrigger(trig)
	if err != nil {
		return domain.Playbook{}, invalid("trigger_spec", "%v", err)
	}
	if len(opts.Steps) == 0 {
		return domain.Playbook{}, invalid("steps", "at least one step is required")
	}
	steps := make([]domain.PlaybookStep, len(opts.Steps))
	for i, s := range opts.Steps {
		s.Command = strings.TrimSpace(s.Command)
		if s.Command == "" {
			return domain.Playbook{}, invalid(fmt.Sprintf("steps[%d].command", i), "is required")
		}
		if s.Payload, err = normalizePayload(fmt.Sprintf("steps[%d].payload", i), s.Payload); err != nil {
			return domain.Playbook{}, err
		}
		steps[i] = s
	}
	p := domain.Playbook{
		ID:              opts.ID,
		Name:            opts.Name,
		TriggerSpec:     spec,
		Steps:           steps,
		CooldownSeconds: opts.CooldownSeconds,
		IsActive:        !opts.Inactive,
		CreatedAt:       e.now(),
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Playbook{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPlaybook(ctx, tx, p); err != nil {
		return domain.Playbook{}, conflictOr(err, "playbook %s already exists", p.Name)
	}
	if err := e.events().Append(ctx, tx, "playbook.created", "playbook", p.ID, opts.ActorID, events.EventPayload{
		"name": p.Name, "trigger_kind": trig.Kind(), "steps": len(p.Steps), "cooldown_seconds": p.CooldownSeconds,
	}); err != nil {
		return domain.Playbook{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Playbook{}, err
	}
	e.log().Info("playbook created", zap.String("playbook", p.Name), zap.String("playbook_id", p.ID), zap.String("kind", trig.Kind()))
	return p, nil
}

func (e Engine) TogglePlaybook(ctx context.Context, id string, active bool, actorID string) (domain.Playbook, error) {
	p, err := e.Repo.GetPlaybook(ctx, id)
	if err != nil {
		return p, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetPlaybookActive(ctx, tx, id, active, e.now()); err != nil {
		return p, err
	}
	if err := e.events().Append(ctx, tx, "playbook.toggled", "playbook", id, actorID, events.EventPayload{"is_active": active}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.IsActive = active
	return p, nil
}

// TriggerResult is a dry-run evaluation of a trigger spec.
type TriggerResult struct {
	Kind     string  `json:"kind"`
	Fired    bool    `json:"fired"`
	Observed float64 `json:"observed"`
	Error    string  `json:"error,omitempty"`
}

// TestTrigger evaluates raw against current metrics without emitting anything.
// Store failures are reported in the result and count as not fired.
func (e Engine) TestTrigger(ctx context.Context, raw json.RawMessage) (TriggerResult, error) {
	trig, err := governance.ParseTrigger(raw)
	if err != nil {
		return TriggerResult{}, invalid("trigger_spec", "%v", err)
	}
	if err := governance.ValidateTrigger(trig); err != nil {
		return TriggerResult{}, invalid("trigger_spec", "%v", err)
	}
	ev := governance.Evaluator{Metrics: e.Repo, Log: e.log()}
	fired, observed, err := ev.Observe(ctx, trig)
	res := TriggerResult{Kind: trig.Kind(), Fired: fired, Observed: observed}
	if err != nil {
		res.Fired = false
		res.Error = err.Error()
	}
	return res, nil
}

// TestPlaybookTrigger evaluates a stored playbook's trigger.
func (e Engine) TestPlaybookTrigger(ctx context.Context, id string) (TriggerResult, error) {
	p, err := e.Repo.GetPlaybook(ctx, id)
	if err != nil {
		return TriggerResult{}, err
	}
	return e.TestTrigger(ctx, p.TriggerSpec)
}

// RecordDrawdown appends a portfolio reading. AsOf defaults to now.
func (e Engine) RecordDrawdown(ctx context.Context, p domain.PortfolioReading) (domain.PortfolioReading, error) {
	for field, v := range map[string]float64{"global_drawdown_pct": p.GlobalDrawdownPct, "pnl_1h": p.PnL1h, "pnl_24h": p.PnL24h} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return p, invalid(field, "must be a finite number")
		}
	}
	if p.GlobalDrawdownPct < 0 {
		return p, invalid("global_drawdown_pct", "must be >= 0")
	}
	if p.AsOf.IsZero() {
		p.AsOf = e.now()
	}
	return e.Repo.InsertPortfolioReading(ctx, p)
}

// RecordAgentErrors replaces an agent's rolling one-hour error count.
func (e Engine) RecordAgentErrors(ctx context.Context, agent string, count float64) (domain.AgentErrors, error) {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return domain.AgentErrors{}, invalid("agent", "is required")
	}
	if count < 0 || math.IsNaN(count) || math.IsInf(count, 0) {
		return domain.AgentErrors{}, invalid("error_count_1h", "must be a finite number >= 0")
	}
	a := domain.AgentErrors{Agent: agent, ErrorCount1h: count, UpdatedAt: e.now()}
	if err := e.Repo.UpsertAgentErrors(ctx, a); err != nil {
		return a, err
	}
	return a, nil
}

// Service builds the governance loop over this engine's store and config.
func (e Engine) Service() *governance.Service {
	opts := governance.Options{}
	if e.Config != nil {
		opts = governance.OptionsFromConfig(e.Config)
	}
	opts.Now = e.Now
	opts.Log = e.log()
	opts.Metrics = e.Metrics
	return governance.NewService(e.Repo, opts)
}

// RunTick runs a single governance tick and records it in the event log.
func (e Engine) RunTick(ctx context.Context, actorID string) error {
	tickErr := e.Service().Tick(ctx)
	payload := events.EventPayload{}
	if tickErr != nil {
		payload["error"] = tickErr.Error()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Join(tickErr, err)
	}
	defer tx.Rollback()
	if err := e.events().Append(ctx, tx, "governance.tick", "governance", "", actorID, payload); err != nil {
		return errors.Join(tickErr, err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Join(tickErr, err)
	}
	return tickErr
}

// APIKeyPrefix marks generated keys so they are recognisable in config and logs.
const APIKeyPrefix = "gov_"

// CreateAPIKey issues a key for actorID. The plaintext key is returned once;
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, role string) (string, domain.APIKey, error) {
	if strings.TrimSpace(actorID) == "" {
		return "", domain.APIKey{}, invalid("actor_id", "is required")
	}
	if role == "" {
		role = "operator"
	}
	if err := e.Auth.EnsureRole(role); err != nil {
		return "", domain.APIKey{}, invalid("role", "%v", err)
	}
	plain := APIKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		Role:      role,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.events().Append(ctx, tx, "apikey.created", "api_key", key.ID, actorID, events.EventPayload{"role": role, "name": name}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// normalizePayload requires a JSON object and compacts it; empty becomes {}.
func normalizePayload(field string, raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return json.RawMessage(`{}`), nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, invalid(field, "must be a JSON object")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, invalid(field, "%v", err)
	}
	return buf.Bytes(), nil
}

func conflictOr(err error, format string, args ...any) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ConflictError{Message: fmt.Sprintf(format, args...)}
	}
	return err
}
