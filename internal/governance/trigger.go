package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"governor/internal/domain"
)

// Op is a numeric comparison operator.
type Op string

const (
	OpGT Op = ">"
	OpGE Op = ">="
	OpLT Op = "<"
	OpLE Op = "<="
	OpEQ Op = "=="
	OpNE Op = "!="
)

var opAliases = map[string]Op{
	">": OpGT, "gt": OpGT,
	">=": OpGE, "gte": OpGE,
	"<": OpLT, "lt": OpLT,
	"<=": OpLE, "lte": OpLE,
	"==": OpEQ, "eq": OpEQ,
	"!=": OpNE, "ne": OpNE,
}

// ParseOp accepts the symbolic operators and their word aliases.
func ParseOp(s string) (Op, error) {
	if op, ok := opAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return op, nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// Compare applies the operator; equality is exact.
func (o Op) Compare(a, b float64) bool {
	switch o {
	case OpGT:
		return a > b
	case OpGE:
		return a >= b
	case OpLT:
		return a < b
	case OpLE:
		return a <= b
	case OpEQ:
		return a == b
	case OpNE:
		return a != b
	}
	return false
}

// Metric names readable by a MetricTrigger.
const (
	MetricGlobalDrawdown = "global_drawdown_pct"
	MetricPnL1h          = "pnl_1h"
	MetricPnL24h         = "pnl_24h"
)

// Trigger is the closed set of playbook conditions: MetricTrigger,
// AgentErrorTrigger and UnknownTrigger.
type Trigger interface {
	Kind() string
	trigger()
}

type MetricTrigger struct {
	Name  string
	Op    Op
	Value float64
}

type AgentErrorTrigger struct {
	Agent string
	Op    Op
	Value float64
}

// UnknownTrigger holds a kind this build does not understand. It never fires.
type UnknownTrigger struct {
	RawKind string
}

func (MetricTrigger) Kind() string     { return "metric" }
func (AgentErrorTrigger) Kind() string { return "agent_errors" }
func (u UnknownTrigger) Kind() string  { return u.RawKind }

func (MetricTrigger) trigger()     {}
func (AgentErrorTrigger) trigger() {}
func (UnknownTrigger) trigger()    {}

type triggerWire struct {
	Kind  string          `json:"kind"`
	Name  string          `json:"name,omitempty"`
	Agent string          `json:"agent,omitempty"`
	Op    string          `json:"op"`
	Value json.RawMessage `json:"value"`
}

// ParseTrigger decodes a stored trigger_spec. Unknown kinds decode to
// UnknownTrigger without error.
func ParseTrigger(raw json.RawMessage) (Trigger, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty trigger spec")
	}
	var w triggerWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("invalid trigger spec: %w", err)
	}
	switch w.Kind {
	case "metric", "agent_errors":
	default:
		return UnknownTrigger{RawKind: w.Kind}, nil
	}
	op, err := ParseOp(w.Op)
	if err != nil {
		return nil, err
	}
	value, err := parseNumber(w.Value)
	if err != nil {
		return nil, fmt.Errorf("trigger value: %w", err)
	}
	if w.Kind == "metric" {
		if w.Name == "" {
			return nil, errors.New("metric trigger requires name")
		}
		return MetricTrigger{Name: w.Name, Op: op, Value: value}, nil
	}
	if w.Agent == "" {
		return nil, errors.New("agent_errors trigger requires agent")
	}
	return AgentErrorTrigger{Agent: w.Agent, Op: op, Value: value}, nil
}

// MarshalTrigger encodes t in the stored wire form.
func MarshalTrigger(t Trigger) (json.RawMessage, error) {
	switch t := t.(type) {
	case MetricTrigger:
		return json.Marshal(map[string]any{"kind": t.Kind(), "name": t.Name, "op": string(t.Op), "value": t.Value})
	case AgentErrorTrigger:
		return json.Marshal(map[string]any{"kind": t.Kind(), "agent": t.Agent, "op": string(t.Op), "value": t.Value})
	case UnknownTrigger:
		return nil, fmt.Errorf("unknown trigger kind %q", t.RawKind)
	}
	return nil, fmt.Errorf("unsupported trigger %T", t)
}

// parseNumber accepts a JSON number or a numeric string.
func parseNumber(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("value is required")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("value %s is not a number", raw)
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// Evaluator checks triggers against the metrics store.
type Evaluator struct {
	Metrics MetricsStore
	Log     *zap.Logger
}

// Evaluate reports whether t holds right now. Any failure evaluates to false.
func (e Evaluator) Evaluate(ctx context.Context, t Trigger) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			orNop(e.Log).Error("trigger evaluation panicked", zap.Any("panic", r))
			ok = false
		}
	}()
	ok, _, err := e.Observe(ctx, t)
	if err != nil {
		orNop(e.Log).Warn("trigger evaluation failed", zap.String("kind", kindOf(t)), zap.Error(err))
		return false
	}
	return ok
}

// Observe evaluates t and also returns the value it compared.
func (e Evaluator) Observe(ctx context.Context, t Trigger) (bool, float64, error) {
	switch t := t.(type) {
	case MetricTrigger:
		current, err := e.metric(ctx, t.Name)
		if err != nil {
			return false, 0, err
		}
		return t.Op.Compare(current, t.Value), current, nil
	case AgentErrorTrigger:
		if t.Agent == "" {
			return false, 0, errors.New("agent_errors trigger missing agent")
		}
		current, err := e.Metrics.AgentErrorCount(ctx, t.Agent)
		if err != nil {
			return false, 0, fmt.Errorf("agent %s errors: %w", t.Agent, err)
		}
		return t.Op.Compare(current, t.Value), current, nil
	case UnknownTrigger:
		return false, 0, nil
	case nil:
		return false, 0, errors.New("nil trigger")
	}
	return false, 0, fmt.Errorf("unsupported trigger %T", t)
}

func (e Evaluator) metric(ctx context.Context, name string) (float64, error) {
	var pick func(p domain.PortfolioReading) float64
	switch name {
	case MetricGlobalDrawdown, "drawdown_global_pct":
		pick = func(p domain.PortfolioReading) float64 { return p.GlobalDrawdownPct }
	case MetricPnL1h:
		pick = func(p domain.PortfolioReading) float64 { return p.PnL1h }
	case MetricPnL24h:
		pick = func(p domain.PortfolioReading) float64 { return p.PnL24h }
	default:
		return 0, fmt.Errorf("unknown metric %q", name)
	}
	latest, err := e.Metrics.LatestPortfolio(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest portfolio: %w", err)
	}
	if latest == nil {
		return 0, nil
	}
	return pick(*latest), nil
}

func kindOf(t Trigger) string {
	if t == nil {
		return ""
	}
	return t.Kind()
}

// ValidateTrigger rejects triggers that could never fire. ParseTrigger is
// lenient so stored specs keep loading; creation paths use this instead.
func ValidateTrigger(t Trigger) error {
	switch t := t.(type) {
	case MetricTrigger:
		switch t.Name {
		case MetricGlobalDrawdown, "drawdown_global_pct", MetricPnL1h, MetricPnL24h:
			return nil
		}
		return fmt.Errorf("unknown metric %q", t.Name)
	case AgentErrorTrigger:
		return nil
	case UnknownTrigger:
		return fmt.Errorf("unknown trigger kind %q", t.RawKind)
	}
	return fmt.Errorf("unsupported trigger %T", t)
}
