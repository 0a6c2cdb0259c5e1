package governance

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"governor/internal/domain"
)

func TestParseTrigger(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Trigger
	}{
		{"metric", `{"kind":"metric","name":"global_drawdown_pct","op":">=","value":0.05}`, MetricTrigger{Name: "global_drawdown_pct", Op: OpGE, Value: 0.05}},
		{"word op and string value", `{"kind":"metric","name":"pnl_1h","op":"lt","value":"-250.5"}`, MetricTrigger{Name: "pnl_1h", Op: OpLT, Value: -250.5}},
		{"agent errors", `{"kind":"agent_errors","agent":"executor","op":">","value":10}`, AgentErrorTrigger{Agent: "executor", Op: OpGT, Value: 10}},
		{"unknown kind", `{"kind":"weather","op":">","value":1}`, UnknownTrigger{RawKind: "weather"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseTrigger(json.RawMessage(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseTriggerErrors(t *testing.T) {
	for _, raw := range []string{
		``,
		`not json`,
		`{"kind":"metric","name":"global_drawdown_pct","op":"~","value":1}`,
		`{"kind":"metric","op":">","value":1}`,
		`{"kind":"agent_errors","op":">","value":1}`,
		`{"kind":"metric","name":"pnl_1h","op":">"}`,
		`{"kind":"metric","name":"pnl_1h","op":">","value":"lots"}`,
	} {
		_, err := ParseTrigger(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}

func TestMarshalTriggerRoundTrip(t *testing.T) {
	in := AgentErrorTrigger{Agent: "router", Op: OpNE, Value: 3}
	raw, err := MarshalTrigger(in)
	require.NoError(t, err)
	out, err := ParseTrigger(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = MarshalTrigger(UnknownTrigger{RawKind: "x"})
	assert.Error(t, err)
}

func TestOpCompareIsExact(t *testing.T) {
	assert.True(t, OpEQ.Compare(0.1+0.2, 0.1+0.2))
	assert.False(t, OpEQ.Compare(0.1+0.2, 0.3))
	assert.True(t, OpNE.Compare(0.1+0.2, 0.3))
	assert.True(t, OpLE.Compare(1, 1))
	assert.False(t, OpLT.Compare(1, 1))
	assert.False(t, Op("??").Compare(1, 1))
}

func TestEvaluatorReadsStore(t *testing.T) {
	store := newMemStore()
	e := Evaluator{Metrics: store}
	ctx := context.Background()

	// No reading yet counts as zero.
	assert.True(t, e.Evaluate(ctx, MetricTrigger{Name: MetricGlobalDrawdown, Op: OpEQ, Value: 0}))

	store.mu.Lock()
	store.portfolio = &domain.PortfolioReading{GlobalDrawdownPct: 0.04, PnL1h: -120, PnL24h: 900}
	store.agentErrors["executor"] = 12
	store.mu.Unlock()

	assert.True(t, e.Evaluate(ctx, MetricTrigger{Name: MetricGlobalDrawdown, Op: OpGT, Value: 0.03}))
	assert.True(t, e.Evaluate(ctx, MetricTrigger{Name: "drawdown_global_pct", Op: OpLT, Value: 0.05}))
	assert.True(t, e.Evaluate(ctx, MetricTrigger{Name: MetricPnL1h, Op: OpLT, Value: -100}))
	assert.False(t, e.Evaluate(ctx, MetricTrigger{Name: MetricPnL24h, Op: OpLT, Value: 0}))
	assert.True(t, e.Evaluate(ctx, AgentErrorTrigger{Agent: "executor", Op: OpGE, Value: 12}))
	assert.True(t, e.Evaluate(ctx, AgentErrorTrigger{Agent: "missing", Op: OpEQ, Value: 0}))
	assert.False(t, e.Evaluate(ctx, UnknownTrigger{RawKind: "weather"}))
	assert.False(t, e.Evaluate(ctx, MetricTrigger{Name: "sharpe", Op: OpGT, Value: -1}))
	assert.False(t, e.Evaluate(ctx, nil))

	ok, value, err := e.Observe(ctx, MetricTrigger{Name: MetricPnL24h, Op: OpGT, Value: 500})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 900.0, value)
}

type panickyMetrics struct{}

func (panickyMetrics) LatestPortfolio(context.Context) (*domain.PortfolioReading, error) {
	panic("boom")
}

func (panickyMetrics) AgentErrorCount(context.Context, string) (float64, error) {
	panic("boom")
}

func TestEvaluatorFailsClosed(t *testing.T) {
	store := newMemStore()
	store.failPortfolio = true
	ctx := context.Background()

	e := Evaluator{Metrics: store}
	assert.False(t, e.Evaluate(ctx, MetricTrigger{Name: MetricGlobalDrawdown, Op: OpGE, Value: 0}))
	assert.False(t, e.Evaluate(ctx, AgentErrorTrigger{Agent: "a", Op: OpGE, Value: 0}))

	p := Evaluator{Metrics: panickyMetrics{}}
	assert.NotPanics(t, func() {
		assert.False(t, p.Evaluate(ctx, MetricTrigger{Name: MetricGlobalDrawdown, Op: OpGE, Value: 0}))
	})
}

func TestValidateTrigger(t *testing.T) {
	assert.NoError(t, ValidateTrigger(MetricTrigger{Name: MetricPnL24h, Op: OpGT}))
	assert.NoError(t, ValidateTrigger(AgentErrorTrigger{Agent: "a", Op: OpGT}))
	assert.Error(t, ValidateTrigger(MetricTrigger{Name: "sharpe", Op: OpGT}))
	assert.Error(t, ValidateTrigger(UnknownTrigger{RawKind: "weather"}))
}
