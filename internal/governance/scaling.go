package governance

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"governor/internal/config"
)

// Scaling commands and the issuer they carry.
const (
	CommandSetAllocation = "set-allocation"
	CommandRebalance     = "rebalance"
	CommandKillSwitch    = "kill-switch"
	CommandSetRisk       = "set-risk"

	ScalingIssuer = "scaling"
)

const recentKPIWindow = 5

// ScalingPolicy holds the thresholds the scaling engine applies.
type ScalingPolicy struct {
	StepUpWinRate     float64
	StepUpRRRatio     float64
	StepUpMaxDrawdown float64
	StepUpDeltaPct    float64
	ReduceDrawdown    float64
	ReduceLeverage    float64
	KillDrawdown      float64
}

// DefaultScalingPolicy: step up at 55% wins with 1.5 reward/risk under 3%
// drawdown; halve leverage at 4%; flatten and kill live trading at 6%.
func DefaultScalingPolicy() ScalingPolicy {
	return ScalingPolicy{
		StepUpWinRate:     0.55,
		StepUpRRRatio:     1.5,
		StepUpMaxDrawdown: 0.03,
		StepUpDeltaPct:    0.01,
		ReduceDrawdown:    0.04,
		ReduceLeverage:    0.5,
		KillDrawdown:      0.06,
	}
}

// PolicyFromConfig maps the scaling section, falling back to the default for
// any zero threshold.
func PolicyFromConfig(s config.Scaling) ScalingPolicy {
	p := DefaultScalingPolicy()
	set := func(dst *float64, v float64) {
		if v > 0 {
			*dst = v
		}
	}
	set(&p.StepUpWinRate, s.StepUpWinRate)
	set(&p.StepUpRRRatio, s.StepUpRRRatio)
	set(&p.StepUpMaxDrawdown, s.StepUpMaxDrawdown)
	set(&p.StepUpDeltaPct, s.StepUpDeltaPct)
	set(&p.ReduceDrawdown, s.ReduceDrawdown)
	set(&p.ReduceLeverage, s.ReduceLeverage)
	set(&p.KillDrawdown, s.KillDrawdown)
	return p
}

// Scaler adjusts allocation and risk from recent KPIs and the latest drawdown.
type Scaler struct {
	KPIs    KPIStore
	Metrics MetricsStore
	Emitter Emitter
	Policy  ScalingPolicy
	Log     *zap.Logger
	Gauges  *Metrics
}

// Run applies the step-up rule and then the drawdown bands. The two are
// independent and may both emit in one tick.
func (s Scaler) Run(ctx context.Context) error {
	kpis, err := s.KPIs.RecentKPIs(ctx, recentKPIWindow)
	if err != nil {
		return fmt.Errorf("recent kpis: %w", err)
	}
	latest, err := s.Metrics.LatestPortfolio(ctx)
	if err != nil {
		return fmt.Errorf("latest drawdown: %w", err)
	}
	var drawdown float64
	if latest != nil {
		drawdown = latest.GlobalDrawdownPct
	}
	s.Gauges.setDrawdown(drawdown)
	p := s.Policy

	if len(kpis) > 0 {
		k := kpis[0]
		if k.WinRate >= p.StepUpWinRate && k.RRRatio >= p.StepUpRRRatio && drawdown < p.StepUpMaxDrawdown {
			s.emit(ctx, CommandSetAllocation, map[string]any{
				"mode":      "step-up",
				"target":    "canary_best",
				"delta_pct": p.StepUpDeltaPct,
			}, 50)
		}
	}

	switch {
	case drawdown >= p.KillDrawdown:
		s.emit(ctx, CommandRebalance, map[string]any{"targets": map[string]float64{"CASH": 1.0}}, 200)
		s.emit(ctx, CommandKillSwitch, map[string]any{
			"module": "LIVE_TRADING",
			"active": true,
			"reason": fmt.Sprintf("DD>=%.4g%%", p.KillDrawdown*100),
		}, 200)
	case drawdown >= p.ReduceDrawdown:
		s.emit(ctx, CommandSetRisk, map[string]any{"leverage": p.ReduceLeverage}, 150)
	default:
		orNop(s.Log).Debug("drawdown within limits", zap.Float64("drawdown", drawdown))
	}
	return nil
}

func (s Scaler) emit(ctx context.Context, command string, payload map[string]any, priority int) {
	s.Emitter.Emit(ctx, DefaultChannel, command, mustJSON(payload), priority, ScalingIssuer)
}
