package governance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"governor/internal/domain"
)

// PlaybookState is Armed once the cooldown has elapsed and Cooling before.
type PlaybookState string

const (
	Armed   PlaybookState = "armed"
	Cooling PlaybookState = "cooling"
)

// StateAt derives the playbook state purely from wall-clock time.
func StateAt(p domain.Playbook, now time.Time) PlaybookState {
	if p.LastTriggeredAt == nil {
		return Armed
	}
	cooldown := time.Duration(p.CooldownSeconds) * time.Second
	if now.Sub(*p.LastTriggeredAt) < cooldown {
		return Cooling
	}
	return Armed
}

// PlaybookRunner fires active playbooks whose trigger holds.
type PlaybookRunner struct {
	Playbooks PlaybookStore
	Evaluator Evaluator
	Emitter   Emitter
	Now       func() time.Time
	Log       *zap.Logger
	Metrics   *Metrics
}

// Run evaluates every active playbook once. A failure in one playbook is
// logged and does not stop the others.
func (r PlaybookRunner) Run(ctx context.Context) error {
	playbooks, err := r.Playbooks.ListActivePlaybooks(ctx)
	if err != nil {
		return fmt.Errorf("list active playbooks: %w", err)
	}
	for _, p := range playbooks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runOne(ctx, p); err != nil {
			orNop(r.Log).Error("playbook failed", zap.String("playbook", p.Name), zap.String("playbook_id", p.ID), zap.Error(err))
		}
	}
	return nil
}

func (r PlaybookRunner) runOne(ctx context.Context, p domain.Playbook) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	now := r.Now().UTC()
	if StateAt(p, now) == Cooling {
		return nil
	}
	if p.StepsErr != nil {
		return p.StepsErr
	}
	trig, err := ParseTrigger(p.TriggerSpec)
	if err != nil {
		return fmt.Errorf("trigger spec: %w", err)
	}
	if !r.Evaluator.Evaluate(ctx, trig) {
		return nil
	}
	steps, err := resolveSteps(p.Steps)
	if err != nil {
		return err
	}
	orNop(r.Log).Info("playbook triggered", zap.String("playbook", p.Name), zap.String("kind", trig.Kind()), zap.Int("steps", len(steps)))
	issuer := "playbook:" + p.Name
	for _, step := range steps {
		r.Emitter.Emit(ctx, step.Channel, step.Command, step.Payload, *step.Priority, issuer)
	}
	r.Metrics.playbookFired(p.Name)
	if err := r.Playbooks.UpdatePlaybookFired(ctx, p.ID, now); err != nil {
		return fmt.Errorf("record firing: %w", err)
	}
	return nil
}

// resolveSteps applies channel and priority defaults. Every step is checked
// before any is emitted so a bad step never leaves a partial firing behind.
func resolveSteps(steps []domain.PlaybookStep) ([]domain.PlaybookStep, error) {
	out := make([]domain.PlaybookStep, len(steps))
	for i, step := range steps {
		if step.Command == "" {
			return nil, fmt.Errorf("step %d has no command", i)
		}
		if step.Channel == "" {
			step.Channel = DefaultChannel
		}
		priority := DefaultPriority
		if step.Priority != nil {
			priority = *step.Priority
		}
		step.Priority = &priority
		out[i] = step
	}
	return out, nil
}
