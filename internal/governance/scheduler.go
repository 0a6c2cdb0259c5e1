package governance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"governor/internal/domain"
)

// Scheduler fires due scheduled tasks and keeps next_run_at current.
type Scheduler struct {
	Tasks   TaskStore
	Emitter Emitter
	Now     func() time.Time
	Log     *zap.Logger
}

// Run fires every due task and seeds cron tasks that have no next run yet.
// It is safe to call on every tick.
func (s Scheduler) Run(ctx context.Context) error {
	now := s.Now().UTC()
	due, err := s.Tasks.DequeueDueTasks(ctx, now)
	if err != nil {
		return fmt.Errorf("dequeue due tasks: %w", err)
	}
	for _, t := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Emitter.Emit(ctx, t.Channel, t.Command, t.Payload, t.Priority, "scheduler:"+t.Name)
		s.reschedule(ctx, t, now)
	}
	return s.seed(ctx, now)
}

// reschedule records the firing. One-shot tasks and tasks whose cron no
// longer parses are deactivated so they cannot retrigger every tick.
func (s Scheduler) reschedule(ctx context.Context, t domain.ScheduledTask, now time.Time) {
	log := orNop(s.Log).With(zap.String("task", t.Name), zap.String("task_id", t.ID))
	u := domain.TaskUpdate{LastRunAt: &now}
	if t.OneShot() {
		u.IsActive = boolPtr(false)
		log.Info("one-shot task completed")
	} else if next, err := NextRun(*t.CronExpression, now); err != nil {
		u.IsActive = boolPtr(false)
		log.Warn("deactivating task with invalid cron", zap.String("cron", *t.CronExpression), zap.Error(err))
	} else {
		u.NextRunAt = &next
	}
	if err := s.Tasks.UpdateTask(ctx, t.ID, u); err != nil {
		log.Error("update task after firing failed", zap.Error(err))
	}
}

func (s Scheduler) seed(ctx context.Context, now time.Time) error {
	pending, err := s.Tasks.ListSeedCandidateTasks(ctx)
	if err != nil {
		return fmt.Errorf("list seed candidates: %w", err)
	}
	for _, t := range pending {
		if t.OneShot() {
			continue
		}
		log := orNop(s.Log).With(zap.String("task", t.Name), zap.String("task_id", t.ID))
		var u domain.TaskUpdate
		next, err := NextRun(*t.CronExpression, now)
		if err != nil {
			u.IsActive = boolPtr(false)
			log.Warn("deactivating task with invalid cron", zap.String("cron", *t.CronExpression), zap.Error(err))
		} else {
			u.NextRunAt = &next
			log.Debug("seeded next run", zap.Time("next_run_at", next))
		}
		if err := s.Tasks.UpdateTask(ctx, t.ID, u); err != nil {
			log.Error("seed task failed", zap.Error(err))
		}
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
