package governance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"governor/internal/domain"
)

// SeedNote marks KPI rows inserted as placeholders; an external job fills in
// the real figures.
const SeedNote = "seed"

// Rollup guarantees one DailyLearningKPI row per UTC day.
type Rollup struct {
	KPIs KPIStore
	Now  func() time.Time
	Log  *zap.Logger
}

// Day truncates t to UTC midnight.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Run inserts today's seed row when absent. Existing rows are never touched.
func (r Rollup) Run(ctx context.Context) error {
	day := Day(r.Now())
	exists, err := r.KPIs.DailyKPIExists(ctx, day)
	if err != nil {
		return fmt.Errorf("check kpi %s: %w", day.Format(time.DateOnly), err)
	}
	if exists {
		return nil
	}
	if err := r.KPIs.InsertSeedKPI(ctx, domain.DailyLearningKPI{Day: day, Notes: SeedNote}); err != nil {
		return fmt.Errorf("seed kpi %s: %w", day.Format(time.DateOnly), err)
	}
	orNop(r.Log).Info("seeded daily kpi", zap.String("day", day.Format(time.DateOnly)))
	return nil
}
