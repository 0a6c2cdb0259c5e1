// Package governance runs the trading governance control loop: cron-driven
// tasks, trigger-gated playbooks, the daily KPI seed and drawdown-based
// scaling. All state lives behind Store; the loop keeps nothing in memory
// between ticks.
package governance

import (
	"context"
	"time"

	"governor/internal/domain"
)

type TaskStore interface {
	// DequeueDueTasks atomically claims active tasks with next_run_at <= now.
	DequeueDueTasks(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error)
	UpdateTask(ctx context.Context, id string, u domain.TaskUpdate) error
	ListSeedCandidateTasks(ctx context.Context) ([]domain.ScheduledTask, error)
}

type PlaybookStore interface {
	ListActivePlaybooks(ctx context.Context) ([]domain.Playbook, error)
	UpdatePlaybookFired(ctx context.Context, id string, at time.Time) error
}

type MetricsStore interface {
	// LatestPortfolio returns nil when no reading exists.
	LatestPortfolio(ctx context.Context) (*domain.PortfolioReading, error)
	AgentErrorCount(ctx context.Context, agent string) (float64, error)
}

type KPIStore interface {
	DailyKPIExists(ctx context.Context, day time.Time) (bool, error)
	InsertSeedKPI(ctx context.Context, k domain.DailyLearningKPI) error
	RecentKPIs(ctx context.Context, limit int) ([]domain.DailyLearningKPI, error)
}

type Outbox interface {
	EnqueueCommand(ctx context.Context, c domain.Command) error
}

// Store is everything the loop reads and writes.
type Store interface {
	TaskStore
	PlaybookStore
	MetricsStore
	KPIStore
	Outbox
}
