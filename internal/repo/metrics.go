package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"governor/internal/domain"
)

func (r Repo) InsertPortfolioReading(ctx context.Context, p domain.PortfolioReading) (domain.PortfolioReading, error) {
	if p.AsOf.IsZero() {
		p.AsOf = time.Now()
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO portfolio_metrics(global_drawdown_pct,pnl_1h,pnl_24h,as_of) VALUES (?,?,?,?)`,
		p.GlobalDrawdownPct, p.PnL1h, p.PnL24h, formatTime(p.AsOf))
	if err != nil {
		return p, fmt.Errorf("insert portfolio reading: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	p.AsOf = p.AsOf.UTC()
	return p, nil
}

// LatestPortfolio returns the newest portfolio reading, or nil when none exists.
func (r Repo) LatestPortfolio(ctx context.Context) (*domain.PortfolioReading, error) {
	var (
		p    domain.PortfolioReading
		asOf string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,global_drawdown_pct,pnl_1h,pnl_24h,as_of FROM portfolio_metrics ORDER BY as_of DESC, id DESC LIMIT 1`).
		Scan(&p.ID, &p.GlobalDrawdownPct, &p.PnL1h, &p.PnL24h, &asOf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest portfolio reading: %w", err)
	}
	if p.AsOf, err = parseTime(asOf); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertAgentErrors replaces the rolling one-hour error count for an agent.
func (r Repo) UpsertAgentErrors(ctx context.Context, a domain.AgentErrors) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agent_metrics(agent,error_count_1h,updated_at) VALUES (?,?,?)
ON CONFLICT(agent) DO UPDATE SET error_count_1h=excluded.error_count_1h, updated_at=excluded.updated_at`,
		a.Agent, a.ErrorCount1h, formatTime(a.UpdatedAt))
	return err
}

// AgentErrorCount returns 0 for agents without a row.
func (r Repo) AgentErrorCount(ctx context.Context, agent string) (float64, error) {
	var n float64
	err := r.DB.QueryRowContext(ctx, `SELECT error_count_1h FROM agent_metrics WHERE agent=?`, agent).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("agent %s error count: %w", agent, err)
	}
	return n, nil
}
