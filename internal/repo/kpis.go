package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"governor/internal/domain"
)

func (r Repo) DailyKPIExists(ctx context.Context, day time.Time) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM daily_learning_kpis WHERE day=?`, formatDay(day)).Scan(&n); err != nil {
		return false, fmt.Errorf("daily kpi exists: %w", err)
	}
	return n > 0, nil
}

// InsertSeedKPI inserts the row unless the day already has one.
func (r Repo) InsertSeedKPI(ctx context.Context, k domain.DailyLearningKPI) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO daily_learning_kpis(day,win_rate,avg_gain,avg_loss,rr_ratio,trades_count,pnl_daily,notes)
VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(day) DO NOTHING`,
		formatDay(k.Day), k.WinRate, k.AvgGain, k.AvgLoss, k.RRRatio, k.TradesCount, k.PnLDaily, nullable(k.Notes))
	if err != nil {
		return fmt.Errorf("insert seed kpi: %w", err)
	}
	return nil
}

// UpsertKPI writes computed values for a day, replacing a seed row.
func (r Repo) UpsertKPI(ctx context.Context, k domain.DailyLearningKPI) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO daily_learning_kpis(day,win_rate,avg_gain,avg_loss,rr_ratio,trades_count,pnl_daily,notes)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(day) DO UPDATE SET win_rate=excluded.win_rate, avg_gain=excluded.avg_gain, avg_loss=excluded.avg_loss,
  rr_ratio=excluded.rr_ratio, trades_count=excluded.trades_count, pnl_daily=excluded.pnl_daily, notes=excluded.notes`,
		formatDay(k.Day), k.WinRate, k.AvgGain, k.AvgLoss, k.RRRatio, k.TradesCount, k.PnLDaily, nullable(k.Notes))
	if err != nil {
		return fmt.Errorf("upsert kpi: %w", err)
	}
	return nil
}

// RecentKPIs returns up to limit rows, most recent day first.
func (r Repo) RecentKPIs(ctx context.Context, limit int) ([]domain.DailyLearningKPI, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT day,win_rate,avg_gain,avg_loss,rr_ratio,trades_count,pnl_daily,notes
FROM daily_learning_kpis ORDER BY day DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DailyLearningKPI
	for rows.Next() {
		var (
			k     domain.DailyLearningKPI
			day   string
			notes sql.NullString
		)
		if err := rows.Scan(&day, &k.WinRate, &k.AvgGain, &k.AvgLoss, &k.RRRatio, &k.TradesCount, &k.PnLDaily, &notes); err != nil {
			return nil, err
		}
		if k.Day, err = time.Parse(dayLayout, day); err != nil {
			return nil, fmt.Errorf("kpi day %q: %w", day, err)
		}
		k.Notes = notes.String
		res = append(res, k)
	}
	return res, rows.Err()
}
