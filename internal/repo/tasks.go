package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"governor/internal/domain"
)

const taskColumns = `id,name,channel,command,payload_json,cron_expression,next_run_at,last_run_at,priority,is_active,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.ScheduledTask, error) {
	var (
		t         domain.ScheduledTask
		payload   string
		cronExpr  sql.NullString
		nextRun   sql.NullString
		lastRun   sql.NullString
		active    int
		createdAt string
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Channel, &t.Command, &payload, &cronExpr, &nextRun, &lastRun, &t.Priority, &active, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	t.Payload = []byte(payload)
	if cronExpr.Valid && cronExpr.String != "" {
		expr := cronExpr.String
		t.CronExpression = &expr
	}
	var err error
	if t.NextRunAt, err = parseNullTime(nextRun); err != nil {
		return t, fmt.Errorf("task %s next_run_at: %w", t.ID, err)
	}
	if t.LastRunAt, err = parseNullTime(lastRun); err != nil {
		return t, fmt.Errorf("task %s last_run_at: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	t.IsActive = active == 1
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.ScheduledTask, error) {
	defer rows.Close()
	var res []domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// InsertTask stores a scheduled task. CreatedAt defaults to now.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.ScheduledTask) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := r.execWith(tx).ExecContext(ctx, `INSERT INTO scheduled_tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Channel, t.Command, payloadText(t.Payload), nullableStr(t.CronExpression),
		nullTime(t.NextRunAt), nullTime(t.LastRunAt), t.Priority, boolToInt(t.IsActive), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.ScheduledTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id=?`, id))
}

func (r Repo) ListTasks(ctx context.Context, activeOnly bool) ([]domain.ScheduledTask, error) {
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks`
	if activeOnly {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// DequeueDueTasks claims every active task with next_run_at <= now. The claim
// clears next_run_at and stamps last_run_at inside one write transaction, so a
// second scheduler sharing the database cannot fire the same task.
func (r Repo) DequeueDueTasks(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dequeue due tasks: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks
WHERE is_active=1 AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY next_run_at, id`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("dequeue due tasks: select: %w", err)
	}
	due, err := scanTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("dequeue due tasks: scan: %w", err)
	}
	for _, t := range due {
		if _, err := tx.ExecContext(ctx, `UPDATE scheduled_tasks SET next_run_at=NULL, last_run_at=? WHERE id=?`, formatTime(now), t.ID); err != nil {
			return nil, fmt.Errorf("dequeue due tasks: claim %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dequeue due tasks: commit: %w", err)
	}
	return due, nil
}

// UpdateTask applies the non-nil fields of u.
func (r Repo) UpdateTask(ctx context.Context, id string, u domain.TaskUpdate) error {
	var (
		fields []string
		args   []any
	)
	if u.NextRunAt != nil {
		fields = append(fields, "next_run_at=?")
		args = append(args, formatTime(*u.NextRunAt))
	}
	if u.LastRunAt != nil {
		fields = append(fields, "last_run_at=?")
		args = append(args, formatTime(*u.LastRunAt))
	}
	if u.IsActive != nil {
		fields = append(fields, "is_active=?")
		args = append(args, boolToInt(*u.IsActive))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE scheduled_tasks SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	return expectAffected(res)
}

// SetTaskActive toggles a task and overwrites next_run_at; a nil nextRunAt
// leaves cron tasks for the scheduler to seed.
func (r Repo) SetTaskActive(ctx context.Context, tx *sql.Tx, id string, active bool, nextRunAt *time.Time) error {
	res, err := r.execWith(tx).ExecContext(ctx, `UPDATE scheduled_tasks SET is_active=?, next_run_at=? WHERE id=?`, boolToInt(active), nullTime(nextRunAt), id)
	if err != nil {
		return fmt.Errorf("set task %s active: %w", id, err)
	}
	return expectAffected(res)
}

// ListSeedCandidateTasks returns active cron tasks that have no next_run_at yet.
func (r Repo) ListSeedCandidateTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks
WHERE is_active=1 AND cron_expression IS NOT NULL AND cron_expression <> '' AND next_run_at IS NULL
ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}
