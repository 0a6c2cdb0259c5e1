package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"governor/internal/domain"
)

const playbookColumns = `id,name,trigger_spec_json,steps_json,cooldown_seconds,last_triggered_at,is_active,created_at`

func scanPlaybook(row rowScanner) (domain.Playbook, error) {
	var (
		p         domain.Playbook
		trigger   string
		steps     string
		lastFired sql.NullString
		active    int
		createdAt string
	)
	if err := row.Scan(&p.ID, &p.Name, &trigger, &steps, &p.CooldownSeconds, &lastFired, &active, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, ErrNotFound
		}
		return p, err
	}
	p.TriggerSpec = json.RawMessage(trigger)
	if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
		p.Steps = nil
		p.StepsErr = fmt.Errorf("playbook %s steps: %w", p.ID, err)
	}
	var err error
	if p.LastTriggeredAt, err = parseNullTime(lastFired); err != nil {
		return p, fmt.Errorf("playbook %s last_triggered_at: %w", p.ID, err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, fmt.Errorf("playbook %s created_at: %w", p.ID, err)
	}
	p.IsActive = active == 1
	return p, nil
}

func (r Repo) InsertPlaybook(ctx context.Context, tx *sql.Tx, p domain.Playbook) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Steps == nil {
		p.Steps = []domain.PlaybookStep{}
	}
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	created := formatTime(p.CreatedAt)
	_, err = r.execWith(tx).ExecContext(ctx, `INSERT INTO playbooks(id,name,trigger_spec_json,steps_json,cooldown_seconds,last_triggered_at,is_active,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, string(p.TriggerSpec), string(steps), p.CooldownSeconds, nullTime(p.LastTriggeredAt), boolToInt(p.IsActive), created, created)
	if err != nil {
		return fmt.Errorf("insert playbook: %w", err)
	}
	return nil
}

func (r Repo) GetPlaybook(ctx context.Context, id string) (domain.Playbook, error) {
	return scanPlaybook(r.DB.QueryRowContext(ctx, `SELECT `+playbookColumns+` FROM playbooks WHERE id=?`, id))
}

func (r Repo) ListPlaybooks(ctx context.Context, activeOnly bool) ([]domain.Playbook, error) {
	query := `SELECT ` + playbookColumns + ` FROM playbooks`
	if activeOnly {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY name`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Playbook
	for rows.Next() {
		p, err := scanPlaybook(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListActivePlaybooks(ctx context.Context) ([]domain.Playbook, error) {
	return r.ListPlaybooks(ctx, true)
}

// UpdatePlaybookFired records the firing time; it is the only mutation the
// governance loop makes to a playbook.
func (r Repo) UpdatePlaybookFired(ctx context.Context, id string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE playbooks SET last_triggered_at=?, updated_at=? WHERE id=?`, formatTime(at), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("update playbook %s fired: %w", id, err)
	}
	return expectAffected(res)
}

func (r Repo) SetPlaybookActive(ctx context.Context, tx *sql.Tx, id string, active bool, at time.Time) error {
	res, err := r.execWith(tx).ExecContext(ctx, `UPDATE playbooks SET is_active=?, updated_at=? WHERE id=?`, boolToInt(active), formatTime(at), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}
