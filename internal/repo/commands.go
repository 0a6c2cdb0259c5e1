package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"governor/internal/domain"
)

// CommandFilter narrows ListCommands. Zero values mean "any".
type CommandFilter struct {
	Status   string
	Channels []string
	IssuedBy string
	AfterID  int64
	Limit    int
}

// EnqueueCommand appends one outbox row.
func (r Repo) EnqueueCommand(ctx context.Context, c domain.Command) error {
	if c.Status == "" {
		c.Status = domain.CommandQueued
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO commands(channel,command,payload_json,status,priority,issued_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.Channel, c.Command, payloadText(c.Payload), c.Status, c.Priority, c.IssuedBy, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("enqueue command %s: %w", c.Command, err)
	}
	return nil
}

// ListCommands returns outbox rows in insertion order.
func (r Repo) ListCommands(ctx context.Context, f CommandFilter) ([]domain.Command, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if len(f.Channels) > 0 {
		clauses = append(clauses, "channel IN (?"+strings.Repeat(",?", len(f.Channels)-1)+")")
		for _, ch := range f.Channels {
			args = append(args, ch)
		}
	}
	if f.IssuedBy != "" {
		clauses = append(clauses, "issued_by=?")
		args = append(args, f.IssuedBy)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	query := `SELECT id,channel,command,payload_json,status,priority,issued_by,created_at FROM commands`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Command
	for rows.Next() {
		var (
			c         domain.Command
			payload   string
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.Channel, &c.Command, &payload, &c.Status, &c.Priority, &c.IssuedBy, &createdAt); err != nil {
			return nil, err
		}
		c.Payload = []byte(payload)
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("command %d created_at: %w", c.ID, err)
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateCommandStatus is used by executors, never by the governance loop.
func (r Repo) UpdateCommandStatus(ctx context.Context, id int64, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE commands SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}
