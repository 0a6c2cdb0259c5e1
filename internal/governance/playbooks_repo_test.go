package governance_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"governor/internal/db"
	"governor/internal/domain"
	"governor/internal/governance"
	"governor/internal/migrate"
	"governor/internal/repo"
)

func TestMalformedStoredStepsDoNotBlockOtherPlaybooks(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}

	trigger := json.RawMessage(`{"kind":"metric","name":"global_drawdown_pct","op":">=","value":0.05}`)
	require.NoError(t, r.InsertPlaybook(ctx, nil, domain.Playbook{
		ID:          "b-good",
		Name:        "b-good",
		TriggerSpec: trigger,
		Steps:       []domain.PlaybookStep{{Command: "halt-trading"}},
		IsActive:    true,
	}))
	_, err = r.DB.ExecContext(ctx, `INSERT INTO playbooks(id,name,trigger_spec_json,steps_json,cooldown_seconds,is_active,created_at,updated_at)
VALUES ('a-bad','a-bad',?,'[{"command":42}]',0,1,'2024-03-01T12:00:00.000000Z','2024-03-01T12:00:00.000000Z')`, string(trigger))
	require.NoError(t, err)
	_, err = r.InsertPortfolioReading(ctx, domain.PortfolioReading{GlobalDrawdownPct: 0.07})
	require.NoError(t, err)

	now := time.Now().UTC()
	runner := governance.PlaybookRunner{
		Playbooks: r,
		Evaluator: governance.Evaluator{Metrics: r},
		Emitter:   governance.Emitter{Outbox: r, Issuer: "governance"},
		Now:       func() time.Time { return now },
	}
	require.NoError(t, runner.Run(ctx))

	cmds, err := r.ListCommands(ctx, repo.CommandFilter{})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "halt-trading", cmds[0].Command)
	assert.Equal(t, "playbook:b-good", cmds[0].IssuedBy)

	bad, err := r.GetPlaybook(ctx, "a-bad")
	require.NoError(t, err)
	assert.Nil(t, bad.LastTriggeredAt)
	assert.Error(t, bad.StepsErr)
}
