package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"governor/internal/config"
	"governor/internal/db"
	"governor/internal/domain"
	"governor/internal/engine"
	"governor/internal/migrate"
	"governor/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")
	env := &testEnv{Ctx: context.Background(), Now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return env.Now }
	env.Engine = eng
	return env
}

func TestCreateCronTaskComputesNextRun(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Name:           "hourly-snapshot",
		Command:        "snapshot",
		CronExpression: "0 * * * *",
		Payload:        json.RawMessage(`{ "scope": "all" }`),
		ActorID:        "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, "execution", task.Channel)
	assert.Equal(t, 100, task.Priority)
	require.NotNil(t, task.NextRunAt)
	assert.Equal(t, time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC), *task.NextRunAt)

	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"scope":"all"}`, string(stored.Payload))
	assert.Equal(t, *task.NextRunAt, *stored.NextRunAt)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, "task.created", "task", task.ID)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "ops", evts[0].ActorID)
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.TaskCreateOptions{
		{Command: "x"},
		{Name: "n"},
		{Name: "n", Command: "x", CronExpression: "not-a-cron"},
		{Name: "n", Command: "x", Payload: json.RawMessage(`[1,2]`)},
	}
	for _, opts := range cases {
		_, err := env.Engine.CreateTask(env.Ctx, opts)
		var ve engine.ValidationError
		assert.True(t, errors.As(err, &ve), "expected validation error for %+v, got %v", opts, err)
	}
}

func TestOneShotTaskFiresOnceThroughTick(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Name: "flatten", Command: "flatten-all", Channel: "risk"})
	require.NoError(t, err)

	require.NoError(t, env.Engine.RunTick(env.Ctx, "ops"))
	env.Now = env.Now.Add(time.Minute)
	require.NoError(t, env.Engine.RunTick(env.Ctx, "ops"))

	cmds, err := env.Engine.Repo.ListCommands(env.Ctx, repo.CommandFilter{IssuedBy: "scheduler:flatten"})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "risk", cmds[0].Channel)
	assert.Equal(t, domain.CommandQueued, cmds[0].Status)

	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	// Re-enabling a one-shot task arms it for one more run.
	again, err := env.Engine.SetTaskActive(env.Ctx, task.ID, true, "ops")
	require.NoError(t, err)
	assert.True(t, again.IsActive)
	require.NoError(t, env.Engine.RunTick(env.Ctx, "ops"))
	cmds, err = env.Engine.Repo.ListCommands(env.Ctx, repo.CommandFilter{IssuedBy: "scheduler:flatten"})
	require.NoError(t, err)
	assert.Len(t, cmds, 2)
}

func TestPlaybookLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreatePlaybook(env.Ctx, engine.PlaybookCreateOptions{
		Name:            "halt-on-drawdown",
		Trigger:         json.RawMessage(`{"kind":"metric","name":"global_drawdown_pct","op":"gte","value":"0.05"}`),
		Steps:           []domain.PlaybookStep{{Command: "halt-trading"}},
		CooldownSeconds: 600,
		ActorID:         "ops",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"metric","name":"global_drawdown_pct","op":">=","value":0.05}`, string(p.TriggerSpec))

	_, err = env.Engine.CreatePlaybook(env.Ctx, engine.PlaybookCreateOptions{
		Name:    "halt-on-drawdown",
		Trigger: json.RawMessage(`{"kind":"metric","name":"global_drawdown_pct","op":">","value":1}`),
		Steps:   []domain.PlaybookStep{{Command: "x"}},
	})
	var ce engine.ConflictError
	require.ErrorAs(t, err, &ce)

	res, err := env.Engine.TestPlaybookTrigger(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, res.Fired)

	_, err = env.Engine.RecordDrawdown(env.Ctx, domain.PortfolioReading{GlobalDrawdownPct: 0.07})
	require.NoError(t, err)
	res, err = env.Engine.TestPlaybookTrigger(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.Fired)
	assert.Equal(t, 0.07, res.Observed)

	require.NoError(t, env.Engine.RunTick(env.Ctx, "ops"))
	env.Now = env.Now.Add(100 * time.Second)
	require.NoError(t, env.Engine.RunTick(env.Ctx, "ops"))

	halts, err := env.Engine.Repo.ListCommands(env.Ctx, repo.CommandFilter{IssuedBy: "playbook:halt-on-drawdown"})
	require.NoError(t, err)
	require.Len(t, halts, 1)
	assert.Equal(t, "execution", halts[0].Channel)
	assert.Equal(t, 100, halts[0].Priority)

	stored, err := env.Engine.Repo.GetPlaybook(env.Ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastTriggeredAt)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), *stored.LastTriggeredAt)

	off, err := env.Engine.TogglePlaybook(env.Ctx, p.ID, false, "ops")
	require.NoError(t, err)
	assert.False(t, off.IsActive)
	active, err := env.Engine.Repo.ListActivePlaybooks(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCreatePlaybookValidation(t *testing.T) {
	env := newTestEnv(t)
	good := json.RawMessage(`{"kind":"agent_errors","agent":"executor","op":">","value":5}`)
	cases := []engine.PlaybookCreateOptions{
		{Trigger: good, Steps: []domain.PlaybookStep{{Command: "x"}}},
		{Name: "a", Trigger: json.RawMessage(`{"kind":"weather","op":">","value":1}`), Steps: []domain.PlaybookStep{{Command: "x"}}},
		{Name: "b", Trigger: json.RawMessage(`{"kind":"metric","name":"sharpe","op":">","value":1}`), Steps: []domain.PlaybookStep{{Command: "x"}}},
		{Name: "c", Trigger: good},
		{Name: "d", Trigger: good, Steps: []domain.PlaybookStep{{Channel: "risk"}}},
		{Name: "e", Trigger: good, Steps: []domain.PlaybookStep{{Command: "x"}}, CooldownSeconds: -1},
	}
	for _, opts := range cases {
		_, err := env.Engine.CreatePlaybook(env.Ctx, opts)
		var ve engine.ValidationError
		assert.True(t, errors.As(err, &ve), "expected validation error for %q, got %v", opts.Name, err)
	}
}

func TestTickScalesAndSeedsKPI(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RecordDrawdown(env.Ctx, domain.PortfolioReading{GlobalDrawdownPct: 0.045})
	require.NoError(t, err)

	require.NoError(t, env.Engine.RunTick(env.Ctx, ""))
	require.NoError(t, env.Engine.RunTick(env.Ctx, ""))

	kpis, err := env.Engine.Repo.RecentKPIs(env.Ctx, 5)
	require.NoError(t, err)
	require.Len(t, kpis, 1)
	assert.Equal(t, "seed", kpis[0].Notes)

	cmds, err := env.Engine.Repo.ListCommands(env.Ctx, repo.CommandFilter{IssuedBy: "scaling"})
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	for _, c := range cmds {
		assert.Equal(t, "set-risk", c.Command)
		assert.Equal(t, 150, c.Priority)
		assert.JSONEq(t, `{"leverage":0.5}`, string(c.Payload))
	}

	ticks, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "governance.tick", "", "")
	require.NoError(t, err)
	assert.Len(t, ticks, 2)
}

func TestAgentErrorTrigger(t *testing.T) {
	env := newTestEnv(t)
	spec := json.RawMessage(`{"kind":"agent_errors","agent":"executor","op":">=","value":3}`)
	res, err := env.Engine.TestTrigger(env.Ctx, spec)
	require.NoError(t, err)
	assert.False(t, res.Fired)

	_, err = env.Engine.RecordAgentErrors(env.Ctx, "executor", 4)
	require.NoError(t, err)
	res, err = env.Engine.TestTrigger(env.Ctx, spec)
	require.NoError(t, err)
	assert.True(t, res.Fired)
	assert.Equal(t, "agent_errors", res.Kind)

	_, err = env.Engine.RecordAgentErrors(env.Ctx, "", 1)
	assert.Error(t, err)
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	plain, key, err := env.Engine.CreateAPIKey(env.Ctx, "bot", "ci", "viewer")
	require.NoError(t, err)
	assert.Contains(t, plain, engine.APIKeyPrefix)

	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain))
	require.NoError(t, err)
	assert.Equal(t, key.ID, stored.ID)
	assert.Equal(t, "viewer", stored.Role)

	_, _, err = env.Engine.CreateAPIKey(env.Ctx, "bot", "ci", "superuser")
	var ve engine.ValidationError
	assert.ErrorAs(t, err, &ve)
}
