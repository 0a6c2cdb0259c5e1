package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"governor/internal/domain"
)

func newTestScheduler(store *memStore, now time.Time) Scheduler {
	return Scheduler{
		Tasks:   store,
		Emitter: Emitter{Outbox: store, Issuer: "governance", Now: fixedClock(now)},
		Now:     fixedClock(now),
	}
}

func TestOneShotTaskFiresOnce(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.addTask(domain.ScheduledTask{ID: "t1", Name: "flatten", Channel: "execution", Command: "flatten-all", Priority: 120, IsActive: true, NextRunAt: timePtr(now.Add(-time.Minute))})
	s := newTestScheduler(store, now)
	ctx := context.Background()

	require.NoError(t, s.Run(ctx))
	require.NoError(t, s.Run(ctx))

	cmds := store.emitted()
	require.Len(t, cmds, 1)
	assert.Equal(t, "flatten-all", cmds[0].Command)
	assert.Equal(t, "scheduler:flatten", cmds[0].IssuedBy)
	assert.Equal(t, 120, cmds[0].Priority)
	assert.Equal(t, domain.CommandQueued, cmds[0].Status)
	task := store.task("t1")
	assert.False(t, task.IsActive)
	require.NotNil(t, task.LastRunAt)
	assert.Equal(t, now, *task.LastRunAt)
}

func TestCronTaskReschedulesToNextHour(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.addTask(domain.ScheduledTask{ID: "t1", Name: "hourly", Channel: "reports", Command: "snapshot", CronExpression: strPtr("0 * * * *"), IsActive: true, NextRunAt: timePtr(now)})
	s := newTestScheduler(store, now)

	require.NoError(t, s.Run(context.Background()))

	task := store.task("t1")
	assert.True(t, task.IsActive)
	require.NotNil(t, task.NextRunAt)
	assert.True(t, task.NextRunAt.After(now))
	assert.Equal(t, time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC), *task.NextRunAt)
	assert.Len(t, store.emitted(), 1)
}

func TestInvalidCronDeactivates(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.addTask(domain.ScheduledTask{ID: "due", Name: "broken-due", Command: "x", CronExpression: strPtr("not-a-cron"), IsActive: true, NextRunAt: timePtr(now)})
	store.addTask(domain.ScheduledTask{ID: "new", Name: "broken-new", Command: "y", CronExpression: strPtr("not-a-cron"), IsActive: true})
	s := newTestScheduler(store, now)

	require.NoError(t, s.Run(context.Background()))

	assert.False(t, store.task("due").IsActive)
	assert.Nil(t, store.task("due").NextRunAt)
	assert.False(t, store.task("new").IsActive)
	assert.Nil(t, store.task("new").NextRunAt)
	// The due task still fired on its claimed run.
	assert.Len(t, store.emitted(), 1)
}

func TestSeedsNewCronTask(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	store := newMemStore()
	store.addTask(domain.ScheduledTask{ID: "t1", Name: "daily", Command: "report", CronExpression: strPtr("0 0 * * *"), IsActive: true})
	s := newTestScheduler(store, now)

	require.NoError(t, s.Run(context.Background()))

	task := store.task("t1")
	require.NotNil(t, task.NextRunAt)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), *task.NextRunAt)
	assert.Empty(t, store.emitted())
}

func TestSchedulerSkipsInactiveAndFutureTasks(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.addTask(domain.ScheduledTask{ID: "off", Name: "off", Command: "x", IsActive: false, NextRunAt: timePtr(now)})
	store.addTask(domain.ScheduledTask{ID: "later", Name: "later", Command: "y", IsActive: true, NextRunAt: timePtr(now.Add(time.Second))})
	s := newTestScheduler(store, now)

	require.NoError(t, s.Run(context.Background()))
	assert.Empty(t, store.emitted())
}

func TestNextRunAcceptsSecondsField(t *testing.T) {
	after := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextRun("30 * * * * *", after)
	require.NoError(t, err)
	assert.Equal(t, after.Add(30*time.Second), next)

	_, err = NextRun("CRON_TZ=Europe/Paris 0 * * * *", after)
	assert.Error(t, err)
	_, err = NextRun("   ", after)
	assert.Error(t, err)
}
