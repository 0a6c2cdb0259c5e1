package governance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"governor/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errStoreDown = errors.New("store unavailable")

// memStore is an in-memory Store with switchable failures.
type memStore struct {
	mu          sync.Mutex
	tasks       []*domain.ScheduledTask
	playbooks   []*domain.Playbook
	portfolio   *domain.PortfolioReading
	agentErrors map[string]float64
	kpis        map[string]domain.DailyLearningKPI
	commands    []domain.Command

	failPortfolio bool
	failEnqueue   bool
	failPlaybooks bool
	failKPIs      bool
	panicTasks    bool
}

func newMemStore() *memStore {
	return &memStore{agentErrors: map[string]float64{}, kpis: map[string]domain.DailyLearningKPI{}}
}

func (s *memStore) addTask(t domain.ScheduledTask) *domain.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &t)
	return &t
}

func (s *memStore) task(id string) domain.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == id {
			return *t
		}
	}
	return domain.ScheduledTask{}
}

func (s *memStore) addPlaybook(p domain.Playbook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbooks = append(s.playbooks, &p)
}

func (s *memStore) playbook(id string) domain.Playbook {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.playbooks {
		if p.ID == id {
			return *p
		}
	}
	return domain.Playbook{}
}

func (s *memStore) setDrawdown(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portfolio = &domain.PortfolioReading{GlobalDrawdownPct: v}
}

func (s *memStore) emitted() []domain.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Command(nil), s.commands...)
}

func (s *memStore) DequeueDueTasks(_ context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicTasks {
		panic("task table corrupted")
	}
	var due []domain.ScheduledTask
	for _, t := range s.tasks {
		if t.IsActive && t.NextRunAt != nil && !t.NextRunAt.After(now) {
			due = append(due, *t)
			t.NextRunAt = nil
			last := now
			t.LastRunAt = &last
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	return due, nil
}

func (s *memStore) UpdateTask(_ context.Context, id string, u domain.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID != id {
			continue
		}
		if u.NextRunAt != nil {
			v := *u.NextRunAt
			t.NextRunAt = &v
		}
		if u.LastRunAt != nil {
			v := *u.LastRunAt
			t.LastRunAt = &v
		}
		if u.IsActive != nil {
			t.IsActive = *u.IsActive
		}
		return nil
	}
	return errors.New("not found")
}

func (s *memStore) ListSeedCandidateTasks(context.Context) ([]domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []domain.ScheduledTask
	for _, t := range s.tasks {
		if t.IsActive && !t.OneShot() && t.NextRunAt == nil {
			res = append(res, *t)
		}
	}
	return res, nil
}

func (s *memStore) ListActivePlaybooks(context.Context) ([]domain.Playbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPlaybooks {
		return nil, errStoreDown
	}
	var res []domain.Playbook
	for _, p := range s.playbooks {
		if p.IsActive {
			res = append(res, *p)
		}
	}
	return res, nil
}

func (s *memStore) UpdatePlaybookFired(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.playbooks {
		if p.ID == id {
			v := at
			p.LastTriggeredAt = &v
			return nil
		}
	}
	return errors.New("not found")
}

func (s *memStore) LatestPortfolio(context.Context) (*domain.PortfolioReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPortfolio {
		return nil, errStoreDown
	}
	if s.portfolio == nil {
		return nil, nil
	}
	p := *s.portfolio
	return &p, nil
}

func (s *memStore) AgentErrorCount(_ context.Context, agent string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPortfolio {
		return 0, errStoreDown
	}
	return s.agentErrors[agent], nil
}

func (s *memStore) DailyKPIExists(_ context.Context, day time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failKPIs {
		return false, errStoreDown
	}
	_, ok := s.kpis[day.Format(time.DateOnly)]
	return ok, nil
}

func (s *memStore) InsertSeedKPI(_ context.Context, k domain.DailyLearningKPI) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := k.Day.Format(time.DateOnly)
	if _, ok := s.kpis[key]; !ok {
		s.kpis[key] = k
	}
	return nil
}

func (s *memStore) RecentKPIs(_ context.Context, limit int) ([]domain.DailyLearningKPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failKPIs {
		return nil, errStoreDown
	}
	var res []domain.DailyLearningKPI
	for _, k := range s.kpis {
		res = append(res, k)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Day.After(res[j].Day) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *memStore) EnqueueCommand(_ context.Context, c domain.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failEnqueue {
		return errStoreDown
	}
	c.ID = int64(len(s.commands) + 1)
	s.commands = append(s.commands, c)
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func ptrTo[T any](v T) *T { return &v }
