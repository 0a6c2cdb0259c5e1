package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"governor/internal/config"
)

// Phase names, in tick order.
const (
	PhaseScheduler = "scheduler"
	PhasePlaybooks = "playbooks"
	PhaseKPI       = "kpi_rollup"
	PhaseScaling   = "scaling"
)

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Issuer       string
	PollInterval time.Duration
	// PhaseTimeout bounds each phase; zero means no deadline.
	PhaseTimeout time.Duration
	Policy       *ScalingPolicy
	Now          func() time.Time
	Log          *zap.Logger
	Metrics      *Metrics
}

// OptionsFromConfig maps governor.yml onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	policy := PolicyFromConfig(cfg.Scaling)
	return Options{
		Issuer:       cfg.Governance.Issuer,
		PollInterval: cfg.PollInterval(),
		PhaseTimeout: cfg.PhaseTimeout(),
		Policy:       &policy,
	}
}

// Service owns the governance loop.
type Service struct {
	scheduler Scheduler
	playbooks PlaybookRunner
	rollup    Rollup
	scaler    Scaler

	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
	metrics  *Metrics
}

type phase struct {
	name string
	run  func(context.Context) error
}

func NewService(store Store, opts Options) *Service {
	if opts.Issuer == "" {
		opts.Issuer = config.DefaultIssuer
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = config.DefaultPollIntervalMS * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := orNop(opts.Log)
	policy := DefaultScalingPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	emitter := Emitter{Outbox: store, Issuer: opts.Issuer, Now: opts.Now, Log: log, Metrics: opts.Metrics}
	return &Service{
		scheduler: Scheduler{Tasks: store, Emitter: emitter, Now: opts.Now, Log: log.Named(PhaseScheduler)},
		playbooks: PlaybookRunner{
			Playbooks: store,
			Evaluator: Evaluator{Metrics: store, Log: log.Named("trigger")},
			Emitter:   emitter,
			Now:       opts.Now,
			Log:       log.Named(PhasePlaybooks),
			Metrics:   opts.Metrics,
		},
		rollup:   Rollup{KPIs: store, Now: opts.Now, Log: log.Named(PhaseKPI)},
		scaler:   Scaler{KPIs: store, Metrics: store, Emitter: emitter, Policy: policy, Log: log.Named(PhaseScaling), Gauges: opts.Metrics},
		interval: opts.PollInterval,
		timeout:  opts.PhaseTimeout,
		log:      log,
		metrics:  opts.Metrics,
	}
}

func (s *Service) phases() []phase {
	return []phase{
		{PhaseScheduler, s.scheduler.Run},
		{PhasePlaybooks, s.playbooks.Run},
		{PhaseKPI, s.rollup.Run},
		{PhaseScaling, s.scaler.Run},
	}
}

// Tick runs one pass of every phase in order. A failing phase is logged and
// the remaining phases still run; the joined phase errors are returned.
func (s *Service) Tick(ctx context.Context) error {
	var errs []error
	for _, p := range s.phases() {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := s.runPhase(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	s.metrics.tick()
	return errors.Join(errs...)
}

// RunScheduler runs only the scheduler phase.
func (s *Service) RunScheduler(ctx context.Context) error {
	return s.runPhase(ctx, phase{PhaseScheduler, s.scheduler.Run})
}

func (s *Service) runPhase(ctx context.Context, p phase) (err error) {
	start := time.Now()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", p.name, r)
		}
		s.metrics.observePhase(p.name, time.Since(start).Seconds())
		if err != nil {
			s.metrics.phaseFailed(p.name)
			s.log.Error("governance phase failed", zap.String("phase", p.name), zap.Error(err))
		}
	}()
	if err := p.run(ctx); err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	return nil
}

// Start runs one scheduler pass immediately, then ticks every poll interval
// until ctx is cancelled. Phase failures never stop the loop.
func (s *Service) Start(ctx context.Context) error {
	s.log.Info("governance loop starting", zap.Duration("poll_interval", s.interval))
	_ = s.RunScheduler(ctx)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("governance loop stopped", zap.Error(ctx.Err()))
			return ctx.Err()
		case <-timer.C:
		}
		_ = s.Tick(ctx)
		timer.Reset(s.interval)
	}
}
