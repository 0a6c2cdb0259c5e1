package governance

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes loop counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	commands      *prometheus.CounterVec
	commandErrors *prometheus.CounterVec
	phaseErrors   *prometheus.CounterVec
	phaseSeconds  *prometheus.HistogramVec
	playbookFires *prometheus.CounterVec
	ticks         prometheus.Counter
	drawdown      prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_commands_emitted_total",
			Help: "Commands appended to the outbox",
		}, []string{"command"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_command_emit_failures_total",
			Help: "Commands dropped because the outbox write failed",
		}, []string{"command"}),
		phaseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_phase_failures_total",
			Help: "Governance phases that returned an error or panicked",
		}, []string{"phase"}),
		phaseSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "governor_phase_duration_seconds",
			Help:    "Wall time spent per governance phase",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		playbookFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_playbook_fires_total",
			Help: "Playbooks whose trigger fired",
		}, []string{"playbook"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_ticks_total",
			Help: "Completed governance ticks",
		}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "governor_global_drawdown_pct",
			Help: "Drawdown observed by the scaling engine on the last tick",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.commands, m.commandErrors, m.phaseErrors, m.phaseSeconds, m.playbookFires, m.ticks, m.drawdown)
	}
	return m
}

func (m *Metrics) commandEmitted(command string) {
	if m != nil {
		m.commands.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) commandFailed(command string) {
	if m != nil {
		m.commandErrors.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) phaseFailed(phase string) {
	if m != nil {
		m.phaseErrors.WithLabelValues(phase).Inc()
	}
}

func (m *Metrics) observePhase(phase string, seconds float64) {
	if m != nil {
		m.phaseSeconds.WithLabelValues(phase).Observe(seconds)
	}
}

func (m *Metrics) playbookFired(name string) {
	if m != nil {
		m.playbookFires.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) tick() {
	if m != nil {
		m.ticks.Inc()
	}
}

func (m *Metrics) setDrawdown(v float64) {
	if m != nil {
		m.drawdown.Set(v)
	}
}
