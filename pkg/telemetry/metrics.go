package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openfroyo/p4converge/pkg/engine"
	"github.com/openfroyo/p4converge/pkg/facts"
)

// Metrics holds the Prometheus collectors of a run. They live on a private
// registry and are exported through a node_exporter textfile.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	runDuration      prometheus.Histogram
	lastRunTimestamp prometheus.Gauge

	unitsTotal   *prometheus.CounterVec
	unitDuration *prometheus.HistogramVec

	factResolutions  *prometheus.CounterVec
	policyViolations *prometheus.CounterVec
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates and registers all collectors.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		registry: registry,

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "runs_total",
				Help:      "Total number of apply runs by final status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "run_duration_seconds",
				Help:      "Duration of apply runs in seconds",
				Buckets:   buckets,
			},
		),
		lastRunTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run completed",
			},
		),
		unitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "units_total",
				Help:      "Total number of reconciled units by kind and final state",
			},
			[]string{"kind", "state"},
		),
		unitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "unit_duration_seconds",
				Help:      "Duration of unit reconciliation in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		factResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "fact_resolutions_total",
				Help:      "Total number of version fact resolutions",
			},
			[]string{"binary", "resolved"},
		),
		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations",
			},
			[]string{"policy", "severity"},
		),
	}

	collectors := []prometheus.Collector{
		m.runsTotal,
		m.runDuration,
		m.lastRunTimestamp,
		m.unitsTotal,
		m.unitDuration,
		m.factResolutions,
		m.policyViolations,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// UnitCompleted records a unit outcome.
func (m *Metrics) UnitCompleted(out engine.UnitOutcome) {
	kind := string(out.Kind)
	m.unitsTotal.WithLabelValues(kind, string(out.State)).Inc()
	m.unitDuration.WithLabelValues(kind).Observe(out.Duration.Seconds())
}

// RecordRun records a completed reconciliation.
func (m *Metrics) RecordRun(result *engine.ConvergenceResult) {
	m.runsTotal.WithLabelValues(string(result.Status())).Inc()
	m.runDuration.Observe(result.Duration().Seconds())
	m.lastRunTimestamp.Set(float64(result.CompletedAt.Unix()))
}

// RecordRunFailed records a run that aborted before any unit completed.
func (m *Metrics) RecordRunFailed(started time.Time) {
	m.runsTotal.WithLabelValues(string(engine.RunStatusFailed)).Inc()
	m.runDuration.Observe(time.Since(started).Seconds())
	m.lastRunTimestamp.SetToCurrentTime()
}

// RecordFact records the resolution of a version fact.
func (m *Metrics) RecordFact(binary string, v facts.VersionFact) {
	m.factResolutions.WithLabelValues(binary, strconv.FormatBool(v.Resolved())).Inc()
}

// RecordPolicyViolation records a policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// WriteTextfile writes the registry to path in the text exposition format.
// The file is replaced atomically so node_exporter never reads a partial file.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create textfile directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
