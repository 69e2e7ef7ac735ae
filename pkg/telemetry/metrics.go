package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the orchestrator on a private
// registry. All record methods are safe on a nil or disabled *Metrics.
type Metrics struct {
	config MetricsConfig

	// Deployment metrics
	deploymentTransitions *prometheus.CounterVec
	plansGenerated        *prometheus.CounterVec

	// Task metrics
	tasksClaimed   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	tasksRecovered *prometheus.CounterVec
	activeTasks    *prometheus.GaugeVec

	// Lock metrics
	lockAcquisitions *prometheus.CounterVec

	// Drift metrics
	driftScans    *prometheus.CounterVec
	driftFindings *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deploymentTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployment_transitions_total",
				Help:      "Total number of accepted deployment state transitions",
			},
			[]string{"from", "to"},
		),
		plansGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_generated_total",
				Help:      "Total number of execution plans generated by risk",
			},
			[]string{"risk", "reverse"},
		),

		tasksClaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_claimed_total",
				Help:      "Total number of tasks claimed by workers",
			},
			[]string{"worker"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_attempts_total",
				Help:      "Total number of task attempts by outcome",
			},
			[]string{"action", "outcome"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds",
				Buckets:   buckets,
			},
			[]string{"action", "resource_type"},
		),
		tasksRecovered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_recovered_total",
				Help:      "Total number of tasks moved by the retry and stale-claim sweeps",
			},
			[]string{"kind"},
		),
		activeTasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tasks",
				Help:      "Current number of tasks executing on a worker",
			},
			[]string{"worker"},
		),

		lockAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_acquisitions_total",
				Help:      "Total number of deployment lease acquisitions by result",
			},
			[]string{"result"},
		),

		driftScans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_scans_total",
				Help:      "Total number of drift scans by overall severity",
			},
			[]string{"severity"},
		),
		driftFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_findings_total",
				Help:      "Total number of drift findings",
			},
			[]string{"drift_type", "severity"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.deploymentTransitions,
		m.plansGenerated,
		m.tasksClaimed,
		m.tasksCompleted,
		m.taskDuration,
		m.tasksRecovered,
		m.activeTasks,
		m.lockAcquisitions,
		m.driftScans,
		m.driftFindings,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordDeploymentTransition counts an accepted deployment transition.
func (m *Metrics) RecordDeploymentTransition(from, to string) {
	if !m.enabled() {
		return
	}
	m.deploymentTransitions.WithLabelValues(from, to).Inc()
}

// RecordPlanGenerated counts a generated plan.
func (m *Metrics) RecordPlanGenerated(risk string, reverse bool) {
	if !m.enabled() {
		return
	}
	label := "false"
	if reverse {
		label = "true"
	}
	m.plansGenerated.WithLabelValues(risk, label).Inc()
}

// RecordTasksClaimed counts tasks claimed in one poll.
func (m *Metrics) RecordTasksClaimed(worker string, n int) {
	if !m.enabled() || n == 0 {
		return
	}
	m.tasksClaimed.WithLabelValues(worker).Add(float64(n))
}

// RecordTaskAttempt records one finished execution attempt.
func (m *Metrics) RecordTaskAttempt(action, resourceType, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.tasksCompleted.WithLabelValues(action, outcome).Inc()
	m.taskDuration.WithLabelValues(action, resourceType).Observe(duration.Seconds())
}

// RecordTaskRecovered counts tasks promoted from RETRYING ("retry") or
// recovered from a stale claim ("stale").
func (m *Metrics) RecordTaskRecovered(kind string, n int) {
	if !m.enabled() || n == 0 {
		return
	}
	m.tasksRecovered.WithLabelValues(kind).Add(float64(n))
}

// SetActiveTasks sets the number of tasks a worker is executing.
func (m *Metrics) SetActiveTasks(worker string, n int) {
	if !m.enabled() {
		return
	}
	m.activeTasks.WithLabelValues(worker).Set(float64(n))
}

// RecordLockAcquisition counts a lease acquisition attempt ("acquired", "busy", "error").
func (m *Metrics) RecordLockAcquisition(result string) {
	if !m.enabled() {
		return
	}
	m.lockAcquisitions.WithLabelValues(result).Inc()
}

// RecordDriftScan counts a scan and its findings.
func (m *Metrics) RecordDriftScan(severity string, findings map[string]map[string]int) {
	if !m.enabled() {
		return
	}
	m.driftScans.WithLabelValues(severity).Inc()
	for driftType, bySeverity := range findings {
		for sev, n := range bySeverity {
			m.driftFindings.WithLabelValues(driftType, sev).Add(float64(n))
		}
	}
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ServeMetrics serves the metrics endpoint on the configured listen address
// until ctx is cancelled. It returns nil right away when metrics are disabled.
func (m *Metrics) ServeMetrics(ctx context.Context) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
