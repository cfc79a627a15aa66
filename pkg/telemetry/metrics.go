package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for a BSig agent. A nil *Metrics and
// a disabled instance are both valid and record nothing.
type Metrics struct {
	config MetricsConfig

	// Repair metrics
	achieveTotal   *prometheus.CounterVec
	cycleDuration  *prometheus.HistogramVec
	lockContention prometheus.Counter

	// Operator metrics
	operatorInvocations *prometheus.CounterVec
	operatorDuration    *prometheus.HistogramVec

	// Peer metrics
	delegations        *prometheus.CounterVec
	satisfiersActive   prometheus.Gauge
	bootstrapTotal     *prometheus.CounterVec
	registryBroadcasts *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		achieveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "achieve_total",
				Help:      "Total number of goal repair attempts by outcome",
			},
			[]string{"mode", "status"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of main loop iterations in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		lockContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operator_lock_contention_total",
				Help:      "Total number of operator lock acquisitions that found the lock held",
			},
		),

		operatorInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operator_invocations_total",
				Help:      "Total number of operator actions invoked",
			},
			[]string{"action", "result"},
		),
		operatorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operator_duration_seconds",
				Help:      "Duration of operator actions in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),

		delegations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delegations_total",
				Help:      "Total number of goal delegations by direction and result",
			},
			[]string{"direction", "result"},
		),
		satisfiersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "satisfiers_active",
				Help:      "Current number of in-flight satisfier requests",
			},
		),
		bootstrapTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bootstrap_total",
				Help:      "Total number of peer bootstraps and removals",
			},
			[]string{"action", "result"},
		),
		registryBroadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_broadcasts_total",
				Help:      "Total number of registry deltas pushed to peers",
			},
			[]string{"result"},
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
		m.achieveTotal,
		m.cycleDuration,
		m.lockContention,
		m.operatorInvocations,
		m.operatorDuration,
		m.delegations,
		m.satisfiersActive,
		m.bootstrapTotal,
		m.registryBroadcasts,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Repair Metrics

// RecordAchieve counts one repair attempt and its outcome.
func (m *Metrics) RecordAchieve(mode, status string) {
	if m == nil || m.achieveTotal == nil {
		return
	}
	m.achieveTotal.WithLabelValues(mode, status).Inc()
}

// RecordCycle records a main loop iteration.
func (m *Metrics) RecordCycle(status string, duration time.Duration) {
	if m == nil || m.cycleDuration == nil {
		return
	}
	m.cycleDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordLockContention counts an operator that was already locked elsewhere.
func (m *Metrics) RecordLockContention() {
	if m == nil || m.lockContention == nil {
		return
	}
	m.lockContention.Inc()
}

// Operator Metrics

// RecordInvocation records one operator action and its duration.
func (m *Metrics) RecordInvocation(action string, ok bool, duration time.Duration) {
	if m == nil || m.operatorInvocations == nil {
		return
	}
	m.operatorInvocations.WithLabelValues(action, resultLabel(ok)).Inc()
	m.operatorDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// Peer Metrics

// RecordDelegation counts a goal delegation. direction is inbound or outbound.
func (m *Metrics) RecordDelegation(direction, result string) {
	if m == nil || m.delegations == nil {
		return
	}
	m.delegations.WithLabelValues(direction, result).Inc()
}

// SatisfierStarted increments the in-flight satisfier gauge.
func (m *Metrics) SatisfierStarted() {
	if m == nil || m.satisfiersActive == nil {
		return
	}
	m.satisfiersActive.Inc()
}

// SatisfierFinished decrements the in-flight satisfier gauge.
func (m *Metrics) SatisfierFinished() {
	if m == nil || m.satisfiersActive == nil {
		return
	}
	m.satisfiersActive.Dec()
}

// RecordBootstrap counts a peer bootstrap (create) or removal (delete).
func (m *Metrics) RecordBootstrap(action string, ok bool) {
	if m == nil || m.bootstrapTotal == nil {
		return
	}
	m.bootstrapTotal.WithLabelValues(action, resultLabel(ok)).Inc()
}

// RecordRegistryBroadcast counts one registry push to a peer.
func (m *Metrics) RecordRegistryBroadcast(ok bool) {
	if m == nil || m.registryBroadcasts == nil {
		return
	}
	m.registryBroadcasts.WithLabelValues(resultLabel(ok)).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
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
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics on the configured listen address until
// ctx is cancelled. It returns the bound address, or "" when no dedicated
// server is configured.
func (m *Metrics) StartMetricsServer(ctx context.Context) (string, error) {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return "", nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return "", fmt.Errorf("failed to listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Log error but don't fail the agent
			log.Error().Err(err).Str("address", ln.Addr().String()).Msg("Metrics server error")
		}
	}()
	context.AfterFunc(ctx, func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutCtx)
	})

	return ln.Addr().String(), nil
}
