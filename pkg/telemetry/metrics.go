package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vireflow/vire/pkg/engine"
)

// Metrics provides Prometheus metrics for a vire node. It implements
// engine.Observer. A disabled instance records nothing.
type Metrics struct {
	config MetricsConfig

	// Install metrics
	installs        *prometheus.CounterVec
	installDuration *prometheus.HistogramVec

	// Dispatch metrics
	dispatches    *prometheus.CounterVec
	tokensQueued  prometheus.Counter
	tokensDropped prometheus.Counter
	queueDepth    prometheus.Gauge
	continuations *prometheus.CounterVec

	// Parameter and segment metrics
	parameters  *prometheus.CounterVec
	allocations *prometheus.CounterVec

	// Node metrics
	deliveries      *prometheus.CounterVec
	policyDecisions *prometheus.CounterVec
	errorsByClass   *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.Observer = (*Metrics)(nil)

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

		installs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "installs_total",
				Help:      "Total number of configuration installs",
			},
			[]string{"mode", "outcome"},
		),
		installDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "install_duration_seconds",
				Help:      "Duration of configuration installs in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),

		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Total number of synchronous deliveries by outcome",
			},
			[]string{"outcome"},
		),
		tokensQueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_queued_total",
				Help:      "Total number of tokens queued for busy ports",
			},
		),
		tokensDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_dropped_total",
				Help:      "Total number of tokens dropped because the capture pool was exhausted",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "token_queue_depth",
				Help:      "Current number of queued tokens across all elements",
			},
		),
		continuations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "continuations_total",
				Help:      "Total number of continuations handled by outcome",
			},
			[]string{"outcome"},
		),

		parameters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parameters_applied_total",
				Help:      "Total number of parameter records handed to elements",
			},
			[]string{"outcome"},
		),
		allocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segment_allocations_total",
				Help:      "Total number of segment allocations",
			},
			[]string{"result"},
		),

		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Total number of configuration blobs picked up from the inbox",
			},
			[]string{"result"},
		),
		policyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_decisions_total",
				Help:      "Total number of admission policy decisions",
			},
			[]string{"result"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of engine errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.installs,
		m.installDuration,
		m.dispatches,
		m.tokensQueued,
		m.tokensDropped,
		m.queueDepth,
		m.continuations,
		m.parameters,
		m.allocations,
		m.deliveries,
		m.policyDecisions,
		m.errorsByClass,
	)

	return m, nil
}

// Engine observer

// InstallFinished records a finished install.
func (m *Metrics) InstallFinished(mode, outcome string, d time.Duration) {
	if m.installs == nil {
		return
	}
	m.installs.WithLabelValues(mode, outcome).Inc()
	m.installDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// Dispatched records a synchronous delivery.
func (m *Metrics) Dispatched(outcome string) {
	if m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

// TokenQueued records a token captured for a busy port.
func (m *Metrics) TokenQueued() {
	if m.tokensQueued == nil {
		return
	}
	m.tokensQueued.Inc()
}

// TokenDropped records a token lost to an exhausted capture pool.
func (m *Metrics) TokenDropped() {
	if m.tokensDropped == nil {
		return
	}
	m.tokensDropped.Inc()
}

// ContinuationHandled records a handled continuation.
func (m *Metrics) ContinuationHandled(outcome string) {
	if m.continuations == nil {
		return
	}
	m.continuations.WithLabelValues(outcome).Inc()
}

// ParameterApplied records a parameter record handed to an element.
func (m *Metrics) ParameterApplied(outcome string) {
	if m.parameters == nil {
		return
	}
	m.parameters.WithLabelValues(outcome).Inc()
}

// SegmentAllocated records a segment allocation attempt.
func (m *Metrics) SegmentAllocated(ok bool) {
	if m.allocations == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.allocations.WithLabelValues(result).Inc()
}

// QueueDepth sets the number of queued tokens.
func (m *Metrics) QueueDepth(n int) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Node metrics

// RecordDelivery records an inbox pickup.
func (m *Metrics) RecordDelivery(result string) {
	if m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

// RecordPolicyDecision records an admission decision.
func (m *Metrics) RecordPolicyDecision(allowed bool) {
	if m.policyDecisions == nil {
		return
	}
	result := "allow"
	if !allowed {
		result = "deny"
	}
	m.policyDecisions.WithLabelValues(result).Inc()
}

// RecordError records an error by its engine class.
func (m *Metrics) RecordError(err error) {
	if m.errorsByClass == nil || err == nil {
		return
	}
	class := string(engine.ClassOf(err))
	if class == "" {
		class = "other"
	}
	m.errorsByClass.WithLabelValues(class).Inc()
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
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics. It returns
// nil when metrics are disabled. Shut the server down with its Shutdown
// method.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) *http.Server {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", server.Addr).Msg("Metrics server stopped")
		}
	}()

	return server
}

// ShutdownServer stops a server returned by StartMetricsServer.
func ShutdownServer(ctx context.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
