package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the pool manager.
type Metrics struct {
	config MetricsConfig

	// Pool metrics
	queueSize   *prometheus.GaugeVec
	poolEmpty   *prometheus.GaugeVec
	transitions *prometheus.CounterVec

	// VM timing metrics
	cloneDuration   *prometheus.HistogramVec
	bootDuration    *prometheus.HistogramVec
	destroyDuration *prometheus.HistogramVec
	cloneFailures   *prometheus.CounterVec

	// Provider metrics
	providerCalls      *prometheus.CounterVec
	providerDuration   *prometheus.HistogramVec
	providerErrors     *prometheus.CounterVec
	providerReconnects *prometheus.CounterVec

	// Worker metrics
	cloneTasks     prometheus.Gauge
	workerRestarts *prometheus.CounterVec
	tasksProcessed *prometheus.CounterVec
	checksSkipped  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a collector whose recorders are no-ops.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		queueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_vms",
				Help:      "Number of VMs in each pool queue",
			},
			[]string{"pool", "queue"},
		),
		poolEmpty: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_empty",
				Help:      "1 when the pool has no ready VMs",
			},
			[]string{"pool"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vm_transitions_total",
				Help:      "VM queue transitions",
			},
			[]string{"pool", "from", "to"},
		),

		cloneDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "clone_duration_seconds",
				Help:      "Time taken to clone a VM",
				Buckets:   buckets,
			},
			[]string{"pool"},
		),
		bootDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "boot_duration_seconds",
				Help:      "Time from clone start until the VM became ready",
				Buckets:   buckets,
			},
			[]string{"pool"},
		),
		destroyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "destroy_duration_seconds",
				Help:      "Time taken to destroy a VM",
				Buckets:   buckets,
			},
			[]string{"pool"},
		),
		cloneFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clone_failures_total",
				Help:      "Clones that failed",
			},
			[]string{"pool"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors",
			},
			[]string{"provider", "operation"},
		),
		providerReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_reconnects_total",
				Help:      "Provider session reconnects",
			},
			[]string{"provider"},
		),

		cloneTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "clone_tasks",
				Help:      "Clone operations currently admitted",
			},
		),
		workerRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_restarts_total",
				Help:      "Workers restarted by the supervisor",
			},
			[]string{"worker"},
		),
		tasksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_processed_total",
				Help:      "Disk and snapshot tasks processed",
			},
			[]string{"kind", "status"},
		),
		checksSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checks_skipped_total",
				Help:      "Per-VM work deferred because the dispatcher was saturated",
			},
			[]string{"pool"},
		),
	}

	registry.MustRegister(
		m.queueSize,
		m.poolEmpty,
		m.transitions,
		m.cloneDuration,
		m.bootDuration,
		m.destroyDuration,
		m.cloneFailures,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.providerReconnects,
		m.cloneTasks,
		m.workerRestarts,
		m.tasksProcessed,
		m.checksSkipped,
	)

	return m, nil
}

// SetQueueSize records the size of one pool queue.
func (m *Metrics) SetQueueSize(pool, queue string, n int64) {
	if m == nil || m.queueSize == nil {
		return
	}
	m.queueSize.WithLabelValues(pool, queue).Set(float64(n))
}

// SetPoolEmpty records whether the pool has no ready VMs.
func (m *Metrics) SetPoolEmpty(pool string, empty bool) {
	if m == nil || m.poolEmpty == nil {
		return
	}
	v := 0.0
	if empty {
		v = 1.0
	}
	m.poolEmpty.WithLabelValues(pool).Set(v)
}

// RecordTransition counts a VM moving between queues.
func (m *Metrics) RecordTransition(pool, from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(pool, from, to).Inc()
}

// RecordClone records a successful clone.
func (m *Metrics) RecordClone(pool string, d time.Duration) {
	if m == nil || m.cloneDuration == nil {
		return
	}
	m.cloneDuration.WithLabelValues(pool).Observe(d.Seconds())
}

// RecordCloneFailure counts a failed clone.
func (m *Metrics) RecordCloneFailure(pool string) {
	if m == nil || m.cloneFailures == nil {
		return
	}
	m.cloneFailures.WithLabelValues(pool).Inc()
}

// RecordBoot records the time a VM took to become ready.
func (m *Metrics) RecordBoot(pool string, d time.Duration) {
	if m == nil || m.bootDuration == nil {
		return
	}
	m.bootDuration.WithLabelValues(pool).Observe(d.Seconds())
}

// RecordDestroy records a destroy call's duration.
func (m *Metrics) RecordDestroy(pool string, d time.Duration) {
	if m == nil || m.destroyDuration == nil {
		return
	}
	m.destroyDuration.WithLabelValues(pool).Observe(d.Seconds())
}

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, d time.Duration) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m == nil || m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// RecordProviderReconnect counts a provider session reconnect.
func (m *Metrics) RecordProviderReconnect(provider string) {
	if m == nil || m.providerReconnects == nil {
		return
	}
	m.providerReconnects.WithLabelValues(provider).Inc()
}

// SetCloneTasks records the admitted clone counter.
func (m *Metrics) SetCloneTasks(n int64) {
	if m == nil || m.cloneTasks == nil {
		return
	}
	m.cloneTasks.Set(float64(n))
}

// RecordWorkerRestart counts a supervisor restart.
func (m *Metrics) RecordWorkerRestart(worker string) {
	if m == nil || m.workerRestarts == nil {
		return
	}
	m.workerRestarts.WithLabelValues(worker).Inc()
}

// RecordTask counts a processed disk or snapshot task.
func (m *Metrics) RecordTask(kind, status string) {
	if m == nil || m.tasksProcessed == nil {
		return
	}
	m.tasksProcessed.WithLabelValues(kind, status).Inc()
}

// RecordCheckSkipped counts per-VM work deferred to a later tick.
func (m *Metrics) RecordCheckSkipped(pool string) {
	if m == nil || m.checksSkipped == nil {
		return
	}
	m.checksSkipped.WithLabelValues(pool).Inc()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer measures elapsed time for an operation.
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

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, logger *Logger) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Infof("Serving metrics on %s%s", m.config.ListenAddress, m.config.Path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
