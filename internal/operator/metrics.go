package operator

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the minimal reconcile-health collector set. It is registered
// against the same registry the teacher's cmd/provider/main.go uses for its
// managed-resource metrics (metrics.Registry.MustRegister) — a supplemented
// ambient-stack feature (SPEC_FULL.md §5) carried over even though policy/UI
// layers remain out of scope.
type Metrics struct {
	ReconcileTotal  *prometheus.CounterVec
	ReconcileErrors *prometheus.CounterVec
	RetryTotal      *prometheus.CounterVec
	RequeueSeconds  *prometheus.HistogramVec
}

// NewMetrics constructs the collector set, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infraweave_operator_reconcile_total",
			Help: "Count of reconcile outcomes by CRD kind and outcome.",
		}, []string{"kind", "outcome"}),
		ReconcileErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infraweave_operator_reconcile_errors_total",
			Help: "Count of reconcile errors by CRD kind.",
		}, []string{"kind"}),
		RetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infraweave_operator_retry_total",
			Help: "Count of job retries by CRD kind.",
		}, []string{"kind"}),
		RequeueSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "infraweave_operator_requeue_seconds",
			Help:    "Distribution of requested requeue intervals.",
			Buckets: []float64{1, 5, 10, 30, 60, 600, 3600, 86400},
		}, []string{"kind"})}
}

// MustRegister registers every collector against reg, panicking on a
// duplicate registration the way prometheus.MustRegister always does.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.ReconcileTotal, m.ReconcileErrors, m.RetryTotal, m.RequeueSeconds)
}

func (m *Metrics) observeOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.ReconcileTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) observeError(kind string) {
	if m == nil {
		return
	}
	m.ReconcileErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeRetry(kind string) {
	if m == nil {
		return
	}
	m.RetryTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeRequeue(kind string, d float64) {
	if m == nil {
		return
	}
	m.RequeueSeconds.WithLabelValues(kind).Observe(d)
}
