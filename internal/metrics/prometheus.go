package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector backed by Prometheus.
type PrometheusCollector struct {
	*NopMetrics

	reg       prometheus.Registerer
	gatherer  prometheus.Gatherer
	namespace string
	once      sync.Once

	recommendations   *prometheus.CounterVec
	reassignments     *prometheus.CounterVec
	rebalanceDuration prometheus.Histogram
	rebalancePasses   *prometheus.CounterVec
	rebalanceMoves    prometheus.Counter
	rebalanceSkips    *prometheus.CounterVec
	degraded          prometheus.Counter
	hierarchyOps      *prometheus.CounterVec
	auditFailures     prometheus.Counter
}

var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheus creates a collector on its own registry so that several
// servers in one process (tests) do not collide on the default registerer.
// namespace defaults to "taskpulse".
func NewPrometheus(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "taskpulse"
	}
	reg := prometheus.NewRegistry()
	return &PrometheusCollector{NopMetrics: NewNop(), reg: reg, gatherer: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.recommendations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "reassignment",
			Name:      "recommendations_total",
			Help:      "Recommendations computed by outcome code.",
		}, []string{"code"})
		p.reassignments = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "reassignment",
			Name:      "executed_total",
			Help:      "Reassignments written, by source (manual, rebalance).",
		}, []string{"source"})
		p.rebalanceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "rebalance",
			Name:      "duration_seconds",
			Help:      "Duration of team rebalance passes.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		})
		p.rebalancePasses = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "rebalance",
			Name:      "passes_total",
			Help:      "Rebalance passes by completion (complete, partial).",
		}, []string{"completion"})
		p.rebalanceMoves = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "rebalance",
			Name:      "moves_total",
			Help:      "Items moved by rebalance passes.",
		})
		p.rebalanceSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "rebalance",
			Name:      "skipped_items_total",
			Help:      "Items skipped during rebalance, by reason.",
		}, []string{"reason"})
		p.degraded = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "workload",
			Name:      "degraded_snapshots_total",
			Help:      "Workload snapshots that fell back to zero after a lookup failure.",
		})
		p.hierarchyOps = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "hierarchy",
			Name:      "operations_total",
			Help:      "Hierarchy mutations by operation and result.",
		}, []string{"op", "result"})
		p.auditFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "audit",
			Name:      "failures_total",
			Help:      "Audit entries that could not be recorded.",
		})

		p.reg.MustRegister(
			p.recommendations,
			p.reassignments,
			p.rebalanceDuration,
			p.rebalancePasses,
			p.rebalanceMoves,
			p.rebalanceSkips,
			p.degraded,
			p.hierarchyOps,
			p.auditFailures,
		)
	})
}

func (p *PrometheusCollector) RecordRecommendation(code string) {
	p.ensureRegistered()
	p.recommendations.WithLabelValues(code).Inc()
}

func (p *PrometheusCollector) RecordReassignment(source string) {
	p.ensureRegistered()
	p.reassignments.WithLabelValues(source).Inc()
}

func (p *PrometheusCollector) RecordRebalance(durationSeconds float64, _ int, rebalanced int, partial bool) {
	p.ensureRegistered()
	p.rebalanceDuration.Observe(durationSeconds)
	completion := "complete"
	if partial {
		completion = "partial"
	}
	p.rebalancePasses.WithLabelValues(completion).Inc()
	p.rebalanceMoves.Add(float64(rebalanced))
}

func (p *PrometheusCollector) RecordRebalanceSkip(reason string) {
	p.ensureRegistered()
	p.rebalanceSkips.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordDegradedSnapshot() {
	p.ensureRegistered()
	p.degraded.Inc()
}

func (p *PrometheusCollector) RecordHierarchyOp(op string, ok bool) {
	p.ensureRegistered()
	result := "ok"
	if !ok {
		result = "error"
	}
	p.hierarchyOps.WithLabelValues(op, result).Inc()
}

func (p *PrometheusCollector) RecordAuditFailure() {
	p.ensureRegistered()
	p.auditFailures.Inc()
}

// Handler serves the collector's registry in the Prometheus text format.
func (p *PrometheusCollector) Handler() http.Handler {
	p.ensureRegistered()
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
