package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNopMetrics(t *testing.T) {
	var c Collector = NewNop()
	require.NotPanics(t, func() {
		c.RecordRecommendation("recommended")
		c.RecordReassignment("manual")
		c.RecordRebalance(0.1, 3, 1, false)
		c.RecordRebalanceSkip("claimed")
		c.RecordDegradedSnapshot()
		c.RecordHierarchyOp("create_child", true)
		c.RecordAuditFailure()
	})
	require.IsType(t, &NopMetrics{}, OrNop(nil))
}

func TestPrometheusCollector(t *testing.T) {
	p := NewPrometheus("")
	p.RecordRecommendation("recommended")
	p.RecordRecommendation("recommended")
	p.RecordRecommendation("no_candidates")
	p.RecordRebalance(0.02, 4, 2, true)
	p.RecordHierarchyOp("move_child", false)

	require.Equal(t, 2.0, testutil.ToFloat64(p.recommendations.WithLabelValues("recommended")))
	require.Equal(t, 1.0, testutil.ToFloat64(p.rebalancePasses.WithLabelValues("partial")))
	require.Equal(t, 2.0, testutil.ToFloat64(p.rebalanceMoves))
	require.Equal(t, 1.0, testutil.ToFloat64(p.hierarchyOps.WithLabelValues("move_child", "error")))

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "taskpulse_reassignment_recommendations_total")
}

func TestPrometheusCollectorsAreIndependent(t *testing.T) {
	a := NewPrometheus("taskpulse")
	b := NewPrometheus("taskpulse")
	require.NotPanics(t, func() {
		a.RecordAuditFailure()
		b.RecordAuditFailure()
	})
}
