// Package metrics records operational counters for the reassignment and
// hierarchy engines.
package metrics

// Collector defines methods for recording operational metrics.
//
// Implementations must be safe for concurrent use and must not block.
type Collector interface {
	// RecordRecommendation counts a recommendation by outcome code.
	RecordRecommendation(code string)
	// RecordReassignment counts an executed reassignment by source
	// ("manual" or "rebalance").
	RecordReassignment(source string)
	// RecordRebalance records one rebalance pass.
	RecordRebalance(durationSeconds float64, processed, rebalanced int, partial bool)
	// RecordRebalanceSkip counts items skipped because another writer owned them.
	RecordRebalanceSkip(reason string)
	// RecordDegradedSnapshot counts workload lookups that fell back to zero.
	RecordDegradedSnapshot()
	// RecordHierarchyOp counts a hierarchy mutation by operation and result.
	RecordHierarchyOp(op string, ok bool)
	// RecordAuditFailure counts audit entries that could not be written.
	RecordAuditFailure()
}

// NopMetrics discards every metric.
type NopMetrics struct{}

var _ Collector = (*NopMetrics)(nil)

func NewNop() *NopMetrics {
	return &NopMetrics{}
}

func (n *NopMetrics) RecordRecommendation(string)             {}
func (n *NopMetrics) RecordReassignment(string)               {}
func (n *NopMetrics) RecordRebalance(float64, int, int, bool) {}
func (n *NopMetrics) RecordRebalanceSkip(string)              {}
func (n *NopMetrics) RecordDegradedSnapshot()                 {}
func (n *NopMetrics) RecordHierarchyOp(string, bool)          {}
func (n *NopMetrics) RecordAuditFailure()                     {}

// OrNop returns c, or a nop collector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return NewNop()
	}
	return c
}
