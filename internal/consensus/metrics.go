package consensus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	consensusMethods = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "answer_extraction",
		Subsystem: "consensus",
		Name:      "results_total",
		Help:      "Consensus results by the method that produced them",
	}, []string{"method"})

	reviewFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "answer_extraction",
		Subsystem: "consensus",
		Name:      "needs_review_total",
		Help:      "Consensus results flagged for human review",
	}, []string{"method"})

	arbiterFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "answer_extraction",
		Subsystem: "consensus",
		Name:      "arbiter_fallbacks_total",
		Help:      "Arbiter failures that fell back to weighted vote",
	}, []string{"reason"})
)
