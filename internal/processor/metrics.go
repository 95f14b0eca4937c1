package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "answer_extraction",
		Subsystem: "submission",
		Name:      "duration_seconds",
		Help:      "End-to-end time to extract one submission",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "answer_extraction",
		Subsystem: "submission",
		Name:      "total",
		Help:      "Submissions processed, by outcome",
	}, []string{"outcome"})

	questionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "answer_extraction",
		Subsystem: "question",
		Name:      "total",
		Help:      "Questions processed, by extraction status",
	}, []string{"status"})
)
