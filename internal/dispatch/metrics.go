package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	engineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "answer_extraction",
		Subsystem: "engine",
		Name:      "request_duration_seconds",
		Help:      "Duration of recognition engine calls",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 45},
	}, []string{"engine", "status"})

	engineFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "answer_extraction",
		Subsystem: "engine",
		Name:      "failures_total",
		Help:      "Recognition engine calls that failed or timed out",
	}, []string{"engine", "reason"})

	noExtraction = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "answer_extraction",
		Subsystem: "dispatch",
		Name:      "no_extraction_total",
		Help:      "Questions for which every engine failed",
	})
)
