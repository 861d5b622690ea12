package stage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "remediator"

var (
	invocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "invocations_total",
			Help:      "Total remote stage invocations by outcome",
		},
		[]string{"stage", "outcome"},
	)

	invocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "invocation_duration_seconds",
			Help:      "Time to receive a remote stage response",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)
)

func recordInvocation(name Name, outcome string, duration time.Duration) {
	invocations.WithLabelValues(string(name), outcome).Inc()
	invocationDuration.WithLabelValues(string(name)).Observe(duration.Seconds())
}
