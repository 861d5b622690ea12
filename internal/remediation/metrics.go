package remediation

import (
	"time"

	"github.com/bissquit/incident-remediator/internal/backoff"
	"github.com/bissquit/incident-remediator/internal/domain"
	"github.com/bissquit/incident-remediator/internal/escalation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "remediator"

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total pipeline runs by disposition",
		},
		[]string{"disposition"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of a pipeline run",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 240, 480, 900},
		},
		[]string{"disposition"},
	)

	rejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "input_rejections_total",
			Help:      "Untrusted text blocked by injection screening, by source stage",
		},
		[]string{"stage"},
	)

	escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "escalations_total",
			Help:      "Incidents handed to a human, by reason",
		},
		[]string{"reason"},
	)

	waitAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "wait_attempts",
			Help:      "Polls performed by a bounded wait",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12},
		},
		[]string{"wait", "outcome"},
	)
)

func recordRun(d domain.Disposition, duration time.Duration) {
	runsTotal.WithLabelValues(string(d)).Inc()
	runDuration.WithLabelValues(string(d)).Observe(duration.Seconds())
}

func recordRejection(stage string) {
	rejectionsTotal.WithLabelValues(stage).Inc()
}

func recordEscalation(reason escalation.Reason) {
	escalationsTotal.WithLabelValues(string(reason)).Inc()
}

func recordWait(wait string, res backoff.Result) {
	outcome := "success"
	if res.Timeout {
		outcome = "timeout"
	}
	waitAttempts.WithLabelValues(wait, outcome).Observe(float64(res.Attempts))
}
