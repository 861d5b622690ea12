package notifications

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "remediator"

var (
	pagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "paging",
			Name:      "pages_total",
			Help:      "Escalation pages by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	pageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "paging",
			Name:      "send_duration_seconds",
			Help:      "Time to deliver a page, retries included",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)
)

func recordPage(channel Channel, status string) {
	pagesSent.WithLabelValues(string(channel), status).Inc()
}

func recordPageDuration(channel Channel, d time.Duration) {
	pageDuration.WithLabelValues(string(channel)).Observe(d.Seconds())
}
