package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus collectors are registered once per process.
var (
	sendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overwatch",
		Name:      "notification_sends_total",
		Help:      "Notification send tries by channel and result.",
	}, []string{"channel", "result"})
	sendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "overwatch",
		Name:      "notification_send_duration_seconds",
		Help:      "Duration of notification sends.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"channel"})
	exhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overwatch",
		Name:      "notifications_exhausted_total",
		Help:      "Notifications that ran out of attempts.",
	}, []string{"channel"})
)
