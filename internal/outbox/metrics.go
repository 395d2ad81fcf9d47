package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_enqueued_total",
		Help: "Outbound messages added to the outbox",
	})

	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_dispatch_total",
			Help: "Outbox dispatch outcomes",
		},
		[]string{"outcome"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbox_send_duration_seconds",
			Help:    "Driver send latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"driver", "result"},
	)

	ticksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_ticks_skipped_total",
		Help: "Poll ticks skipped because the previous batch was still running",
	})

	lastBatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_last_batch_size",
		Help: "Messages claimed by the most recent tick",
	})
)
