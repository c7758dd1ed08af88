package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSentCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncengine",
		Name:      "messages_sent_total",
		Help:      "Total number of messages successfully sent to the external platform.",
	})
	messagesReceivedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncengine",
		Name:      "messages_received_total",
		Help:      "Total number of external messages accepted from webhooks.",
	})
	messagesFailedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncengine",
		Name:      "messages_failed_total",
		Help:      "Total number of messages that reached the failed state.",
	}, []string{"reason"})
	duplicatesDiscardedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncengine",
		Name:      "duplicate_webhook_messages_total",
		Help:      "Inbound webhook messages discarded by the dedup invariant.",
	})
	retriesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncengine",
		Name:      "delivery_retries_total",
		Help:      "Total number of delivery attempts rescheduled with backoff.",
	})
	conflictsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncengine",
		Name:      "conflicts_resolved_total",
		Help:      "Conflict resolutions by action.",
	}, []string{"action"})
	sendDurationHist = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "syncengine",
		Name:      "send_duration_seconds",
		Help:      "Duration of external platform send calls.",
		Buckets:   prometheus.DefBuckets,
	})
	queueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncengine",
		Name:      "queue_depth",
		Help:      "Current number of jobs held per queue.",
	}, []string{"queue"})
)
