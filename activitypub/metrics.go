package activitypub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the federation pipeline collectors. A nil registerer
// creates unregistered collectors, which is what tests use.
type Metrics struct {
	inboxActivities    *prometheus.CounterVec
	processed          *prometheus.CounterVec
	queueLength        prometheus.Gauge
	queueTasks         *prometheus.CounterVec
	redundancyCleanups *prometheus.CounterVec
	deliveries         *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const namespace = "fedtube"

	return &Metrics{
		inboxActivities: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbox_activities_total",
				Help:      "Activities received on inboxes, by validation result",
			},
			[]string{"result"},
		),
		processed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activities_processed_total",
				Help:      "Activities handled by the processor",
			},
			[]string{"type", "result"},
		),
		queueLength: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inbox_queue_length",
				Help:      "Tasks waiting in the inbox queue",
			},
		),
		queueTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbox_queue_tasks_total",
				Help:      "Tasks taken off the inbox queue",
			},
			[]string{"result"},
		),
		redundancyCleanups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redundancy_cleanups_total",
				Help:      "Redundancy cleanups run after an unfollow",
			},
			[]string{"result"},
		),
		deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Outbound activity deliveries",
			},
			[]string{"result"},
		),
	}
}
