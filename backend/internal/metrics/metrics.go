// Package metrics provides Prometheus collectors for the collaboration coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "collab"

var (
	// ActiveSessions is the number of sessions currently held by the registry.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of live document sessions",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_rooms",
		Help:      "Number of rooms with at least one subscriber",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Number of registered websocket connections",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Events published to rooms, by event type",
	}, []string{"type"})

	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_failures_total",
		Help:      "Per-connection deliveries that failed or timed out; the connection is dropped",
	})

	RelaysDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relays_dropped_total",
		Help:      "Content changes dropped because the room no longer existed",
	})

	Saves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "saves_total",
		Help:      "Save attempts by result",
	}, []string{"result"})

	SaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "save_duration_seconds",
		Help:      "Time spent in the save path including the permission re-check",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	SweptSessions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "swept_sessions_total",
		Help:      "Sessions removed by the stale sweep",
	})

	PermissionChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "permission_checks_total",
		Help:      "Permission gate lookups by outcome",
	}, []string{"outcome"})

	KafkaEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "kafka_events_total",
		Help:      "Collaboration events handed to kafka, by result",
	}, []string{"result"})
)
