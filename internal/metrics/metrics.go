// Package metrics exposes Prometheus instrumentation for the order
// pipeline. Dead-letter counters are the operator-visibility hook for
// events and compensation tasks that exhausted their retry budget.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_placed_total",
		Help: "Orders accepted with status RESERVED.",
	})

	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_rejected_total",
		Help: "Orders rejected before commit, by reason.",
	}, []string{"reason"})

	EventsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_dispatched_total",
		Help: "Outbox events acknowledged by the message channel.",
	})

	EventsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_dead_letter_total",
		Help: "Outbox events moved to dead-letter after exhausting retries.",
	})

	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compensations_total",
		Help: "Compensation outcomes, by terminal order status.",
	}, []string{"outcome"})

	CompensationsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compensation_tasks_dead_letter_total",
		Help: "Compensation tasks moved to dead-letter after exhausting retries.",
	})
)
