package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	InboxAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mammut",
		Subsystem: "inbox",
		Name:      "activities_accepted_total",
		Help:      "Inbound activities that passed verification, by activity type.",
	}, []string{"type"})

	InboxRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mammut",
		Subsystem: "inbox",
		Name:      "activities_rejected_total",
		Help:      "Inbound activities rejected by the verifier, by reason.",
	}, []string{"reason"})

	DeliveriesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mammut",
		Subsystem: "delivery",
		Name:      "delivered_total",
		Help:      "Delivery attempts that reached the remote inbox.",
	})

	DeliveriesRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mammut",
		Subsystem: "delivery",
		Name:      "retried_total",
		Help:      "Delivery attempts rescheduled after a transient failure.",
	})

	DeliveriesDead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mammut",
		Subsystem: "delivery",
		Name:      "dead_total",
		Help:      "Delivery attempts abandoned after a permanent failure or retry ceiling.",
	})

	BreakerOpens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mammut",
		Subsystem: "delivery",
		Name:      "breaker_opens_total",
		Help:      "Circuit breaker transitions to open, by destination host.",
	}, []string{"host"})

	ResolverCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mammut",
		Subsystem: "resolver",
		Name:      "cache_hits_total",
		Help:      "Actor resolutions served from the fresh cache.",
	})

	ResolverCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mammut",
		Subsystem: "resolver",
		Name:      "cache_misses_total",
		Help:      "Actor resolutions that required a remote fetch.",
	})
)

func init() {
	prometheus.MustRegister(
		InboxAccepted,
		InboxRejected,
		DeliveriesDelivered,
		DeliveriesRetried,
		DeliveriesDead,
		BreakerOpens,
		ResolverCacheHits,
		ResolverCacheMisses,
	)
}
