// Package metrics exposes Prometheus instrumentation for the check-in
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CheckIns counts pipeline decisions by outcome kind ("success" or the
// rejection kind).
var CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "smartattend_checkins_total",
	Help: "Check-in pipeline decisions by outcome.",
}, []string{"outcome"})

// CheckInDuration observes end-to-end pipeline latency.
var CheckInDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "smartattend_checkin_duration_seconds",
	Help:    "End-to-end check-in pipeline duration.",
	Buckets: prometheus.DefBuckets,
})

// Notifications counts teacher notification deliveries by outcome
// ("delivered-live", "queued" or "dropped").
var Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "smartattend_notifications_total",
	Help: "Teacher notification deliveries by outcome.",
}, []string{"delivery"})
