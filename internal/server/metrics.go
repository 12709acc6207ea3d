package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "panoptes_active_sessions",
		Help: "Number of live analysis sessions.",
	})

	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panoptes_queries_total",
		Help: "Queries processed, by server type and outcome.",
	}, []string{"server_type", "outcome"})

	sessionsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panoptes_sessions_created_total",
		Help: "Sessions created, by server type.",
	}, []string{"server_type"})
)
