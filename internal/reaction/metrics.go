package reaction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reaction_decisions_total",
		Help: "Decide calls by outcome (cooldown, empty, ineligible, reacted)",
	}, []string{"outcome"})

	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reaction_requests_total",
		Help: "Reaction requests produced by persona mode and layer",
	}, []string{"mode", "layer"})

	metricModeSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reaction_mode_switches_total",
		Help: "Spoken mode-switch commands applied",
	}, []string{"mode"})
)
