package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gaugeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orch_sessions_active",
		Help: "Sessions currently running",
	})

	metricFragments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_fragments_total",
		Help: "Transcript fragments handled",
	}, []string{"final"})

	metricForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_reactions_forwarded_total",
		Help: "Reactions delivered to the client",
	}, []string{"layer"})

	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_reactions_dropped_total",
		Help: "Reactions not delivered",
	}, []string{"reason"}) // synthesis, cancelled, write

	metricFanoutMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_fanout_ms",
		Help:    "Time from decision to all synthesis calls completing (ms)",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 12),
	})

	metricAudioIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_audio_in_bytes_total",
		Help: "Inbound client audio bytes",
	})

	metricAudioDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_audio_drops_total",
		Help: "Inbound chunks the transcriber refused",
	})

	metricInputRMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_input_rms",
		Help:    "RMS level of inbound audio chunks",
		Buckets: prometheus.ExponentialBuckets(50, 2, 10),
	})
)
