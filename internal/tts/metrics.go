package tts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ttsSynthesisTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_synthesis_total",
		Help: "Total TTS synthesis requests by status",
	}, []string{"status"})

	ttsLatencyMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_latency_ms",
		Help:    "Latency of a full synthesis call including any audio download",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 12),
	})

	ttsAudioBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_audio_bytes",
		Help:    "Size of synthesized audio payloads",
		Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
	})
)
