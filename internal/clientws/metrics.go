package clientws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clientws_connections_total",
		Help: "Client connection attempts by result",
	}, []string{"result"}) // accepted, rate_limited, unauthorized, rejected

	metricAudioDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clientws_audio_dropped_total",
		Help: "Inbound audio chunks dropped because the session queue was full",
	})
)
