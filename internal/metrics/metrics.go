package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsAccepted counts every accepted client connection.
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "minidis",
		Subsystem: "server",
		Name:      "connections_accepted_total",
		Help:      "Accepted TCP connections.",
	})

	// ConnectionsActive tracks currently served connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "minidis",
		Subsystem: "server",
		Name:      "connections_active",
		Help:      "Connections currently being served.",
	})

	// Commands counts dispatched commands by name.
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minidis",
		Subsystem: "server",
		Name:      "commands_total",
		Help:      "Dispatched commands.",
	}, []string{"command"})

	// ReplicatedFrames counts write frames fanned out to replicas.
	ReplicatedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "minidis",
		Subsystem: "replication",
		Name:      "replicated_frames_total",
		Help:      "Write frames published to the replication broadcast.",
	})

	// ReplicaDrops counts replica writers dropped for lagging behind
	// the broadcast.
	ReplicaDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "minidis",
		Subsystem: "replication",
		Name:      "replica_lag_drops_total",
		Help:      "Replica writers dropped on broadcast overflow.",
	})
)

// Serve exposes /metrics on the given port. Blocks; run it in its own
// goroutine.
func Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
