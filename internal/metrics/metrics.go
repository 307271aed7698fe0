package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace for all hotline metrics
const namespace = "hotline"

// Registry is the Prometheus registry for all metrics
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ConnectionsOpen is the number of live client connections of this process
var ConnectionsOpen = promauto.With(Registry).NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_open",
		Help:      "Number of live client connections",
	},
)

// ConnectionsClosed counts closed connections by close code
var ConnectionsClosed = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_closed_total",
		Help:      "Total number of closed client connections",
	},
	[]string{"code"},
)

// EnvelopesRouted counts envelopes received from the bus by channel and kind
// kind: revocation, domain
var EnvelopesRouted = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_routed_total",
		Help:      "Total number of envelopes routed from the bus",
	},
	[]string{"channel", "kind"},
)

// EnvelopesMalformed counts bus messages skipped because they could not be decoded
var EnvelopesMalformed = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_malformed_total",
		Help:      "Total number of malformed bus messages skipped",
	},
	[]string{"channel"},
)

// EnvelopesDelivered counts envelopes written to client connections
var EnvelopesDelivered = promauto.With(Registry).NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_delivered_total",
		Help:      "Total number of envelopes written to client connections",
	},
)

// CredentialsIssued counts issued token pairs
var CredentialsIssued = promauto.With(Registry).NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credentials_issued_total",
		Help:      "Total number of issued credential pairs",
	},
)

// CredentialsRevoked counts revocations that changed credential state
var CredentialsRevoked = promauto.With(Registry).NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credentials_revoked_total",
		Help:      "Total number of revoked credential pairs",
	},
)

// ScheduledTasks is the number of pending expiration tasks
var ScheduledTasks = promauto.With(Registry).NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduled_tasks",
		Help:      "Number of pending expiration tasks",
	},
)

// Handler exposes the registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
