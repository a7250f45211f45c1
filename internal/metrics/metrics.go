package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics owns the node's prometheus registry. All counters are
// content-free: volumes and outcomes only, never identifiers, so scraping
// the endpoint leaks nothing about who talks to whom.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesSealed    prometheus.Counter
	MessagesDelivered prometheus.Counter
	MessagesFailed    prometheus.Counter
	MessagesExpired   prometheus.Counter

	RelayForwarded      prometheus.Counter
	RelayDropped        *prometheus.CounterVec
	RelayBudgetConsumed prometheus.Counter

	QueueDepth      prometheus.Gauge
	DedupSuppressed prometheus.Counter

	TransportSends  *prometheus.CounterVec
	PeersKnown      prometheus.Gauge
	DiscoveryCycles prometheus.Counter
	ActiveProfile   *prometheus.GaugeVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		MessagesSealed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mesh_messages_sealed_total",
			Help: "Locally originated messages sealed into envelopes.",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "mesh_messages_delivered_total",
			Help: "Locally originated messages confirmed delivered.",
		}),
		MessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mesh_messages_failed_total",
			Help: "Locally originated messages that exhausted retries.",
		}),
		MessagesExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "mesh_messages_expired_total",
			Help: "Messages dropped because their TTL lapsed.",
		}),

		RelayForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "mesh_relay_forwarded_total",
			Help: "Envelopes forwarded on behalf of other peers.",
		}),
		RelayDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_relay_dropped_total",
			Help: "Forward candidates dropped, by reason.",
		}, []string{"reason"}),
		RelayBudgetConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mesh_relay_budget_consumed_total",
			Help: "Relay budget units consumed across all windows.",
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_queue_depth",
			Help: "Entries currently in the store-and-forward queue.",
		}),
		DedupSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mesh_dedup_suppressed_total",
			Help: "Inbound envelopes suppressed as duplicates.",
		}),

		TransportSends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_transport_sends_total",
			Help: "Frames submitted to transports, by transport and outcome.",
		}, []string{"transport", "outcome"}),
		PeersKnown: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_peers_known",
			Help: "Peer records currently in the directory.",
		}),
		DiscoveryCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "mesh_discovery_cycles_total",
			Help: "Completed discovery publish+scan cycles.",
		}),
		ActiveProfile: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_active_profile",
			Help: "1 for the active adaptive profile, 0 otherwise.",
		}, []string{"profile"}),
	}
}

// SetProfile flips the active-profile gauge set to the named profile.
func (m *Metrics) SetProfile(name string, all []string) {
	for _, profile := range all {
		value := 0.0
		if profile == name {
			value = 1.0
		}
		m.ActiveProfile.WithLabelValues(profile).Set(value)
	}
}
