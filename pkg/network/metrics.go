package network

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons
const (
	dropMalformed   = "malformed"
	dropSignature   = "signature"
	dropDuplicate   = "duplicate"
	dropOwn         = "own"
	dropNoSession   = "no_session"
	dropReplay      = "replay"
	dropDecrypt     = "decrypt"
	dropState       = "state"
	dropFragment    = "fragment"
	dropIdentity    = "identity"
	dropUnhandled   = "unhandled"
	dropQueueFull   = "queue_full"
	dropTransport   = "transport"
	dropUnsupported = "unsupported"
	dropHandshake   = "handshake"
)

// Metrics are the node's prometheus collectors
type Metrics struct {
	PacketsIn           *prometheus.CounterVec
	PacketsOut          *prometheus.CounterVec
	PacketsDropped      *prometheus.CounterVec
	DedupHits           prometheus.Counter
	Relayed             prometheus.Counter
	FragmentsSent       prometheus.Counter
	Reassembled         prometheus.Counter
	SessionsEstablished prometheus.Counter
	SessionsFailed      prometheus.Counter
	Rekeys              prometheus.Counter
	ActiveSessions      prometheus.Gauge
	GossipResent        prometheus.Counter
	EventsDropped       prometheus.Counter
}

// NewMetrics registers the node collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PacketsIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mesh", Name: "packets_in_total",
			Help: "Decoded inbound packets by type.",
		}, []string{"type"}),
		PacketsOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mesh", Name: "packets_out_total",
			Help: "Packets handed to the transport by type.",
		}, []string{"type"}),
		PacketsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mesh", Name: "packets_dropped_total",
			Help: "Inbound packets dropped by reason.",
		}, []string{"reason"}),
		DedupHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mesh", Name: "dedup_hits_total",
			Help: "Packets already seen on another route.",
		}),
		Relayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mesh", Name: "packets_relayed_total",
			Help: "Packets forwarded for other peers.",
		}),
		FragmentsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mesh", Name: "fragments_sent_total",
			Help: "Fragment packets sent.",
		}),
		Reassembled: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mesh", Name: "fragments_reassembled_total",
			Help: "Fragment groups completed.",
		}),
		SessionsEstablished: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mesh", Name: "sessions_established_total",
			Help: "Completed handshakes.",
		}),
		SessionsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mesh", Name: "sessions_failed_total",
			Help: "Sessions that ended in Failed.",
		}),
		Rekeys: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mesh", Name: "rekeys_total",
			Help: "Completed rekeys.",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mesh", Name: "sessions_active",
			Help: "Session tasks currently running.",
		}),
		GossipResent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mesh", Name: "gossip_resent_total",
			Help: "Stored packets re-sent during reconciliation.",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mesh", Name: "events_dropped_total",
			Help: "Application events dropped because the consumer lagged.",
		}),
	}
}

func (m *Metrics) drop(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
}
