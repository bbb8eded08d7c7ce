package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the node's prometheus instruments. A nil *Metrics
// is valid and records nothing, so tests can pass nil.
type Metrics struct {
	EventsCommitted  *prometheus.CounterVec // by event domain
	EventsRejected   *prometheus.CounterVec // by error kind
	EventsBuffered   prometheus.Gauge       // out-of-order buffer occupancy
	CommitLatency    prometheus.Histogram
	GossipReceived   prometheus.Counter
	GossipPublished  prometheus.Counter
	PeersConnected   prometheus.Gauge
	PeersBanned      prometheus.Counter
	BackfillEvents   prometheus.Counter
	LedgerCursor     prometheus.Gauge
}

// New registers the node instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsCommitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claw_events_committed_total",
			Help: "Events committed to the log, by event domain.",
		}, []string{"domain"}),
		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claw_events_rejected_total",
			Help: "Events rejected by the validation pipeline, by error kind.",
		}, []string{"kind"}),
		EventsBuffered: f.NewGauge(prometheus.GaugeOpts{
			Name: "claw_events_buffered",
			Help: "Out-of-order events currently held in the nonce buffer.",
		}),
		CommitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "claw_commit_latency_seconds",
			Help:    "Time from dequeue to durable commit.",
			Buckets: prometheus.DefBuckets,
		}),
		GossipReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "claw_gossip_received_total",
			Help: "Envelopes received from peers.",
		}),
		GossipPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "claw_gossip_published_total",
			Help: "Envelopes published to peers.",
		}),
		PeersConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "claw_peers_connected",
			Help: "Currently connected peers.",
		}),
		PeersBanned: f.NewCounter(prometheus.CounterOpts{
			Name: "claw_peers_banned_total",
			Help: "Peers banned for low score.",
		}),
		BackfillEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "claw_backfill_events_total",
			Help: "Events ingested via range backfill.",
		}),
		LedgerCursor: f.NewGauge(prometheus.GaugeOpts{
			Name: "claw_ledger_cursor",
			Help: "Last committed log sequence.",
		}),
	}
}

func (m *Metrics) Committed(domain string) {
	if m != nil {
		m.EventsCommitted.WithLabelValues(domain).Inc()
	}
}

func (m *Metrics) Rejected(kind string) {
	if m != nil {
		m.EventsRejected.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Buffered(n int) {
	if m != nil {
		m.EventsBuffered.Set(float64(n))
	}
}

func (m *Metrics) Cursor(seq uint64) {
	if m != nil {
		m.LedgerCursor.Set(float64(seq))
	}
}

func (m *Metrics) ObserveCommit(seconds float64) {
	if m != nil {
		m.CommitLatency.Observe(seconds)
	}
}
