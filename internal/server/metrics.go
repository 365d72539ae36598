package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "samizdat"

// Metrics are registered on a per-session registry so that several sessions can
// live in one process (tests run two nodes side by side).
type Metrics struct {
	registry *prometheus.Registry

	offersStored     prometheus.Counter
	offersDuplicate  prometheus.Counter
	offersDiscovered prometheus.Counter
	envelopesDropped *prometheus.CounterVec
	sends            *prometheus.CounterVec
	vouches          *prometheus.CounterVec
	syncDuration     prometheus.Histogram
	recordsPruned    prometheus.Counter
	linesRateLimited prometheus.Counter
}

func newMetrics(s *Session) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		offersStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "offers_stored_total",
			Help:      "Offers written to the local store.",
		}),
		offersDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "offers_duplicate_total",
			Help:      "Inbound offers ignored because (sender, timestamp) was already held.",
		}),
		offersDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "offers_discovered_total",
			Help:      "Offers added to the discovered cache by the sync loop.",
		}),
		envelopesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "envelopes_dropped_total",
			Help:      "Inbound envelopes rejected, by envelope type.",
		}, []string{"type"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "peer_sends_total",
			Help:      "Per-peer deliveries, by result.",
		}, []string{"result"}),
		vouches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "vouches_total",
			Help:      "Inbound vouches, by result.",
		}, []string{"result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sync_duration_seconds",
			Help:      "Time spent in one sync tick.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		recordsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_pruned_total",
			Help:      "Expired records removed from the local store.",
		}),
		linesRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lines_rate_limited_total",
			Help:      "Inbound lines answered with RATE_LIMITED.",
		}),
	}

	m.registry.MustRegister(
		m.offersStored,
		m.offersDuplicate,
		m.offersDiscovered,
		m.envelopesDropped,
		m.sends,
		m.vouches,
		m.syncDuration,
		m.recordsPruned,
		m.linesRateLimited,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "known_peers",
			Help:      "Entries in the peer table.",
		}, func() float64 { return float64(s.peers.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "stored_records",
			Help:      "Records held by the local store, expired ones included until pruned.",
		}, func() float64 { return float64(s.store.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "discovered_offers",
			Help:      "Entries in the discovered-offers cache.",
		}, func() float64 { return float64(s.discovered.Len()) }),
	)
	return m
}

// Registry exposes the session's collectors for /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
