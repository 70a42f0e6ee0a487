// Package metrics exposes Prometheus counters and gauges over the node
// core's internal activity: dispatcher throughput, DKG outcomes,
// aggregator hit rate, chain and roster size, grounded on the teacher's
// internal/metrics (PrivateMetrics registry, CounterVec/GaugeVec
// definitions), reworked from the beacon/group/HTTP/client registries the
// teacher keeps to the single node-core registry this module's scope
// calls for. No HTTP server is started here — that is transport-layer,
// out of scope (spec.md §1); Registry() lets the embedder mount it on its
// own mux.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the node core updates, all
// registered on a private registry so multiple Node instances in one
// process (as in tests) never collide on prometheus's default registry.
type Metrics struct {
	registry *prometheus.Registry

	CommandsDispatched *prometheus.CounterVec
	DkgSessions        *prometheus.CounterVec
	AggregatorShares   *prometheus.CounterVec
	ChainLength        prometheus.Gauge
	RosterSize         prometheus.Gauge
	ElderCount         prometheus.Gauge
}

// New constructs and registers every metric on a fresh, private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		CommandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elderd_commands_dispatched_total",
			Help: "Number of dispatcher commands handled, by kind.",
		}, []string{"kind"}),
		DkgSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elderd_dkg_sessions_total",
			Help: "Number of DKG sessions concluded, by outcome.",
		}, []string{"outcome"}),
		AggregatorShares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elderd_aggregator_shares_total",
			Help: "Signature shares seen by the aggregator, by whether they completed an aggregation.",
		}, []string{"result"}),
		ChainLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elderd_chain_length",
			Help: "Number of keys in the section chain.",
		}),
		RosterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elderd_roster_size",
			Help: "Number of members currently tracked in the roster.",
		}),
		ElderCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elderd_elder_count",
			Help: "Number of Elders in the current section authority.",
		}),
	}
	reg.MustRegister(m.CommandsDispatched, m.DkgSessions, m.AggregatorShares,
		m.ChainLength, m.RosterSize, m.ElderCount)
	return m
}

// Registry returns the private registry these metrics are registered on,
// for the embedder to mount on its own HTTP mux.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
