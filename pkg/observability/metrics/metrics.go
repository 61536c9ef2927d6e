package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "meshroute/routing"

// Routing records edge ingestion, graph and pruning activity. A nil
// *Routing is valid and records nothing.
type Routing struct {
	edges      *prometheus.CounterVec
	conflicts  prometheus.Counter
	rebuilds   prometheus.Counter
	pruned     *prometheus.CounterVec
	reachable  prometheus.Gauge
	bans       *prometheus.CounterVec
	edgeMeter  metric.Int64Counter
	pruneMeter metric.Int64Counter
}

type Option func(*options)

type options struct {
	provider metric.MeterProvider
}

// WithMeterProvider mirrors counters to mp instead of the otel global.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.provider = mp }
}

// New registers the routing collectors with reg. Passing nil uses a private
// registry, which keeps tests independent of the global default.
func New(reg prometheus.Registerer, opts ...Option) (*Routing, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.provider == nil {
		o.provider = otel.GetMeterProvider()
	}

	m := &Routing{
		edges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroute_edges_total",
			Help: "Edges offered to the routing table by result.",
		}, []string{"result"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshroute_edge_conflicts_total",
			Help: "Edges that carried a different payload at an already known nonce.",
		}),
		rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshroute_graph_rebuilds_total",
			Help: "Full route recomputations.",
		}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroute_pruned_edges_total",
			Help: "Edges dropped by pruning by kind.",
		}, []string{"kind"}),
		reachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshroute_reachable_peers",
			Help: "Peers reachable from the local node after the last rebuild.",
		}),
		bans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroute_peer_bans_total",
			Help: "Peers banned by reason.",
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{m.edges, m.conflicts, m.rebuilds, m.pruned, m.reachable, m.bans} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	m.initMeter(o.provider)
	return m, nil
}

func (m *Routing) initMeter(mp metric.MeterProvider) {
	meter := mp.Meter(meterName)
	edgeCounter, err := meter.Int64Counter("meshroute.routing.edges")
	if err != nil {
		meter = noop.NewMeterProvider().Meter(meterName)
		edgeCounter, _ = meter.Int64Counter("meshroute.routing.edges")
	}
	pruneCounter, err := meter.Int64Counter("meshroute.routing.pruned")
	if err != nil {
		meter = noop.NewMeterProvider().Meter(meterName)
		pruneCounter, _ = meter.Int64Counter("meshroute.routing.pruned")
	}
	m.edgeMeter = edgeCounter
	m.pruneMeter = pruneCounter
}

func (m *Routing) Edge(result string) {
	if m == nil {
		return
	}
	m.edges.WithLabelValues(result).Inc()
	if m.edgeMeter != nil {
		m.edgeMeter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *Routing) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Routing) Rebuild(reachable int) {
	if m == nil {
		return
	}
	m.rebuilds.Inc()
	m.reachable.Set(float64(reachable))
}

func (m *Routing) Pruned(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.pruned.WithLabelValues(kind).Add(float64(n))
	if m.pruneMeter != nil {
		m.pruneMeter.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *Routing) Ban(reason string) {
	if m == nil {
		return
	}
	m.bans.WithLabelValues(reason).Inc()
}

// Collectors are the underlying prometheus collectors, exposed for
// assertions and custom exporters.
type Collectors struct {
	Edges     *prometheus.CounterVec
	Conflicts prometheus.Counter
	Rebuilds  prometheus.Counter
	Pruned    *prometheus.CounterVec
	Reachable prometheus.Gauge
	Bans      *prometheus.CounterVec
}

func (m *Routing) Collectors() Collectors {
	return Collectors{
		Edges:     m.edges,
		Conflicts: m.conflicts,
		Rebuilds:  m.rebuilds,
		Pruned:    m.pruned,
		Reachable: m.reachable,
		Bans:      m.bans,
	}
}
