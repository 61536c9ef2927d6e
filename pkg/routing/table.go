package routing

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sambigeara/meshroute/pkg/clock"
	"github.com/sambigeara/meshroute/pkg/edge"
	"github.com/sambigeara/meshroute/pkg/graph"
	"github.com/sambigeara/meshroute/pkg/observability/metrics"
	"github.com/sambigeara/meshroute/pkg/sign"
	"github.com/sambigeara/meshroute/pkg/types"
	"go.uber.org/zap"
)

const (
	// DefaultDeleteRemovedAfter bounds how long a Removed edge keeps its slot.
	DefaultDeleteRemovedAfter = 10 * time.Minute
	// DefaultSavePeersMaxTime bounds how long an Added edge survives without
	// being refreshed.
	DefaultSavePeersMaxTime = 7 * 24 * time.Hour
)

var ErrInvalidConfig = errors.New("invalid routing config")

type Config struct {
	DeleteRemovedAfter time.Duration
	SavePeersMaxTime   time.Duration
}

func DefaultConfig() Config {
	return Config{
		DeleteRemovedAfter: DefaultDeleteRemovedAfter,
		SavePeersMaxTime:   DefaultSavePeersMaxTime,
	}
}

func (c Config) Validate() error {
	if c.DeleteRemovedAfter <= 0 || c.SavePeersMaxTime <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("horizons must be positive"))
	}
	if c.DeleteRemovedAfter > c.SavePeersMaxTime {
		return errors.Join(ErrInvalidConfig, errors.New("deleteRemovedAfter exceeds savePeersMaxTime"))
	}
	return nil
}

type BanChecker interface {
	IsBanned(peer types.PeerKey) bool
}

type noBans struct{}

func (noBans) IsBanned(types.PeerKey) bool { return false }

type Option func(*Table)

func WithClock(c clock.Clock) Option {
	return func(t *Table) { t.clock = c }
}

func WithVerifier(v sign.Verifier) Option {
	return func(t *Table) { t.verifier = v }
}

func WithBanChecker(b BanChecker) Option {
	return func(t *Table) { t.bans = b }
}

func WithMetrics(m *metrics.Routing) Option {
	return func(t *Table) { t.metrics = m }
}

type Table struct {
	clock    clock.Clock
	verifier sign.Verifier
	bans     BanChecker
	metrics  *metrics.Routing
	log      *zap.SugaredLogger

	edges *edge.Set
	// refreshed is when the current edge for a pair was accepted.
	refreshed map[edge.Key]time.Time
	// seen is when a peer was last reachable, or first appeared in an edge
	// if it never was.
	seen  map[types.PeerKey]time.Time
	graph atomic.Pointer[graph.Graph]

	cfg   Config
	mu    sync.Mutex
	local types.PeerKey
	dirty atomic.Bool // written with mu held
}

func New(local types.PeerKey, cfg Config, opts ...Option) *Table {
	t := &Table{
		clock:     clock.Live{},
		verifier:  sign.Ed25519{},
		bans:      noBans{},
		log:       zap.S().Named("routing"),
		edges:     edge.NewSet(),
		refreshed: make(map[edge.Key]time.Time),
		seen:      make(map[types.PeerKey]time.Time),
		cfg:       cfg,
		local:     local,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.graph.Store(graph.Empty(local))
	return t
}

func (t *Table) Local() types.PeerKey {
	return t.local
}

// InsertIfNewer validates e and merges it into the edge set. Only
// ResultAccepted changes state.
func (t *Table) InsertIfNewer(e edge.Edge) Result {
	res := t.insert(e, time.Time{})
	t.metrics.Edge(res.String())
	return res
}

// insert stamps an accepted edge with the current time, or with at when it
// is set and not in the future.
func (t *Table) insert(e edge.Edge, at time.Time) Result {
	if e.Key.A == e.Key.B {
		return ResultSelfLoop
	}
	if !e.Type.Valid() {
		t.log.Debugw("edge type invalid", "edge", e.String())
		return ResultInvalidType
	}
	if t.bans.IsBanned(e.Key.A) || t.bans.IsBanned(e.Key.B) {
		return ResultBanned
	}
	if !e.Verify(t.verifier) {
		t.log.Debugw("edge signature invalid", "edge", e.String())
		return ResultInvalidSignature
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	out, prev, had := t.edges.Upsert(e)
	switch out {
	case edge.OutcomeStale:
		return ResultStale
	case edge.OutcomeDuplicate:
		return ResultDuplicate
	case edge.OutcomeConflict:
		t.log.Warnw("conflicting edge at known nonce",
			"edge", e.Key.String(),
			"nonce", e.Nonce,
			"known_type", prev.Type.String(),
			"offered_type", e.Type.String(),
		)
		t.metrics.Conflict()
		return ResultConflict
	case edge.OutcomeInserted, edge.OutcomeReplaced:
	}

	now := t.clock.Now()
	if !at.IsZero() && at.Before(now) {
		now = at
	}
	t.refreshed[e.Key] = now
	for _, p := range []types.PeerKey{e.Key.A, e.Key.B} {
		if _, ok := t.seen[p]; !ok {
			t.seen[p] = now
		}
	}

	if (!had && e.Active()) || (had && prev.Active() != e.Active()) {
		t.dirty.Store(true)
	}
	return ResultAccepted
}

type IngestResult struct {
	// Accepted edges changed the table and should be propagated.
	Accepted []edge.Edge
	Counts   map[Result]int
}

func (r IngestResult) Count(res Result) int {
	return r.Counts[res]
}

func (r IngestResult) Malicious() int {
	return r.Counts[ResultInvalidSignature] + r.Counts[ResultInvalidType] + r.Counts[ResultConflict]
}

// Ingest applies edges in order.
func (t *Table) Ingest(edges []edge.Edge) IngestResult {
	out := IngestResult{Counts: make(map[Result]int)}
	for _, e := range edges {
		res := t.InsertIfNewer(e)
		out.Counts[res]++
		if res.Accepted() {
			out.Accepted = append(out.Accepted, e.Clone())
		}
	}
	return out
}

// StampedEdge is an edge with the time it was last accepted, for persisting
// the table across restarts.
type StampedEdge struct {
	RefreshedAt time.Time
	Edge        edge.Edge
}

// Stamped returns every stored edge with its refresh time, ordered by key.
func (t *Table) Stamped() []StampedEdge {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := t.edges.All()
	out := make([]StampedEdge, 0, len(all))
	for _, e := range all {
		out = append(out, StampedEdge{Edge: e.Clone(), RefreshedAt: t.refreshed[e.Key]})
	}
	return out
}

// Restore re-admits persisted edges. They are validated like any other edge
// but keep their saved refresh time so horizons survive a restart.
func (t *Table) Restore(edges []StampedEdge) IngestResult {
	out := IngestResult{Counts: make(map[Result]int)}
	for _, se := range edges {
		res := t.insert(se.Edge, se.RefreshedAt)
		t.metrics.Edge(res.String())
		out.Counts[res]++
		if res.Accepted() {
			out.Accepted = append(out.Accepted, se.Edge.Clone())
		}
	}
	return out
}

// Graph returns the current routing snapshot, rebuilding it first if the
// active edge set changed since the last build.
func (t *Table) Graph() *graph.Graph {
	if !t.dirty.Load() {
		return t.graph.Load()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dirty.Load() {
		t.rebuildLocked()
	}
	return t.graph.Load()
}

func (t *Table) rebuildLocked() {
	g := graph.Build(t.local, t.edges.Active())

	now := t.clock.Now()
	for _, p := range g.ReachablePeers() {
		t.seen[p] = now
	}

	t.graph.Store(g)
	t.dirty.Store(false)
	t.metrics.Rebuild(len(g.ReachablePeers()))
	t.log.Debugw("rebuilt routes", "edges", g.EdgeCount(), "reachable", len(g.ReachablePeers()))
}

func (t *Table) NextHop(dest types.PeerKey) (types.PeerKey, bool) {
	return t.Graph().NextHop(dest)
}

func (t *Table) Route(dest types.PeerKey) (graph.Route, bool) {
	return t.Graph().Route(dest)
}

func (t *Table) Reachable(dest types.PeerKey) bool {
	return t.Graph().Reachable(dest)
}

func (t *Table) Routes() map[types.PeerKey]types.PeerKey {
	return t.Graph().Routes()
}

func (t *Table) Edge(a, b types.PeerKey) (edge.Edge, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.edges.Get(edge.NewKey(a, b))
	if !ok {
		return edge.Edge{}, false
	}
	return e.Clone(), true
}

// Edges returns a copy of every stored edge ordered by key.
func (t *Table) Edges() []edge.Edge {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := t.edges.All()
	for i := range all {
		all[i] = all[i].Clone()
	}
	return all
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.edges.Len()
}

// NextNonce is the nonce the local node should use for its next claim about
// the link to peer. It reports false once the stored nonce is
// math.MaxUint64 and the link can no longer change state.
func (t *Table) NextNonce(peer types.PeerKey) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.edges.Get(edge.NewKey(t.local, peer))
	if !ok {
		return 1, true
	}
	if e.Nonce == math.MaxUint64 {
		return 0, false
	}
	return e.Nonce + 1, true
}
