// Package gossip exchanges signed edges with connected peers and drives the
// routing table's maintenance.
//
// Every accepted edge is queued and flushed to connected peers on the
// broadcast tick, skipping the peer it came from. Prune runs on its own
// tick. Datagrams are signed by their sender and dropped when the seal does
// not verify. A peer that sends an edge with a bad signature or an unknown
// type is banned.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sambigeara/meshroute/pkg/edge"
	"github.com/sambigeara/meshroute/pkg/peerstore"
	"github.com/sambigeara/meshroute/pkg/routing"
	"github.com/sambigeara/meshroute/pkg/sign"
	"github.com/sambigeara/meshroute/pkg/transport"
	"github.com/sambigeara/meshroute/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPruneInterval     = time.Minute
	defaultBroadcastInterval = 5 * time.Second
	defaultJitter            = 0.1

	// envelopeOverhead is a generous bound on everything but the edge list,
	// including the sealed frame and its signature.
	envelopeOverhead = 256
	maxPayload       = transport.MaxDatagram

	// maxNonceGap bounds how far past the stored nonce (0 when none) a
	// proposal may jump before it is refused.
	maxNonceGap = 1 << 16
)

var (
	ErrNotConnected = errors.New("peer has no known address")
	ErrBanned       = errors.New("peer is banned")
	ErrNonceSpent   = errors.New("link nonce exhausted")
)

type Config struct {
	PruneInterval     time.Duration
	BroadcastInterval time.Duration
	Jitter            float64
	DisableJitter     bool
}

func (c Config) withDefaults() Config {
	if c.PruneInterval <= 0 {
		c.PruneInterval = defaultPruneInterval
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = defaultBroadcastInterval
	}
	if c.DisableJitter {
		c.Jitter = 0
	} else if c.Jitter <= 0 {
		c.Jitter = defaultJitter
	}
	return c
}

// SnapshotSaver persists the edge set after each prune.
type SnapshotSaver interface {
	Save(edges []routing.StampedEdge) error
}

type Option func(*Service)

func WithSnapshot(s SnapshotSaver) Option {
	return func(svc *Service) { svc.snapshot = s }
}

func WithVerifier(v sign.Verifier) Option {
	return func(svc *Service) { svc.verifier = v }
}

type pending struct {
	origin types.PeerKey
	edge   edge.Edge
}

type Service struct {
	signer    sign.Signer
	verifier  sign.Verifier
	table     *routing.Table
	peers     *peerstore.Store
	tr        transport.Transport
	snapshot  SnapshotSaver
	log       *zap.SugaredLogger
	broadcast *ticker
	queue     []pending
	cfg       Config
	mu        sync.Mutex
}

func New(signer sign.Signer, table *routing.Table, peers *peerstore.Store, tr transport.Transport, cfg Config, opts ...Option) *Service {
	s := &Service{
		signer:   signer,
		verifier: sign.Ed25519{},
		table:    table,
		peers:    peers,
		tr:       tr,
		cfg:      cfg.withDefaults(),
		log:      zap.S().Named("gossip"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Local() types.PeerKey {
	return s.signer.Public()
}

// Run blocks until ctx is done or the transport fails permanently.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.recvLoop(ctx) })
	g.Go(func() error { return s.tickLoop(ctx) })
	return g.Wait()
}

func (s *Service) recvLoop(ctx context.Context) error {
	for {
		src, b, err := s.tr.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			s.log.Debugw("recv failed", "err", err)
			continue
		}
		s.HandleDatagram(src, b)
	}
}

func (s *Service) tickLoop(ctx context.Context) error {
	pruneTicker := newTicker(ctx, s.cfg.PruneInterval, s.cfg.Jitter)
	defer pruneTicker.Stop()

	broadcastTicker := newTicker(ctx, s.cfg.BroadcastInterval, s.cfg.Jitter)
	defer broadcastTicker.Stop()

	s.mu.Lock()
	s.broadcast = broadcastTicker
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pruneTicker.C:
			s.Prune()
		case <-broadcastTicker.C:
			s.Flush()
		}
	}
}

// HandleDatagram processes one message from src.
func (s *Service) HandleDatagram(src string, b []byte) {
	env, err := Decode(b, s.verifier)
	if err != nil {
		s.log.Debugw("dropping undecodable datagram", "src", src, "err", err)
		return
	}
	if env.From == s.Local() || env.From.IsZero() {
		return
	}
	if s.peers.IsBanned(env.From) {
		s.log.Debugw("dropping datagram from banned peer", "peer", env.From.Short())
		return
	}
	if _, err := s.peers.Touch(types.PeerInfo{ID: env.From, Addr: src}); err != nil {
		s.log.Warnw("failed to record peer", "peer", env.From.Short(), "err", err)
	}

	switch env.Kind {
	case KindEdges:
		s.handleEdges(env)
	case KindSyncRequest:
		s.sendEdges(src, s.table.Edges())
	case KindPartial:
		s.handlePartial(src, env)
	}
}

func (s *Service) handleEdges(env *Envelope) {
	res := s.table.Ingest(env.Edges)
	s.enqueue(env.From, res.Accepted)

	if n := res.Count(routing.ResultInvalidSignature) + res.Count(routing.ResultInvalidType); n > 0 {
		s.log.Warnw("peer sent forged edges", "peer", env.From.Short(), "count", n)
		s.banPeer(env.From, peerstore.BanReasonInvalidEdge)
	}
	if len(res.Accepted) > 0 {
		s.log.Debugw("ingested edges", "from", env.From.Short(), "offered", len(env.Edges), "accepted", len(res.Accepted))
	}
}

func (s *Service) handlePartial(src string, env *Envelope) {
	p := *env.Partial
	if p.From != env.From {
		s.log.Warnw("partial edge not from its sender", "peer", env.From.Short())
		s.banPeer(env.From, peerstore.BanReasonInvalidEdge)
		return
	}

	var known uint64
	cur, had := s.table.Edge(p.From, p.To)
	if had {
		known = cur.Nonce
	}
	if p.Nonce > known && p.Nonce-known > maxNonceGap {
		s.log.Warnw("refusing partial edge far past the known nonce", "peer", env.From.Short(), "nonce", p.Nonce, "known", known)
		if had {
			s.sendEdges(src, []edge.Edge{cur})
		}
		return
	}

	e, err := edge.Complete(p, s.signer, s.verifier)
	switch {
	case errors.Is(err, edge.ErrPartialSignature):
		s.banPeer(env.From, peerstore.BanReasonInvalidSignature)
		return
	case errors.Is(err, edge.ErrInvalidType):
		s.log.Warnw("partial edge with unknown type", "peer", env.From.Short(), "type", uint8(p.Type))
		s.banPeer(env.From, peerstore.BanReasonInvalidEdge)
		return
	case err != nil:
		s.log.Debugw("ignoring partial edge", "peer", env.From.Short(), "err", err)
		return
	}

	res := s.table.InsertIfNewer(e)
	if res.Accepted() {
		s.markLink(env.From, e.Type)
		s.enqueue(env.From, []edge.Edge{e})
		s.sendEdges(src, []edge.Edge{e})
		s.log.Infow("countersigned edge", "peer", env.From.Short(), "type", e.Type.String(), "nonce", e.Nonce)
		return
	}

	// Let the proposer catch up with whatever we hold for the pair.
	if cur, ok := s.table.Edge(p.From, p.To); ok {
		s.sendEdges(src, []edge.Edge{cur})
	}
}

// Connect records peer as connected and proposes an Added edge to it. The
// edge enters the table once the peer countersigns it.
func (s *Service) Connect(info types.PeerInfo) error {
	if info.Addr == "" {
		return ErrNotConnected
	}
	if s.peers.IsBanned(info.ID) {
		return fmt.Errorf("connect %s: %w", info.ID.Short(), ErrBanned)
	}
	if _, err := s.peers.Touch(info); err != nil {
		return err
	}
	if _, err := s.peers.MarkConnected(info.ID); err != nil {
		return err
	}

	if err := s.propose(info, edge.Added); err != nil {
		return err
	}
	return s.send(info.Addr, newEnvelope(KindSyncRequest, s.Local()))
}

// Disconnect marks peer disconnected and, if it is still addressable, asks it
// to countersign a Removed edge.
func (s *Service) Disconnect(peer types.PeerKey) error {
	st, err := s.peers.MarkDisconnected(peer)
	if err != nil {
		return err
	}
	if st.Peer.Addr == "" {
		return nil
	}
	return s.propose(st.Peer, edge.Removed)
}

func (s *Service) propose(info types.PeerInfo, t edge.Type) error {
	nonce, ok := s.table.NextNonce(info.ID)
	if !ok {
		s.log.Warnw("link nonce exhausted, cannot change link state", "peer", info.ID.Short(), "type", t.String())
		return fmt.Errorf("propose %s to %s: %w", t, info.ID.Short(), ErrNonceSpent)
	}
	p, err := edge.NewPartial(s.signer, info.ID, t, nonce)
	if err != nil {
		return err
	}
	env := newEnvelope(KindPartial, s.Local())
	env.Partial = &p
	return s.send(info.Addr, env)
}

// AddLocalEdge inserts an edge the host built itself and schedules it for
// broadcast.
func (s *Service) AddLocalEdge(e edge.Edge) routing.Result {
	res := s.table.InsertIfNewer(e)
	if res.Accepted() {
		s.enqueue(s.Local(), []edge.Edge{e})
		s.mu.Lock()
		if s.broadcast != nil {
			s.broadcast.Poke()
		}
		s.mu.Unlock()
	}
	return res
}

func (s *Service) enqueue(origin types.PeerKey, edges []edge.Edge) {
	if len(edges) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range edges {
		s.queue = append(s.queue, pending{origin: origin, edge: e})
	}
}

// Pending reports how many edges await the next flush.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Flush sends every queued edge to each connected peer other than the one
// it was learned from.
func (s *Service) Flush() {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()

	if len(queue) == 0 {
		return
	}

	for _, st := range s.peers.Connected() {
		if st.Peer.Addr == "" || st.Peer.ID == s.Local() {
			continue
		}
		var out []edge.Edge
		for _, p := range queue {
			if p.origin != st.Peer.ID {
				out = append(out, p.edge)
			}
		}
		s.sendEdges(st.Peer.Addr, out)
	}
}

// Prune drops stale edges and writes the snapshot.
func (s *Service) Prune() routing.PruneResult {
	res := s.table.Prune()
	if s.snapshot != nil {
		if err := s.snapshot.Save(s.table.Stamped()); err != nil {
			s.log.Warnw("failed to save edge snapshot", "err", err)
		}
	}
	return res
}

func (s *Service) markLink(peer types.PeerKey, t edge.Type) {
	var err error
	if t == edge.Added {
		_, err = s.peers.MarkConnected(peer)
	} else {
		_, err = s.peers.MarkDisconnected(peer)
	}
	if err != nil {
		s.log.Warnw("failed to record link state", "peer", peer.Short(), "err", err)
	}
}

func (s *Service) banPeer(peer types.PeerKey, reason peerstore.BanReason) {
	if _, err := s.peers.Ban(peer, reason); err != nil {
		s.log.Warnw("failed to persist ban", "peer", peer.Short(), "err", err)
	}
}

func (s *Service) sendEdges(dst string, edges []edge.Edge) {
	for _, batch := range batchEdges(edges, maxPayload) {
		env := newEnvelope(KindEdges, s.Local())
		env.Edges = batch
		if err := s.send(dst, env); err != nil {
			s.log.Debugw("edge send failed", "dst", dst, "err", err)
		}
	}
}

func (s *Service) send(dst string, env *Envelope) error {
	b, err := Encode(env, s.signer)
	if err != nil {
		return err
	}
	return s.tr.Send(dst, b)
}
