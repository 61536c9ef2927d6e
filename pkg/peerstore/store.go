package peerstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sambigeara/meshroute/pkg/clock"
	"github.com/sambigeara/meshroute/pkg/observability/metrics"
	"github.com/sambigeara/meshroute/pkg/types"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("known peer not found")

// Persister stores records keyed by peer id. Encoding is the persister's
// concern.
type Persister interface {
	Save(s KnownPeerState) error
	Load(peer types.PeerKey) (KnownPeerState, bool, error)
	LoadAll() ([]KnownPeerState, error)
	Close() error
}

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

func WithMetrics(m *metrics.Routing) Option {
	return func(s *Store) { s.metrics = m }
}

type Store struct {
	clock     clock.Clock
	persister Persister
	metrics   *metrics.Routing
	log       *zap.SugaredLogger
	m         map[types.PeerKey]*KnownPeerState
	mu        sync.RWMutex
}

func New(opts ...Option) *Store {
	s := &Store{
		clock: clock.Live{},
		log:   zap.S().Named("peerstore"),
		m:     make(map[types.PeerKey]*KnownPeerState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open builds a store and fills it from the persister. A record that fails
// to decode aborts the open; the caller decides whether to discard the
// database.
func Open(p Persister, opts ...Option) (*Store, error) {
	s := New(append(opts, WithPersister(p))...)

	states, err := p.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load known peers: %w", err)
	}
	for _, st := range states {
		cp := st
		s.m[st.Peer.ID] = &cp
	}
	s.log.Debugw("loaded known peers", "count", len(states))
	return s, nil
}

func (s *Store) Close() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Close()
}

// Add records a peer learned about indirectly, without contact. Existing
// records are left alone.
func (s *Store) Add(info types.PeerInfo) (KnownPeerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.m[info.ID]; ok {
		return *rec, nil
	}
	now := s.clock.Now()
	rec := &KnownPeerState{Peer: info, Status: StatusUnknown, FirstSeen: now, LastSeen: now}
	s.m[info.ID] = rec
	return *rec, s.persistLocked(rec)
}

// Touch records contact with a peer: new and Unknown peers become
// NotConnected, and LastSeen is refreshed. Banned peers are not touched.
func (s *Store) Touch(info types.PeerInfo) (KnownPeerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, now, created := s.ensureLocked(info.ID)
	if rec.IsBanned() {
		return *rec, nil
	}
	if info.Addr != "" {
		rec.Peer.Addr = info.Addr
	}
	if created || rec.Status == StatusUnknown {
		rec.Status = StatusNotConnected
	}
	setLastSeen(rec, now)
	return *rec, s.persistLocked(rec)
}

func (s *Store) MarkConnected(peer types.PeerKey) (KnownPeerState, error) {
	return s.transition(peer, StatusConnected)
}

func (s *Store) MarkDisconnected(peer types.PeerKey) (KnownPeerState, error) {
	return s.transition(peer, StatusNotConnected)
}

func (s *Store) transition(peer types.PeerKey, to Status) (KnownPeerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, now, _ := s.ensureLocked(peer)
	if rec.IsBanned() {
		return *rec, nil
	}
	rec.Status = to
	setLastSeen(rec, now)
	return *rec, s.persistLocked(rec)
}

// Ban marks the peer Banned regardless of its current status. Bans do not
// expire here; Unban is the only way out.
func (s *Store) Ban(peer types.PeerKey, reason BanReason) (KnownPeerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, now, _ := s.ensureLocked(peer)
	rec.Status = StatusBanned
	rec.BanReason = reason
	rec.BanTime = now
	setLastSeen(rec, now)

	s.metrics.Ban(reason.String())
	s.log.Infow("banned peer", "peer", peer.Short(), "reason", reason.String())
	return *rec, s.persistLocked(rec)
}

func (s *Store) Unban(peer types.PeerKey) (KnownPeerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.m[peer]
	if !ok {
		return KnownPeerState{}, ErrNotFound
	}
	if !rec.IsBanned() {
		return *rec, nil
	}
	rec.Status = StatusNotConnected
	rec.BanReason = BanReasonNone
	rec.BanTime = time.Time{}
	setLastSeen(rec, s.clock.Now())

	s.log.Infow("unbanned peer", "peer", peer.Short())
	return *rec, s.persistLocked(rec)
}

func (s *Store) IsBanned(peer types.PeerKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.m[peer]
	return ok && rec.IsBanned()
}

func (s *Store) Get(peer types.PeerKey) (KnownPeerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.m[peer]
	if !ok {
		return KnownPeerState{}, false
	}
	return *rec, true
}

func (s *Store) All() []KnownPeerState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]KnownPeerState, 0, len(s.m))
	for _, rec := range s.m {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Peer.ID.Less(out[j].Peer.ID)
	})
	return out
}

func (s *Store) InStatus(status Status) []KnownPeerState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []KnownPeerState
	for _, rec := range s.m {
		if rec.Status == status {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Peer.ID.Less(out[j].Peer.ID)
	})
	return out
}

func (s *Store) Connected() []KnownPeerState {
	return s.InStatus(StatusConnected)
}

func (s *Store) ensureLocked(peer types.PeerKey) (*KnownPeerState, time.Time, bool) {
	now := s.clock.Now()
	if rec, ok := s.m[peer]; ok {
		return rec, now, false
	}
	rec := &KnownPeerState{
		Peer:      types.PeerInfo{ID: peer},
		Status:    StatusUnknown,
		FirstSeen: now,
		LastSeen:  now,
	}
	s.m[peer] = rec
	return rec, now, true
}

func (s *Store) persistLocked(rec *KnownPeerState) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.Save(*rec); err != nil {
		s.log.Warnw("failed to persist known peer", "peer", rec.Peer.ID.Short(), "err", err)
		return fmt.Errorf("persist known peer: %w", err)
	}
	return nil
}

func setLastSeen(rec *KnownPeerState, now time.Time) {
	if now.Before(rec.FirstSeen) {
		now = rec.FirstSeen
	}
	rec.LastSeen = now
}
