package gossip

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sambigeara/meshroute/internal/testutil/memtransport"
	"github.com/sambigeara/meshroute/pkg/edge"
	"github.com/sambigeara/meshroute/pkg/peerstore"
	"github.com/sambigeara/meshroute/pkg/routing"
	"github.com/sambigeara/meshroute/pkg/sign"
	"github.com/sambigeara/meshroute/pkg/transport"
	"github.com/sambigeara/meshroute/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	key   *sign.Key
	table *routing.Table
	peers *peerstore.Store
	tr    transport.Transport
	svc   *Service
}

func testKey(b byte) *sign.Key {
	seed := make([]byte, 32)
	seed[0] = b
	return sign.KeyFromSeed(seed)
}

func newTestNode(t *testing.T, network *memtransport.Network, b byte, opts ...Option) *testNode {
	t.Helper()

	tr, err := network.Bind(fmt.Sprintf("10.0.0.%d:9000", b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	key := testKey(b)
	peers := peerstore.New()
	table := routing.New(key.Public(), routing.DefaultConfig(), routing.WithBanChecker(peers))
	cfg := Config{
		PruneInterval:     50 * time.Millisecond,
		BroadcastInterval: 20 * time.Millisecond,
		DisableJitter:     true,
	}

	return &testNode{
		key:   key,
		table: table,
		peers: peers,
		tr:    tr,
		svc:   New(key, table, peers, tr, cfg, opts...),
	}
}

func (n *testNode) info() types.PeerInfo {
	return types.PeerInfo{ID: n.key.Public(), Addr: n.tr.LocalAddr()}
}

// drain handles datagrams until none arrive for a short while.
func (n *testNode) drain(t *testing.T) int {
	t.Helper()
	count := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		src, b, err := n.tr.Recv(ctx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return count
		}
		require.NoError(t, err)
		n.svc.HandleDatagram(src, b)
		count++
	}
}

func connect(t *testing.T, from, to *testNode) {
	t.Helper()
	require.NoError(t, from.svc.Connect(to.info()))
	to.drain(t)
	from.drain(t)
}

func TestConnectEstablishesEdge(t *testing.T) {
	network := memtransport.NewNetwork()
	a := newTestNode(t, network, 1)
	b := newTestNode(t, network, 2)

	connect(t, a, b)

	for _, n := range []*testNode{a, b} {
		e, ok := n.table.Edge(a.key.Public(), b.key.Public())
		require.True(t, ok)
		assert.Equal(t, edge.Added, e.Type)
		assert.Equal(t, uint64(1), e.Nonce)
	}
	assert.True(t, a.table.Reachable(b.key.Public()))
	assert.True(t, b.table.Reachable(a.key.Public()))

	st, ok := b.peers.Get(a.key.Public())
	require.True(t, ok)
	assert.Equal(t, peerstore.StatusConnected, st.Status)
	assert.Equal(t, a.tr.LocalAddr(), st.Peer.Addr)
}

func TestFlushPropagatesAcrossHops(t *testing.T) {
	network := memtransport.NewNetwork()
	a := newTestNode(t, network, 1)
	b := newTestNode(t, network, 2)
	c := newTestNode(t, network, 3)

	connect(t, a, b)
	connect(t, c, b)

	b.svc.Flush()
	a.drain(t)
	c.drain(t)

	hop, ok := a.table.NextHop(c.key.Public())
	require.True(t, ok)
	assert.Equal(t, b.key.Public(), hop)

	r, ok := c.table.Route(a.key.Public())
	require.True(t, ok)
	assert.Equal(t, 2, r.Distance)
}

func TestFlushSkipsOrigin(t *testing.T) {
	network := memtransport.NewNetwork()
	a := newTestNode(t, network, 1)
	b := newTestNode(t, network, 2)
	c := newTestNode(t, network, 3)
	x, y := testKey(8), testKey(9)

	_, err := a.peers.MarkConnected(b.key.Public())
	require.NoError(t, err)
	_, err = a.peers.Touch(b.info())
	require.NoError(t, err)
	_, err = a.peers.Touch(c.info())
	require.NoError(t, err)
	_, err = a.peers.MarkConnected(c.key.Public())
	require.NoError(t, err)

	e, err := edge.New(x, y, edge.Added, 1)
	require.NoError(t, err)
	env := newEnvelope(KindEdges, b.key.Public())
	env.Edges = []edge.Edge{e}
	raw, err := Encode(env, b.key)
	require.NoError(t, err)

	a.svc.HandleDatagram(b.tr.LocalAddr(), raw)
	require.Equal(t, 1, a.svc.Pending())

	a.svc.Flush()
	assert.Zero(t, a.svc.Pending())
	assert.Zero(t, b.drain(t))
	assert.Equal(t, 1, c.drain(t))

	got, ok := c.table.Edge(x.Public(), y.Public())
	require.True(t, ok)
	assert.Equal(t, e, got)
}

func TestForgedEdgeBansSender(t *testing.T) {
	network := memtransport.NewNetwork()
	a := newTestNode(t, network, 1)
	liar := testKey(7)
	x, y := testKey(8), testKey(9)

	forged, err := edge.New(x, y, edge.Added, 1)
	require.NoError(t, err)
	forged.Nonce = 2

	env := newEnvelope(KindEdges, liar.Public())
	env.Edges = []edge.Edge{forged}
	raw, err := Encode(env, liar)
	require.NoError(t, err)
	a.svc.HandleDatagram("10.0.0.7:9000", raw)

	st, ok := a.peers.Get(liar.Public())
	require.True(t, ok)
	require.Equal(t, peerstore.StatusBanned, st.Status)
	assert.Equal(t, peerstore.BanReasonInvalidEdge, st.BanReason)
	assert.Zero(t, a.svc.Pending())

	valid, err := edge.New(x, y, edge.Added, 3)
	require.NoError(t, err)
	env = newEnvelope(KindEdges, liar.Public())
	env.Edges = []edge.Edge{valid}
	raw, err = Encode(env, liar)
	require.NoError(t, err)
	a.svc.HandleDatagram("10.0.0.7:9000", raw)
	assert.Equal(t, 0, a.table.Len())
}

func TestEdgesWithBannedEndpointRejected(t *testing.T) {
	network := memtransport.NewNetwork()
	a := newTestNode(t, network, 1)
	relay, x, y := testKey(6), testKey(8), testKey(9)

	_, err := a.peers.Ban(x.Public(), peerstore.BanReasonAbusive)
	require.NoError(t, err)

	e, err := edge.New(x, y, edge.Added, 1)
	require.NoError(t, err)
	env := newEnvelope(KindEdges, relay.Public())
	env.Edges = []edge.Edge{e}
	raw, err := Encode(env, relay)
	require.NoError(t, err)
	a.svc.HandleDatagram("10.0.0.6:9000", raw)

	assert.Equal(t, 0, a.table.Len())
	assert.False(t, a.peers.IsBanned(relay.Public()))
}

func TestPartialFromWrongSenderBans(t *testing.T) {
	network := memtransport.NewNetwork()
	a := newTestNode(t, network, 1)
	liar, victim := testKey(7), testKey(8)

	p, err := edge.NewPartial(victim, a.key.Public(), edge.Added, 1)
	require.NoError(t, err)
	env := newEnvelope(KindPartial, liar.Public())
	env.Partial = &p
	raw, err := Encode(env, liar)
	require.NoError(t, err)

	a.svc.HandleDatagram("10.0.0.7:9000", raw)
	assert.True(t, a.peers.IsBanned(liar.Public()))
	assert.Equal(t, 0, a.table.Len())
}

func TestSpoofedSenderDoesNotBanVictim(t *testing.T) {
	network := memtransport.NewNetwork()
	a := newTestNode(t, network, 1)
	b := newTestNode(t, network, 2)
	connect(t, a, b)
	attacker, x, y := testKey(7), testKey(8), testKey(9)

	forged, err := edge.New(x, y, edge.Added, 1)
	require.NoError(t, err)
	forged.Nonce = 2
	env := newEnvelope(KindEdges, b.key.Public())
	env.Edges = []edge.Edge{forged}
	a.svc.HandleDatagram("203.0.113.9:666", resealed(t, env, attacker, nil))

	st, ok := a.peers.Get(b.key.Public())
	require.True(t, ok)
	assert.Equal(t, peerstore.StatusConnected, st.Status)
	assert.Equal(t, b.tr.LocalAddr(), st.Peer.Addr)
	assert.True(t, a.table.Reachable(b.key.Public()))
	_, known := a.peers.Get(attacker.Public())
	assert.False(t, known)
}

func TestPartialWithUnknownTypeBans(t *testing.T) {
	network := memtransport.NewNetwork()
	a := newTestNode(t, network, 1)
	evil := testKey(7)

	const bogus = edge.Type(42)
	key := edge.NewKey(evil.Public(), a.key.Public())
	p := edge.Partial{
		From:      evil.Public(),
		To:        a.key.Public(),
		Type:      bogus,
		Nonce:     1,
		Signature: evil.Sign(edge.SigningBytes(key, bogus, 1)),
	}
	env := newEnvelope(KindPartial, evil.Public())
	env.Partial = &p
	raw, err := Encode(env, evil)
	require.NoError(t, err)
	a.svc.HandleDatagram("10.0.0.7:9000", raw)

	st, ok := a.peers.Get(evil.Public())
	require.True(t, ok)
	require.Equal(t, peerstore.StatusBanned, st.Status)
	assert.Equal(t, peerstore.BanReasonInvalidEdge, st.BanReason)
	assert.Zero(t, a.table.Len())
	assert.Zero(t, a.svc.Pending())
}

func TestEdgesWithUnknownTypeBanSender(t *testing.T) {
	network := memtransport.NewNetwork()
	a := newTestNode(t, network, 1)
	relay, x, y := testKey(6), testKey(8), testKey(9)

	const bogus = edge.Type(9)
	key := edge.NewKey(x.Public(), y.Public())
	msg := edge.SigningBytes(key, bogus, 1)
	bad := edge.Edge{Key: key, Type: bogus, Nonce: 1}
	if key.A == x.Public() {
		bad.SignatureA, bad.SignatureB = x.Sign(msg), y.Sign(msg)
	} else {
		bad.SignatureA, bad.SignatureB = y.Sign(msg), x.Sign(msg)
	}
	good, err := edge.New(x, testKey(10), edge.Added, 1)
	require.NoError(t, err)

	env := newEnvelope(KindEdges, relay.Public())
	env.Edges = []edge.Edge{bad, good}
	raw, err := Encode(env, relay)
	require.NoError(t, err)
	a.svc.HandleDatagram("10.0.0.6:9000", raw)

	assert.True(t, a.peers.IsBanned(relay.Public()))
	_, ok := a.table.Edge(x.Public(), y.Public())
	assert.False(t, ok)
	assert.Equal(t, 1, a.table.Len())
}

func TestPartialNonceJumpRefused(t *testing.T) {
	network := memtransport.NewNetwork()
	a := newTestNode(t, network, 1)
	peer := testKey(7)

	propose := func(nonce uint64) {
		p, err := edge.NewPartial(peer, a.key.Public(), edge.Added, nonce)
		require.NoError(t, err)
		env := newEnvelope(KindPartial, peer.Public())
		env.Partial = &p
		raw, err := Encode(env, peer)
		require.NoError(t, err)
		a.svc.HandleDatagram("10.0.0.7:9000", raw)
	}

	propose(maxNonceGap + 1)
	assert.Zero(t, a.table.Len())
	assert.False(t, a.peers.IsBanned(peer.Public()))

	propose(maxNonceGap)
	e, ok := a.table.Edge(peer.Public(), a.key.Public())
	require.True(t, ok)
	assert.Equal(t, uint64(maxNonceGap), e.Nonce)

	propose(math.MaxUint64)
	e, ok = a.table.Edge(peer.Public(), a.key.Public())
	require.True(t, ok)
	assert.Equal(t, uint64(maxNonceGap), e.Nonce)
	assert.False(t, a.peers.IsBanned(peer.Public()))
}

func TestDisconnectWithSpentNonceFails(t *testing.T) {
	network := memtransport.NewNetwork()
	a := newTestNode(t, network, 1)
	b := newTestNode(t, network, 2)

	last, err := edge.New(a.key, b.key, edge.Added, math.MaxUint64)
	require.NoError(t, err)
	require.Equal(t, routing.ResultAccepted, a.svc.AddLocalEdge(last))
	_, err = a.peers.Touch(b.info())
	require.NoError(t, err)

	require.ErrorIs(t, a.svc.Disconnect(b.key.Public()), ErrNonceSpent)
	require.ErrorIs(t, a.svc.Connect(b.info()), ErrNonceSpent)
	assert.Zero(t, b.drain(t))

	e, ok := a.table.Edge(a.key.Public(), b.key.Public())
	require.True(t, ok)
	assert.Equal(t, edge.Added, e.Type)
}

func TestDisconnectRemovesEdge(t *testing.T) {
	network := memtransport.NewNetwork()
	a := newTestNode(t, network, 1)
	b := newTestNode(t, network, 2)
	connect(t, a, b)

	require.NoError(t, a.svc.Disconnect(b.key.Public()))
	b.drain(t)
	a.drain(t)

	for _, n := range []*testNode{a, b} {
		e, ok := n.table.Edge(a.key.Public(), b.key.Public())
		require.True(t, ok)
		assert.Equal(t, edge.Removed, e.Type)
		assert.Equal(t, uint64(2), e.Nonce)
	}
	assert.False(t, a.table.Reachable(b.key.Public()))
	assert.Empty(t, b.peers.Connected())
}

func TestConnectToBannedPeerFails(t *testing.T) {
	network := memtransport.NewNetwork()
	a := newTestNode(t, network, 1)
	b := newTestNode(t, network, 2)

	_, err := a.peers.Ban(b.key.Public(), peerstore.BanReasonBadHandshake)
	require.NoError(t, err)
	require.ErrorIs(t, a.svc.Connect(b.info()), ErrBanned)
	require.ErrorIs(t, a.svc.Connect(types.PeerInfo{ID: b.key.Public()}), ErrNotConnected)
}

func TestAddLocalEdgeQueuesBroadcast(t *testing.T) {
	network := memtransport.NewNetwork()
	a := newTestNode(t, network, 1)
	peer := testKey(5)

	e, err := edge.New(a.key, peer, edge.Added, 1)
	require.NoError(t, err)

	require.Equal(t, routing.ResultAccepted, a.svc.AddLocalEdge(e))
	require.Equal(t, routing.ResultDuplicate, a.svc.AddLocalEdge(e))
	assert.Equal(t, 1, a.svc.Pending())
	assert.True(t, a.table.Reachable(peer.Public()))
}

type recordingSaver struct {
	saved [][]routing.StampedEdge
	mu    sync.Mutex
}

func (r *recordingSaver) Save(edges []routing.StampedEdge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, edges)
	return nil
}

func TestPruneSavesSnapshot(t *testing.T) {
	network := memtransport.NewNetwork()
	saver := &recordingSaver{}
	a := newTestNode(t, network, 1, WithSnapshot(saver))

	e, err := edge.New(a.key, testKey(5), edge.Added, 1)
	require.NoError(t, err)
	a.svc.AddLocalEdge(e)

	res := a.svc.Prune()
	assert.Zero(t, res.Total())
	require.Len(t, saver.saved, 1)
	require.Len(t, saver.saved[0], 1)
	assert.Equal(t, e, saver.saved[0][0].Edge)
	assert.False(t, saver.saved[0][0].RefreshedAt.IsZero())
}

func TestUndecodableDatagramIgnored(t *testing.T) {
	network := memtransport.NewNetwork()
	a := newTestNode(t, network, 1)

	require.NotPanics(t, func() {
		a.svc.HandleDatagram("10.0.0.9:9000", []byte("garbage"))
	})
	assert.Empty(t, a.peers.All())
}

func TestRunConvergesAndStops(t *testing.T) {
	network := memtransport.NewNetwork()
	a := newTestNode(t, network, 1)
	b := newTestNode(t, network, 2)
	c := newTestNode(t, network, 3)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 3)
	for _, n := range []*testNode{a, b, c} {
		go func() { errCh <- n.svc.Run(ctx) }()
	}

	require.NoError(t, a.svc.Connect(b.info()))
	require.NoError(t, c.svc.Connect(b.info()))

	require.Eventually(t, func() bool {
		hop, ok := a.table.NextHop(c.key.Public())
		return ok && hop == b.key.Public()
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return c.table.Reachable(a.key.Public())
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	for range 3 {
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for Run to return")
		}
	}
}
