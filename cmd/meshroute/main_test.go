package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/sambigeara/meshroute/pkg/edge"
	"github.com/sambigeara/meshroute/pkg/peerstore"
	"github.com/sambigeara/meshroute/pkg/routing"
	"github.com/sambigeara/meshroute/pkg/sign"
	"github.com/sambigeara/meshroute/pkg/store"
	"github.com/sambigeara/meshroute/pkg/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
)

func testKey(b byte) *sign.Key {
	seed := make([]byte, 32)
	seed[0] = b
	return sign.KeyFromSeed(seed)
}

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--dir", dir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func saveSnapshot(t *testing.T, dir string, edges ...routing.StampedEdge) *sign.Key {
	t.Helper()
	local, err := sign.LoadOrCreateKey(dir)
	require.NoError(t, err)
	snap, err := store.Open(dir, local.Public())
	require.NoError(t, err)
	require.NoError(t, snap.Save(edges))
	require.NoError(t, snap.Close())
	return local
}

func TestKeygenIsStable(t *testing.T) {
	dir := t.TempDir()
	first, err := run(t, dir, "keygen")
	require.NoError(t, err)
	second, err := run(t, dir, "keygen")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 65)
}

func TestPeersBanListUnban(t *testing.T) {
	dir := t.TempDir()
	peer := testKey(7).Public()

	out, err := run(t, dir, "peers", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "(none)")

	out, err = run(t, dir, "peers", "ban", peer.String(), "--reason", "invalid_edge")
	require.NoError(t, err)
	assert.Contains(t, out, "banned "+peer.Short())

	out, err = run(t, dir, "peers", "list", "--wide")
	require.NoError(t, err)
	assert.Contains(t, out, peer.String())
	assert.Contains(t, out, "banned")
	assert.Contains(t, out, "invalid_edge")

	_, err = run(t, dir, "peers", "unban", peer.String())
	require.NoError(t, err)

	out, err = run(t, dir, "peers", "list", "--status", "banned")
	require.NoError(t, err)
	assert.Contains(t, out, "(none)")

	out, err = run(t, dir, "peers", "list", "--status", "not_connected", "--wide")
	require.NoError(t, err)
	assert.Contains(t, out, peer.String())
}

func TestPeersBanRejectsUnknownReason(t *testing.T) {
	_, err := run(t, t.TempDir(), "peers", "ban", testKey(7).Public().String(), "--reason", "rude")
	require.ErrorContains(t, err, "unknown ban reason")
}

func TestPeersUnbanUnknownPeer(t *testing.T) {
	_, err := run(t, t.TempDir(), "peers", "unban", testKey(7).Public().String())
	require.ErrorIs(t, err, peerstore.ErrNotFound)
}

func TestPeersRepairDropsCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	peer := testKey(7).Public()
	_, err := run(t, dir, "peers", "ban", peer.String())
	require.NoError(t, err)

	db, err := leveldb.OpenFile(workspace.PeersPath(dir), nil)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("peer:"+testKey(8).Public().String()), []byte{0xc1, 0x00}, nil))
	require.NoError(t, db.Close())

	_, err = run(t, dir, "peers", "list")
	var de *peerstore.DecodeError
	require.ErrorAs(t, err, &de)

	out, err := run(t, dir, "peers", "repair")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted peer:"+testKey(8).Public().String())
	assert.Contains(t, out, "1 corrupt records deleted")

	out, err = run(t, dir, "peers", "list", "--wide")
	require.NoError(t, err)
	assert.Contains(t, out, peer.String())
	assert.NotContains(t, out, testKey(8).Public().String())
}

func TestRoutesFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	local, err := sign.LoadOrCreateKey(dir)
	require.NoError(t, err)
	a, b := testKey(2), testKey(3)

	la, err := edge.New(local, a, edge.Added, 1)
	require.NoError(t, err)
	ab, err := edge.New(a, b, edge.Added, 1)
	require.NoError(t, err)
	saveSnapshot(t, dir, routing.StampedEdge{Edge: la}, routing.StampedEdge{Edge: ab})

	out, err := run(t, dir, "routes", "--wide")
	require.NoError(t, err)
	assert.Contains(t, out, "DESTINATION")
	assert.Contains(t, out, b.Public().String())
	assert.Contains(t, out, "2 edges loaded, 0 rejected")
}

func TestRoutesFromOtherSource(t *testing.T) {
	dir := t.TempDir()
	a, b := testKey(2), testKey(3)
	ab, err := edge.New(a, b, edge.Added, 1)
	require.NoError(t, err)
	saveSnapshot(t, dir, routing.StampedEdge{Edge: ab})

	out, err := run(t, dir, "routes")
	require.NoError(t, err)
	assert.Contains(t, out, "(none)")

	out, err = run(t, dir, "routes", "--from", a.Public().String(), "--wide")
	require.NoError(t, err)
	assert.Contains(t, out, b.Public().String())
}

func TestPruneDropsAgedEdges(t *testing.T) {
	dir := t.TempDir()
	local, err := sign.LoadOrCreateKey(dir)
	require.NoError(t, err)
	a, b := testKey(2), testKey(3)

	old := time.Now().Add(-2 * routing.DefaultSavePeersMaxTime)
	gone, err := edge.New(local, a, edge.Removed, 2)
	require.NoError(t, err)
	live, err := edge.New(local, b, edge.Added, 1)
	require.NoError(t, err)
	saveSnapshot(t, dir,
		routing.StampedEdge{Edge: gone, RefreshedAt: old},
		routing.StampedEdge{Edge: live, RefreshedAt: time.Now()},
	)

	out, err := run(t, dir, "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "pruned 1 edges (1 removed, 0 expired, 0 unreachable), 1 remain")

	edges, _, err := store.Read(dir)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, live.Key, edges[0].Edge.Key)
}

func TestParsePeerSpec(t *testing.T) {
	pk := testKey(4).Public()

	p, err := parsePeerSpec(pk.String() + "@10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, pk, p.ID)
	assert.Equal(t, "10.0.0.1:60611", p.Addr)

	p, err = parsePeerSpec(pk.String() + "@10.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9000", p.Addr)

	for _, bad := range []string{"", pk.String(), "zz@10.0.0.1", pk.String() + "@"} {
		_, err := parsePeerSpec(bad)
		assert.Error(t, err, bad)
	}
}

func TestRenderTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	renderTable(&buf, []string{"A"}, nil, "footer")
	assert.Equal(t, "(none)\nfooter\n", buf.String())
}

func TestNodeRejectsBadPeerFlag(t *testing.T) {
	_, err := run(t, t.TempDir(), "node", "--peer", "nonsense")
	require.ErrorContains(t, err, "expected <peer-id>@<host:port>")
}
