package routing

import (
	"time"

	"github.com/sambigeara/meshroute/pkg/edge"
	"github.com/sambigeara/meshroute/pkg/types"
)

const (
	pruneKindRemoved     = "removed"
	pruneKindExpired     = "expired"
	pruneKindUnreachable = "unreachable"
)

type PruneResult struct {
	// Removed edges outlived DeleteRemovedAfter.
	Removed []edge.Key
	// Expired Added edges were not refreshed within SavePeersMaxTime.
	Expired []edge.Key
	// Unreachable Added edges join peers neither of which has been reachable
	// from the local node within SavePeersMaxTime.
	Unreachable []edge.Key
}

func (r PruneResult) Total() int {
	return len(r.Removed) + len(r.Expired) + len(r.Unreachable)
}

// Prune drops stale edges. It is driven by an external scheduler and takes
// the same lock as ingestion.
func (t *Table) Prune() PruneResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dirty.Load() {
		t.rebuildLocked()
	}
	g := t.graph.Load()
	now := t.clock.Now()

	reachable := func(p types.PeerKey) bool {
		return p == t.local || g.Reachable(p)
	}
	departed := func(p types.PeerKey) bool {
		return !reachable(p) && now.Sub(t.seen[p]) > t.cfg.SavePeersMaxTime
	}

	var res PruneResult
	for _, e := range t.edges.All() {
		age := now.Sub(t.refreshed[e.Key])
		switch {
		case !e.Active():
			if age > t.cfg.DeleteRemovedAfter {
				res.Removed = append(res.Removed, e.Key)
			}
		case age > t.cfg.SavePeersMaxTime:
			res.Expired = append(res.Expired, e.Key)
		case departed(e.Key.A) && departed(e.Key.B):
			res.Unreachable = append(res.Unreachable, e.Key)
		}
	}

	for _, keys := range [][]edge.Key{res.Removed, res.Expired, res.Unreachable} {
		for _, k := range keys {
			t.edges.Remove(k)
			delete(t.refreshed, k)
		}
	}
	if len(res.Expired)+len(res.Unreachable) > 0 {
		t.dirty.Store(true)
	}
	if res.Total() > 0 {
		t.forgetOrphansLocked()
	}

	t.metrics.Pruned(pruneKindRemoved, len(res.Removed))
	t.metrics.Pruned(pruneKindExpired, len(res.Expired))
	t.metrics.Pruned(pruneKindUnreachable, len(res.Unreachable))
	if res.Total() > 0 {
		t.log.Debugw("pruned edges",
			"removed", len(res.Removed),
			"expired", len(res.Expired),
			"unreachable", len(res.Unreachable),
			"remaining", t.edges.Len(),
		)
	}

	return res
}

func (t *Table) forgetOrphansLocked() {
	live := make(map[types.PeerKey]struct{}, len(t.seen))
	for _, e := range t.edges.All() {
		live[e.Key.A] = struct{}{}
		live[e.Key.B] = struct{}{}
	}
	for p := range t.seen {
		if _, ok := live[p]; !ok {
			delete(t.seen, p)
		}
	}
}

// RefreshedAt reports when the current edge for k was accepted.
func (t *Table) RefreshedAt(k edge.Key) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.refreshed[k]
	return ts, ok
}
