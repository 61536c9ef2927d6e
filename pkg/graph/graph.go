// Package graph computes routes over the active edge set.
//
// A Graph is built from scratch from a list of edges and never mutated
// afterwards, so a built Graph can be shared between readers freely.
package graph

import (
	"slices"

	"github.com/sambigeara/meshroute/pkg/edge"
	"github.com/sambigeara/meshroute/pkg/types"
)

type Route struct {
	// NextHops holds every neighbour of the source that starts a shortest
	// path to the destination, in ascending key order.
	NextHops []types.PeerKey
	Distance int
}

// NextHop is the lowest-keyed first hop.
func (r Route) NextHop() types.PeerKey {
	return r.NextHops[0]
}

type Graph struct {
	adjacency map[types.PeerKey][]types.PeerKey
	routes    map[types.PeerKey]Route
	source    types.PeerKey
	edges     int
}

// Empty returns a graph with no routes.
func Empty(source types.PeerKey) *Graph {
	return &Graph{
		source:    source,
		adjacency: map[types.PeerKey][]types.PeerKey{},
		routes:    map[types.PeerKey]Route{},
	}
}

// Build runs a BFS from source over the Added edges in edges. Removed edges
// are ignored.
func Build(source types.PeerKey, edges []edge.Edge) *Graph {
	g := Empty(source)

	for _, e := range edges {
		if !e.Active() || e.Key.A == e.Key.B {
			continue
		}
		g.adjacency[e.Key.A] = append(g.adjacency[e.Key.A], e.Key.B)
		g.adjacency[e.Key.B] = append(g.adjacency[e.Key.B], e.Key.A)
		g.edges++
	}
	for k, peers := range g.adjacency {
		slices.SortFunc(peers, types.PeerKey.Compare)
		g.adjacency[k] = slices.Compact(peers)
	}

	g.bfs()
	return g
}

func (g *Graph) bfs() {
	dist := map[types.PeerKey]int{g.source: 0}
	hops := map[types.PeerKey]map[types.PeerKey]struct{}{}

	frontier := []types.PeerKey{g.source}
	for d := 0; len(frontier) > 0; d++ {
		var next []types.PeerKey
		for _, u := range frontier {
			for _, w := range g.adjacency[u] {
				wd, seen := dist[w]
				if !seen {
					dist[w] = d + 1
					hops[w] = map[types.PeerKey]struct{}{}
					next = append(next, w)
					wd = d + 1
				}
				if wd != d+1 {
					continue
				}
				if u == g.source {
					hops[w][w] = struct{}{}
					continue
				}
				for h := range hops[u] {
					hops[w][h] = struct{}{}
				}
			}
		}
		frontier = next
	}

	for peer, set := range hops {
		nh := make([]types.PeerKey, 0, len(set))
		for h := range set {
			nh = append(nh, h)
		}
		slices.SortFunc(nh, types.PeerKey.Compare)
		g.routes[peer] = Route{NextHops: nh, Distance: dist[peer]}
	}
}

func (g *Graph) Source() types.PeerKey {
	return g.source
}

func (g *Graph) Route(dest types.PeerKey) (Route, bool) {
	r, ok := g.routes[dest]
	return r, ok
}

func (g *Graph) NextHop(dest types.PeerKey) (types.PeerKey, bool) {
	r, ok := g.routes[dest]
	if !ok {
		return types.PeerKey{}, false
	}
	return r.NextHop(), true
}

func (g *Graph) Reachable(dest types.PeerKey) bool {
	_, ok := g.routes[dest]
	return ok
}

// ReachablePeers lists every routable destination in ascending key order.
// The source itself is not included.
func (g *Graph) ReachablePeers() []types.PeerKey {
	out := make([]types.PeerKey, 0, len(g.routes))
	for p := range g.routes {
		out = append(out, p)
	}
	slices.SortFunc(out, types.PeerKey.Compare)
	return out
}

// Routes returns a copy of the destination to next-hop table.
func (g *Graph) Routes() map[types.PeerKey]types.PeerKey {
	out := make(map[types.PeerKey]types.PeerKey, len(g.routes))
	for p, r := range g.routes {
		out[p] = r.NextHop()
	}
	return out
}

func (g *Graph) Neighbours(p types.PeerKey) []types.PeerKey {
	return slices.Clone(g.adjacency[p])
}

// EdgeCount is the number of active edges the graph was built from.
func (g *Graph) EdgeCount() int {
	return g.edges
}

func (g *Graph) PeerCount() int {
	return len(g.adjacency)
}
