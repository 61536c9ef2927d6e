package edge

import "sort"

type Outcome int

const (
	OutcomeInserted Outcome = iota
	OutcomeReplaced
	OutcomeStale
	OutcomeDuplicate
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeStale:
		return "stale"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

func (o Outcome) Changed() bool {
	return o == OutcomeInserted || o == OutcomeReplaced
}

// Set holds the latest edge per peer pair. It is not safe for concurrent
// use; callers serialize access.
type Set struct {
	m map[Key]Edge
}

func NewSet() *Set {
	return &Set{m: make(map[Key]Edge)}
}

// Upsert stores e if its nonce is higher than the current edge for the pair.
// The previous edge is returned when one existed.
func (s *Set) Upsert(e Edge) (Outcome, Edge, bool) {
	prev, ok := s.m[e.Key]
	if !ok {
		s.m[e.Key] = e.Clone()
		return OutcomeInserted, Edge{}, false
	}

	switch {
	case prev.Nonce > e.Nonce:
		return OutcomeStale, prev, true
	case prev.Nonce == e.Nonce && prev.SamePayload(e):
		return OutcomeDuplicate, prev, true
	case prev.Nonce == e.Nonce:
		return OutcomeConflict, prev, true
	}

	s.m[e.Key] = e.Clone()
	return OutcomeReplaced, prev, true
}

func (s *Set) Get(k Key) (Edge, bool) {
	e, ok := s.m[k]
	return e, ok
}

func (s *Set) Remove(k Key) bool {
	if _, ok := s.m[k]; !ok {
		return false
	}
	delete(s.m, k)
	return true
}

func (s *Set) Len() int {
	return len(s.m)
}

// All returns every edge ordered by key.
func (s *Set) All() []Edge {
	out := make([]Edge, 0, len(s.m))
	for _, e := range s.m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.Less(out[j].Key)
	})
	return out
}

// Active returns the Added edges ordered by key.
func (s *Set) Active() []Edge {
	out := make([]Edge, 0, len(s.m))
	for _, e := range s.m {
		if e.Active() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.Less(out[j].Key)
	})
	return out
}
