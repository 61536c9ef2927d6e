// Package store keeps a snapshot of the edge set on disk so a restarted node
// does not start from an empty topology. Restored edges are untrusted and
// must be re-admitted through routing.Table.Restore.
package store

import (
	"fmt"
	"path/filepath"

	"github.com/sambigeara/meshroute/pkg/edge"
	"github.com/sambigeara/meshroute/pkg/routing"
	"github.com/sambigeara/meshroute/pkg/types"
)

type Snapshot struct {
	disk  *disk
	local types.PeerKey
}

// Open locks dir for exclusive use by this process.
func Open(dir string, local types.PeerKey) (*Snapshot, error) {
	d, err := openDisk(dir)
	if err != nil {
		return nil, err
	}
	return &Snapshot{disk: d, local: local}, nil
}

func (s *Snapshot) Close() error {
	return s.disk.close()
}

// Load returns the stored edges and the identity that wrote them. A
// snapshot written by another identity is still returned; the graph is
// recomputed from the caller's point of view.
func (s *Snapshot) Load() ([]routing.StampedEdge, types.PeerKey, error) {
	st, err := s.disk.load()
	if err != nil {
		return nil, types.PeerKey{}, err
	}
	return decodeState(st)
}

// Read loads the snapshot in dir without taking the lock. Writes are atomic
// renames, so a concurrent writer never exposes a partial file.
func Read(dir string) ([]routing.StampedEdge, types.PeerKey, error) {
	d := &disk{path: filepath.Join(dir, snapshotFileName)}
	st, err := d.load()
	if err != nil {
		return nil, types.PeerKey{}, err
	}
	return decodeState(st)
}

func decodeState(st diskState) ([]routing.StampedEdge, types.PeerKey, error) {
	var (
		owner types.PeerKey
		err   error
	)
	if st.Local != "" {
		owner, err = types.PeerKeyFromString(st.Local)
		if err != nil {
			return nil, types.PeerKey{}, fmt.Errorf("snapshot owner: %w", err)
		}
	}

	edges := make([]routing.StampedEdge, 0, len(st.Edges))
	for i, de := range st.Edges {
		e, err := fromDiskEdge(de)
		if err != nil {
			return nil, types.PeerKey{}, fmt.Errorf("snapshot edge[%d]: %w", i, err)
		}
		edges = append(edges, routing.StampedEdge{Edge: e, RefreshedAt: de.RefreshedAt})
	}
	return edges, owner, nil
}

// Save writes edges atomically. Edges whose type cannot be read back are
// left out so the snapshot always loads.
func (s *Snapshot) Save(edges []routing.StampedEdge) error {
	st := diskState{
		Local: s.local.String(),
		Edges: make([]diskEdge, 0, len(edges)),
	}
	for _, e := range edges {
		if !e.Edge.Type.Valid() {
			continue
		}
		de := toDiskEdge(e.Edge)
		if !e.RefreshedAt.IsZero() {
			de.RefreshedAt = e.RefreshedAt.UTC()
		}
		st.Edges = append(st.Edges, de)
	}
	return s.disk.save(st)
}

func toDiskEdge(e edge.Edge) diskEdge {
	return diskEdge{
		A:          e.Key.A.String(),
		B:          e.Key.B.String(),
		Type:       e.Type.String(),
		Nonce:      e.Nonce,
		SignatureA: encodeHex(e.SignatureA),
		SignatureB: encodeHex(e.SignatureB),
	}
}

func fromDiskEdge(de diskEdge) (edge.Edge, error) {
	a, err := types.PeerKeyFromString(de.A)
	if err != nil {
		return edge.Edge{}, err
	}
	b, err := types.PeerKeyFromString(de.B)
	if err != nil {
		return edge.Edge{}, err
	}
	typ, ok := edge.ParseType(de.Type)
	if !ok {
		return edge.Edge{}, fmt.Errorf("unknown edge type %q", de.Type)
	}
	sigA, err := decodeHex(de.SignatureA)
	if err != nil {
		return edge.Edge{}, fmt.Errorf("signature a: %w", err)
	}
	sigB, err := decodeHex(de.SignatureB)
	if err != nil {
		return edge.Edge{}, fmt.Errorf("signature b: %w", err)
	}

	return edge.Edge{
		Key:        edge.NewKey(a, b),
		Type:       typ,
		Nonce:      de.Nonce,
		SignatureA: sigA,
		SignatureB: sigB,
	}, nil
}
