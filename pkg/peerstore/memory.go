package peerstore

import (
	"sync"

	"github.com/sambigeara/meshroute/pkg/types"
)

// Memory is a Persister that keeps encoded records in a map. Records still
// go through Encode/Decode so it fails the same way LevelDB does.
type Memory struct {
	m  map[types.PeerKey][]byte
	mu sync.Mutex
}

var _ Persister = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{m: make(map[types.PeerKey][]byte)}
}

func (m *Memory) Save(s KnownPeerState) error {
	b, err := Encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[s.Peer.ID] = b
	return nil
}

func (m *Memory) Load(peer types.PeerKey) (KnownPeerState, bool, error) {
	m.mu.Lock()
	b, ok := m.m[peer]
	m.mu.Unlock()
	if !ok {
		return KnownPeerState{}, false, nil
	}
	s, err := Decode(b)
	if err != nil {
		return KnownPeerState{}, false, withKey(err, peer)
	}
	return s, true, nil
}

func (m *Memory) LoadAll() ([]KnownPeerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]KnownPeerState, 0, len(m.m))
	for peer, b := range m.m {
		s, err := Decode(b)
		if err != nil {
			return nil, withKey(err, peer)
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func withKey(err error, peer types.PeerKey) error {
	if de, ok := err.(*DecodeError); ok {
		de.Key = keyPrefix + peer.String()
	}
	return err
}
