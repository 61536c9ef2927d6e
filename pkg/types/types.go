package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

const PeerKeySize = 32

var ErrInvalidPeerKey = errors.New("invalid peer key")

type PeerKey [PeerKeySize]byte // ed25519 identity pub

func PeerKeyFromBytes(b []byte) PeerKey {
	var id PeerKey
	copy(id[:], b)
	return id
}

func PeerKeyFromString(s string) (PeerKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerKey{}, fmt.Errorf("%w: %w", ErrInvalidPeerKey, err)
	}
	if len(b) != PeerKeySize {
		return PeerKey{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPeerKey, PeerKeySize, len(b))
	}
	return PeerKeyFromBytes(b), nil
}

func (pk PeerKey) Bytes() []byte {
	return pk[:]
}

func (pk PeerKey) String() string {
	return hex.EncodeToString(pk[:])
}

// Short is the first 8 hex characters, used in log fields.
func (pk PeerKey) Short() string {
	return pk.String()[:8]
}

func (pk PeerKey) Less(other PeerKey) bool {
	return bytes.Compare(pk[:], other[:]) < 0
}

func (pk PeerKey) Compare(other PeerKey) int {
	return bytes.Compare(pk[:], other[:])
}

func (pk PeerKey) IsZero() bool {
	return pk == PeerKey{}
}

type PeerInfo struct {
	Addr string // dial hint, may be empty
	ID   PeerKey
}
