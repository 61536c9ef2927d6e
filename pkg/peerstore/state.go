package peerstore

import (
	"time"

	"github.com/sambigeara/meshroute/pkg/types"
)

type Status uint8

const (
	StatusUnknown Status = iota
	StatusNotConnected
	StatusConnected
	StatusBanned
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusNotConnected:
		return "not_connected"
	case StatusConnected:
		return "connected"
	case StatusBanned:
		return "banned"
	default:
		return "invalid"
	}
}

type BanReason uint8

const (
	BanReasonNone BanReason = iota
	BanReasonBadBlock
	BanReasonBadBlockHeader
	BanReasonHeightFraud
	BanReasonBadHandshake
	BanReasonBadBlockApproval
	BanReasonAbusive
	BanReasonInvalidSignature
	BanReasonInvalidPeerID
	BanReasonInvalidHash
	BanReasonInvalidEdge
	banReasonCount
)

var banReasonNames = [...]string{
	BanReasonNone:             "none",
	BanReasonBadBlock:         "bad_block",
	BanReasonBadBlockHeader:   "bad_block_header",
	BanReasonHeightFraud:      "height_fraud",
	BanReasonBadHandshake:     "bad_handshake",
	BanReasonBadBlockApproval: "bad_block_approval",
	BanReasonAbusive:          "abusive",
	BanReasonInvalidSignature: "invalid_signature",
	BanReasonInvalidPeerID:    "invalid_peer_id",
	BanReasonInvalidHash:      "invalid_hash",
	BanReasonInvalidEdge:      "invalid_edge",
}

func (r BanReason) String() string {
	if r >= banReasonCount {
		return "invalid"
	}
	return banReasonNames[r]
}

func ParseBanReason(s string) (BanReason, bool) {
	for i, name := range banReasonNames {
		if name == s {
			return BanReason(i), true //nolint:gosec
		}
	}
	return BanReasonNone, false
}

// KnownPeerState is what the node remembers about a peer. FirstSeen never
// exceeds LastSeen.
type KnownPeerState struct {
	FirstSeen time.Time
	LastSeen  time.Time
	BanTime   time.Time
	Peer      types.PeerInfo
	Status    Status
	BanReason BanReason
}

func (s KnownPeerState) IsBanned() bool {
	return s.Status == StatusBanned
}
