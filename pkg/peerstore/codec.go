package peerstore

import (
	"errors"
	"fmt"

	"github.com/sambigeara/meshroute/pkg/clock"
	"github.com/sambigeara/meshroute/pkg/types"
	"github.com/ugorji/go/codec"
)

const recordVersion = 1

var (
	errRecordVersion = errors.New("unsupported record version")
	errRecordID      = errors.New("malformed peer id")
	errRecordStatus  = errors.New("unknown status")
	errRecordTimes   = errors.New("first seen after last seen")
	errRecordKey     = errors.New("not a peer record key")
)

// DecodeError reports a persisted record that could not be turned back into
// a KnownPeerState.
type DecodeError struct {
	Err error
	Key string
}

func (e *DecodeError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("decode known peer: %v", e.Err)
	}
	return fmt.Sprintf("decode known peer %s: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var msgpack = newHandle()

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.Canonical = true
	h.RawToString = true
	return h
}

type record struct {
	ID        []byte `codec:"id"`
	Addr      string `codec:"addr"`
	FirstSeen uint64 `codec:"fs"`
	LastSeen  uint64 `codec:"ls"`
	BanTime   uint64 `codec:"bt"`
	Version   uint8  `codec:"v"`
	Status    uint8  `codec:"st"`
	BanReason uint8  `codec:"br"`
}

func Encode(s KnownPeerState) ([]byte, error) {
	rec := record{
		Version:   recordVersion,
		ID:        append([]byte(nil), s.Peer.ID.Bytes()...),
		Addr:      s.Peer.Addr,
		Status:    uint8(s.Status),
		BanReason: uint8(s.BanReason),
		FirstSeen: clock.ToTimestamp(s.FirstSeen),
		LastSeen:  clock.ToTimestamp(s.LastSeen),
	}
	if !s.BanTime.IsZero() {
		rec.BanTime = clock.ToTimestamp(s.BanTime)
	}

	b, err := encodeRecord(&rec)
	if err != nil {
		return nil, fmt.Errorf("encode known peer: %w", err)
	}
	return b, nil
}

func encodeRecord(rec *record) ([]byte, error) {
	var b []byte
	err := codec.NewEncoderBytes(&b, msgpack).Encode(rec)
	return b, err
}

func decodeRecord(b []byte, rec *record) error {
	return codec.NewDecoderBytes(b, msgpack).Decode(rec)
}

func Decode(b []byte) (KnownPeerState, error) {
	var rec record
	if err := decodeRecord(b, &rec); err != nil {
		return KnownPeerState{}, &DecodeError{Err: err}
	}

	switch {
	case rec.Version != recordVersion:
		return KnownPeerState{}, &DecodeError{Err: fmt.Errorf("%w: %d", errRecordVersion, rec.Version)}
	case len(rec.ID) != types.PeerKeySize:
		return KnownPeerState{}, &DecodeError{Err: errRecordID}
	case Status(rec.Status) > StatusBanned || BanReason(rec.BanReason) >= banReasonCount:
		return KnownPeerState{}, &DecodeError{Err: errRecordStatus}
	case rec.FirstSeen > rec.LastSeen:
		return KnownPeerState{}, &DecodeError{Err: errRecordTimes}
	}

	s := KnownPeerState{
		Peer:      types.PeerInfo{ID: types.PeerKeyFromBytes(rec.ID), Addr: rec.Addr},
		Status:    Status(rec.Status),
		BanReason: BanReason(rec.BanReason),
		FirstSeen: clock.FromTimestamp(rec.FirstSeen),
		LastSeen:  clock.FromTimestamp(rec.LastSeen),
	}
	if rec.BanTime != 0 {
		s.BanTime = clock.FromTimestamp(rec.BanTime)
	}
	return s, nil
}
