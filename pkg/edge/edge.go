package edge

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sambigeara/meshroute/pkg/sign"
	"github.com/sambigeara/meshroute/pkg/types"
)

const sigContextEdge = "meshroute.edge.v1"

var (
	ErrSelfEdge         = errors.New("edge endpoints must differ")
	ErrPartialSignature = errors.New("partial edge signature invalid")
	ErrPartialPeer      = errors.New("partial edge addressed to another peer")
	ErrInvalidType      = errors.New("edge type must be added or removed")
)

type Type uint8

const (
	TypeUnspecified Type = iota
	Added
	Removed
)

func (t Type) String() string {
	switch t {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "unspecified"
	}
}

// Valid reports whether t is Added or Removed. No other value may be signed
// or stored.
func (t Type) Valid() bool {
	return t == Added || t == Removed
}

func ParseType(s string) (Type, bool) {
	switch s {
	case "added":
		return Added, true
	case "removed":
		return Removed, true
	default:
		return TypeUnspecified, false
	}
}

// Key identifies an unordered peer pair. A is always the lower key.
type Key struct {
	A types.PeerKey `codec:"a"`
	B types.PeerKey `codec:"b"`
}

func NewKey(x, y types.PeerKey) Key {
	if y.Less(x) {
		x, y = y, x
	}
	return Key{A: x, B: y}
}

func (k Key) Contains(p types.PeerKey) bool {
	return k.A == p || k.B == p
}

// Other returns the endpoint that is not p. The result is undefined when p
// is not an endpoint.
func (k Key) Other(p types.PeerKey) types.PeerKey {
	if k.A == p {
		return k.B
	}
	return k.A
}

func (k Key) Less(other Key) bool {
	if k.A != other.A {
		return k.A.Less(other.A)
	}
	return k.B.Less(other.B)
}

func (k Key) String() string {
	return k.A.Short() + "-" + k.B.Short()
}

type Edge struct {
	SignatureA []byte `codec:"sa"`
	SignatureB []byte `codec:"sb"`
	Key        Key    `codec:"k"`
	Nonce      uint64 `codec:"n"`
	Type       Type   `codec:"t"`
}

// SigningBytes is the message both endpoints sign.
func SigningBytes(key Key, t Type, nonce uint64) []byte {
	buf := make([]byte, 0, len(sigContextEdge)+2*types.PeerKeySize+1+8)
	buf = append(buf, sigContextEdge...)
	buf = append(buf, key.A.Bytes()...)
	buf = append(buf, key.B.Bytes()...)
	buf = append(buf, byte(t))
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	return buf
}

// New builds an edge signed by both endpoints.
func New(s1, s2 sign.Signer, t Type, nonce uint64) (Edge, error) {
	if s1.Public() == s2.Public() {
		return Edge{}, ErrSelfEdge
	}
	if !t.Valid() {
		return Edge{}, ErrInvalidType
	}

	key := NewKey(s1.Public(), s2.Public())
	msg := SigningBytes(key, t, nonce)

	a, b := s1, s2
	if key.A != s1.Public() {
		a, b = s2, s1
	}

	return Edge{
		Key:        key,
		Type:       t,
		Nonce:      nonce,
		SignatureA: a.Sign(msg),
		SignatureB: b.Sign(msg),
	}, nil
}

func (e Edge) Verify(v sign.Verifier) bool {
	if e.Key.A == e.Key.B || !e.Type.Valid() {
		return false
	}
	msg := SigningBytes(e.Key, e.Type, e.Nonce)
	return v.Verify(e.Key.A, msg, e.SignatureA) && v.Verify(e.Key.B, msg, e.SignatureB)
}

func (e Edge) Active() bool {
	return e.Type == Added
}

// SamePayload reports whether two edges carry identical signed content.
func (e Edge) SamePayload(o Edge) bool {
	return e.Key == o.Key &&
		e.Type == o.Type &&
		e.Nonce == o.Nonce &&
		bytes.Equal(e.SignatureA, o.SignatureA) &&
		bytes.Equal(e.SignatureB, o.SignatureB)
}

func (e Edge) Clone() Edge {
	e.SignatureA = append([]byte(nil), e.SignatureA...)
	e.SignatureB = append([]byte(nil), e.SignatureB...)
	return e
}

func (e Edge) String() string {
	return fmt.Sprintf("%s/%s/%d", e.Key, e.Type, e.Nonce)
}

// Partial is one endpoint's half of an edge proposal, sent to the other
// endpoint during connection setup.
type Partial struct {
	Signature []byte        `codec:"s"`
	From      types.PeerKey `codec:"f"`
	To        types.PeerKey `codec:"o"`
	Nonce     uint64        `codec:"n"`
	Type      Type          `codec:"t"`
}

func NewPartial(s sign.Signer, to types.PeerKey, t Type, nonce uint64) (Partial, error) {
	if s.Public() == to {
		return Partial{}, ErrSelfEdge
	}
	if !t.Valid() {
		return Partial{}, ErrInvalidType
	}
	key := NewKey(s.Public(), to)
	return Partial{
		From:      s.Public(),
		To:        to,
		Type:      t,
		Nonce:     nonce,
		Signature: s.Sign(SigningBytes(key, t, nonce)),
	}, nil
}

// Complete verifies the remote half and adds the local signature.
func Complete(p Partial, s sign.Signer, v sign.Verifier) (Edge, error) {
	if p.To != s.Public() {
		return Edge{}, ErrPartialPeer
	}
	if p.From == p.To {
		return Edge{}, ErrSelfEdge
	}
	if !p.Type.Valid() {
		return Edge{}, ErrInvalidType
	}

	key := NewKey(p.From, p.To)
	msg := SigningBytes(key, p.Type, p.Nonce)
	if !v.Verify(p.From, msg, p.Signature) {
		return Edge{}, ErrPartialSignature
	}

	local := s.Sign(msg)
	e := Edge{Key: key, Type: p.Type, Nonce: p.Nonce}
	if key.A == p.From {
		e.SignatureA = append([]byte(nil), p.Signature...)
		e.SignatureB = local
	} else {
		e.SignatureA = local
		e.SignatureB = append([]byte(nil), p.Signature...)
	}
	return e, nil
}
