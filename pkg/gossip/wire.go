package gossip

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sambigeara/meshroute/pkg/edge"
	"github.com/sambigeara/meshroute/pkg/sign"
	"github.com/sambigeara/meshroute/pkg/types"
	"github.com/ugorji/go/codec"
)

const (
	wireVersion = 1

	sigContextEnvelope = "meshroute.envelope.v1"
)

type Kind uint8

const (
	KindEdges Kind = iota + 1
	// KindSyncRequest asks the receiver for its whole edge set.
	KindSyncRequest
	// KindPartial carries one half of a new edge for the receiver to
	// countersign.
	KindPartial
)

func (k Kind) String() string {
	switch k {
	case KindEdges:
		return "edges"
	case KindSyncRequest:
		return "sync_request"
	case KindPartial:
		return "partial"
	default:
		return "unknown"
	}
}

var (
	ErrWireVersion = errors.New("unsupported wire version")
	ErrWireKind    = errors.New("unknown message kind")
	ErrMissingBody = errors.New("message missing body")
	ErrWireSigner  = errors.New("envelope sender does not match signer")
	// ErrWireSignature means the envelope was not signed by its From key.
	ErrWireSignature = errors.New("envelope signature invalid")
)

// Envelope is the single message type. On the wire it travels inside a
// sealed frame signed by From, so the sender identity is authenticated.
type Envelope struct {
	Partial *edge.Partial `codec:"p,omitempty"`
	ID      string        `codec:"id"`
	Edges   []edge.Edge   `codec:"e,omitempty"`
	From    types.PeerKey `codec:"f"`
	Version uint8         `codec:"v"`
	Kind    Kind          `codec:"k"`
}

// sealed is the datagram: the encoded Envelope and From's signature over it.
type sealed struct {
	Body      []byte `codec:"b"`
	Signature []byte `codec:"s"`
}

var msgpack = &codec.MsgpackHandle{}

func newEnvelope(kind Kind, from types.PeerKey) *Envelope {
	return &Envelope{
		Version: wireVersion,
		Kind:    kind,
		ID:      uuid.NewString(),
		From:    from,
	}
}

func envelopeSigningBytes(body []byte) []byte {
	msg := make([]byte, 0, len(sigContextEnvelope)+len(body))
	msg = append(msg, sigContextEnvelope...)
	return append(msg, body...)
}

// Encode seals env with s, which must be the key named in env.From.
func Encode(env *Envelope, s sign.Signer) ([]byte, error) {
	if env.From != s.Public() {
		return nil, ErrWireSigner
	}
	var body []byte
	if err := codec.NewEncoderBytes(&body, msgpack).Encode(env); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	frame := sealed{Body: body, Signature: s.Sign(envelopeSigningBytes(body))}
	var b []byte
	if err := codec.NewEncoderBytes(&b, msgpack).Encode(&frame); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

// Decode opens a sealed frame and checks the envelope was signed by the key
// in its From field.
func Decode(b []byte, v sign.Verifier) (*Envelope, error) {
	var frame sealed
	if err := codec.NewDecoderBytes(b, msgpack).Decode(&frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	env := &Envelope{}
	if err := codec.NewDecoderBytes(frame.Body, msgpack).Decode(env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != wireVersion {
		return nil, fmt.Errorf("%w: %d", ErrWireVersion, env.Version)
	}

	switch env.Kind {
	case KindEdges, KindSyncRequest:
	case KindPartial:
		if env.Partial == nil {
			return nil, ErrMissingBody
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrWireKind, env.Kind)
	}

	if !v.Verify(env.From, envelopeSigningBytes(frame.Body), frame.Signature) {
		return nil, ErrWireSignature
	}
	return env, nil
}

// edgeWireSize is the encoded size of e inside an envelope's edge list.
func edgeWireSize(e edge.Edge) int {
	var b []byte
	if err := codec.NewEncoderBytes(&b, msgpack).Encode(&e); err != nil {
		return maxPayload
	}
	return len(b)
}

// batchEdges packs edges into groups that each fit within maxSize once
// wrapped in an Envelope. An edge that alone exceeds maxSize gets its own
// batch.
func batchEdges(edges []edge.Edge, maxSize int) [][]edge.Edge {
	if len(edges) == 0 {
		return nil
	}

	var batches [][]edge.Edge
	var current []edge.Edge
	currentSize := envelopeOverhead

	for _, e := range edges {
		size := edgeWireSize(e)
		if len(current) > 0 && currentSize+size > maxSize {
			batches = append(batches, current)
			current = nil
			currentSize = envelopeOverhead
		}
		current = append(current, e)
		currentSize += size
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
