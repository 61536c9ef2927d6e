package edge

import (
	"testing"

	"github.com/sambigeara/meshroute/pkg/sign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) *sign.Key {
	seed := make([]byte, 32)
	seed[0] = b
	return sign.KeyFromSeed(seed)
}

func mustEdge(t *testing.T, s1, s2 sign.Signer, typ Type, nonce uint64) Edge {
	t.Helper()
	e, err := New(s1, s2, typ, nonce)
	require.NoError(t, err)
	return e
}

func TestNewKeyIsCanonical(t *testing.T) {
	a, b := testKey(1).Public(), testKey(2).Public()

	require.Equal(t, NewKey(a, b), NewKey(b, a))
	k := NewKey(a, b)
	require.True(t, k.A.Less(k.B))
	require.True(t, k.Contains(a))
	require.Equal(t, b, k.Other(a))
	require.Equal(t, a, k.Other(b))
}

func TestNewEdgeVerifies(t *testing.T) {
	a, b := testKey(1), testKey(2)
	v := sign.Ed25519{}

	e1 := mustEdge(t, a, b, Added, 1)
	e2 := mustEdge(t, b, a, Added, 1)

	require.True(t, e1.Verify(v))
	require.True(t, e1.SamePayload(e2), "signer order must not matter")
}

func TestVerifyRejectsTampering(t *testing.T) {
	a, b, c := testKey(1), testKey(2), testKey(3)
	v := sign.Ed25519{}
	e := mustEdge(t, a, b, Added, 1)

	tests := []struct {
		name   string
		mutate func(Edge) Edge
	}{
		{"nonce", func(e Edge) Edge { e.Nonce++; return e }},
		{"type", func(e Edge) Edge { e.Type = Removed; return e }},
		{"sigA", func(e Edge) Edge { e.SignatureA = append([]byte(nil), e.SignatureB...); return e }},
		{"sigB truncated", func(e Edge) Edge { e.SignatureB = e.SignatureB[:8]; return e }},
		{"foreign signer", func(e Edge) Edge {
			e.SignatureA = c.Sign(SigningBytes(e.Key, e.Type, e.Nonce))
			return e
		}},
		{"self loop", func(e Edge) Edge { e.Key.B = e.Key.A; return e }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, tt.mutate(e.Clone()).Verify(v))
		})
	}
}

func TestNewRejectsSelfEdge(t *testing.T) {
	a := testKey(1)
	_, err := New(a, a, Added, 1)
	require.ErrorIs(t, err, ErrSelfEdge)
}

func TestPartialComplete(t *testing.T) {
	a, b := testKey(1), testKey(2)
	v := sign.Ed25519{}

	p, err := NewPartial(a, b.Public(), Added, 7)
	require.NoError(t, err)

	e, err := Complete(p, b, v)
	require.NoError(t, err)
	require.True(t, e.Verify(v))
	require.True(t, e.SamePayload(mustEdge(t, a, b, Added, 7)))
}

func TestCompleteRejectsBadPartial(t *testing.T) {
	a, b, c := testKey(1), testKey(2), testKey(3)
	v := sign.Ed25519{}

	p, err := NewPartial(a, b.Public(), Added, 7)
	require.NoError(t, err)

	_, err = Complete(p, c, v)
	require.ErrorIs(t, err, ErrPartialPeer)

	p.Nonce = 8
	_, err = Complete(p, b, v)
	require.ErrorIs(t, err, ErrPartialSignature)
}

func TestUnknownTypeRejected(t *testing.T) {
	a, b := testKey(1), testKey(2)
	v := sign.Ed25519{}

	for _, typ := range []Type{TypeUnspecified, Type(9), Type(42)} {
		_, err := New(a, b, typ, 1)
		require.ErrorIs(t, err, ErrInvalidType, typ)
		_, err = NewPartial(a, b.Public(), typ, 1)
		require.ErrorIs(t, err, ErrInvalidType, typ)

		// Both endpoints really signed it; the type alone makes it invalid.
		key := NewKey(a.Public(), b.Public())
		msg := SigningBytes(key, typ, 1)
		sa, sb := a, b
		if key.A != a.Public() {
			sa, sb = b, a
		}
		e := Edge{Key: key, Type: typ, Nonce: 1, SignatureA: sa.Sign(msg), SignatureB: sb.Sign(msg)}
		assert.False(t, e.Verify(v), typ)

		p := Partial{From: a.Public(), To: b.Public(), Type: typ, Nonce: 1, Signature: a.Sign(msg)}
		_, err = Complete(p, b, v)
		require.ErrorIs(t, err, ErrInvalidType, typ)
	}

	assert.True(t, Added.Valid())
	assert.True(t, Removed.Valid())
}
