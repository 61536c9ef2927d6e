package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopback(t *testing.T) Transport {
	t.Helper()
	tr, err := NewUDP("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestUDPSendRecv(t *testing.T) {
	a, b := newLoopback(t), newLoopback(t)

	require.NoError(t, a.Send(b.LocalAddr(), []byte("edges")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	src, got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.LocalAddr(), src)
	assert.Equal(t, []byte("edges"), got)
}

func TestUDPRecvHonoursContext(t *testing.T) {
	a := newLoopback(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := a.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUDPRecvAfterClose(t *testing.T) {
	a, err := NewUDP("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, _, err = a.Recv(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestUDPSendRejectsOversize(t *testing.T) {
	a := newLoopback(t)
	require.Error(t, a.Send(a.LocalAddr(), make([]byte, MaxDatagram+1)))
}

func TestIsValidIP(t *testing.T) {
	assert.True(t, isValidIP(net.ParseIP("192.0.2.10")))
	assert.False(t, isValidIP(net.ParseIP("127.0.0.1")))
	assert.False(t, isValidIP(net.ParseIP("fe80::1")))
	assert.False(t, isValidIP(net.ParseIP("0.0.0.0")))
	assert.False(t, isValidIP(nil))
}
