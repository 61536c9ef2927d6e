package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// MaxDatagram bounds a single gossip message.
const MaxDatagram = 64 * 1024

var ErrClosed = errors.New("transport closed")

var _ Transport = (*impl)(nil)

type Transport interface {
	// Recv blocks until a datagram arrives, ctx is done, or the transport is
	// closed. src is "ip:port".
	Recv(ctx context.Context) (src string, b []byte, err error)
	Send(dst string, b []byte) error
	LocalAddr() string
	Close() error
}

type impl struct {
	conn *net.UDPConn
	buf  []byte
}

// NewUDP listens on addr, e.g. ":9000" or "127.0.0.1:0".
func NewUDP(addr string) (Transport, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	return &impl{
		conn: conn,
		buf:  make([]byte, MaxDatagram),
	}, nil
}

// Recv is not safe for concurrent use.
func (i *impl) Recv(ctx context.Context) (string, []byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = i.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, addr, err := i.conn.ReadFromUDP(i.buf)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return "", nil, ErrClosed
		}
		return "", nil, err
	}

	out := make([]byte, n)
	copy(out, i.buf[:n])
	return addr.String(), out, nil
}

func (i *impl) Send(dst string, b []byte) error {
	if len(b) > MaxDatagram {
		return fmt.Errorf("datagram of %d bytes exceeds %d", len(b), MaxDatagram)
	}
	addr, err := net.ResolveUDPAddr("udp", dst)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dst, err)
	}

	if _, err = i.conn.WriteToUDP(b, addr); err != nil {
		return err
	}

	return nil
}

func (i *impl) LocalAddr() string {
	return i.conn.LocalAddr().String()
}

func (i *impl) Close() error {
	return i.conn.Close()
}
