package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type tcpConn struct {
	net.Conn
}

func (c tcpConn) RemoteAddr() string {
	return c.Conn.RemoteAddr().String()
}

type tcpListener struct {
	ln net.Listener
}

func listenTCP(ctx context.Context, opts Options) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen on %s: %w", opts.Addr, err)
	}
	context.AfterFunc(ctx, func() { ln.Close() })
	return &tcpListener{ln: ln}, nil
}

func (l *tcpListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return tcpConn{Conn: c}, nil
}

func (l *tcpListener) Addr() string { return l.ln.Addr().String() }

func (l *tcpListener) Close() error { return l.ln.Close() }

func dialTCP(ctx context.Context, opts Options) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", opts.Addr, err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return tcpConn{Conn: c}, nil
}
