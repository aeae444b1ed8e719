package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/multiscreen/internal/certs"
)

const (
	quicIdleTimeout   = 30 * time.Second
	quicStreamTimeout = 10 * time.Second
	quicAcceptBacklog = 4
)

var quicConfig = &quic.Config{
	MaxIdleTimeout:  quicIdleTimeout,
	KeepAlivePeriod: quicIdleTimeout / 3,
}

// quicConn is the first bidirectional stream of a QUIC connection.
type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
	once   sync.Once
}

func (c *quicConn) Read(p []byte) (int, error) { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *quicConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *quicConn) Close() error {
	var err error
	c.once.Do(func() {
		c.stream.CancelRead(0)
		c.stream.Close()
		err = c.conn.CloseWithError(0, "closed")
	})
	return err
}

type quicListener struct {
	log    *slog.Logger
	ln     *quic.Listener
	conns  chan Conn
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func listenQUIC(ctx context.Context, opts Options) (Listener, error) {
	cert := opts.Cert
	if cert == nil {
		var err error
		if cert, err = certs.Generate(0); err != nil {
			return nil, err
		}
	}
	ln, err := quic.ListenAddr(opts.Addr, cert.ServerTLSConfig(), quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quic listen on %s: %w", opts.Addr, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &quicListener{
		log:    opts.logger().With("component", "quic-listener", "addr", opts.Addr),
		ln:     ln,
		conns:  make(chan Conn, quicAcceptBacklog),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	context.AfterFunc(ctx, func() { l.Close() })
	go l.acceptLoop(ctx)
	return l, nil
}

// acceptLoop hands each connection's first stream to Accept. Waiting for the
// stream happens per connection so a silent peer cannot block others.
func (l *quicListener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.log.Warn("accept error", "error", err)
			}
			return
		}
		go func() {
			sctx, cancel := context.WithTimeout(ctx, quicStreamTimeout)
			defer cancel()
			stream, err := conn.AcceptStream(sctx)
			if err != nil {
				l.log.Debug("no stream opened", "remote", conn.RemoteAddr(), "error", err)
				conn.CloseWithError(1, "no stream")
				return
			}
			c := &quicConn{conn: conn, stream: stream}
			select {
			case l.conns <- c:
			case <-l.done:
				c.Close()
			}
		}()
	}
}

func (l *quicListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	}
}

func (l *quicListener) Addr() string { return l.ln.Addr().String() }

func (l *quicListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		l.cancel()
		err = l.ln.Close()
	})
	return err
}

func dialQUIC(ctx context.Context, opts Options) (Conn, error) {
	tlsConf, err := certs.ClientTLSConfig(opts.Fingerprint)
	if err != nil {
		return nil, err
	}
	if opts.Fingerprint == "" {
		opts.logger().Warn("dialing QUIC without certificate pinning", "addr", opts.Addr)
	}
	conn, err := quic.DialAddr(ctx, opts.Addr, tlsConf, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", opts.Addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(1, "open stream")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return &quicConn{conn: conn, stream: stream}, nil
}
