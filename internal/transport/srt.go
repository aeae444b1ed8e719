package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

const (
	// srtPayloadSize is the largest payload of one SRT live-mode message.
	srtPayloadSize = 1316
	// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
	srtLatencyNs   = 120_000_000
	srtDialTimeout = 10 * time.Second
)

// srtConn writes in pieces no larger than one live-mode message. The reader
// sees them as a plain byte stream.
type srtConn struct {
	conn *srtgo.Conn
	once sync.Once
}

func (c *srtConn) Read(p []byte) (int, error) { return c.conn.Read(p) }

func (c *srtConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		end := min(written+srtPayloadSize, len(p))
		n, err := c.conn.Write(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *srtConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *srtConn) Close() error {
	c.once.Do(func() { c.conn.Close() })
	return nil
}

type srtListener struct {
	addr   string
	accept func() (*srtgo.Conn, error)
	close  func()
	done   chan struct{}
	once   sync.Once
}

func listenSRT(ctx context.Context, opts Options) (Listener, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(opts.Addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("SRT listen on %s: %w", opts.Addr, err)
	}
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	sl := &srtListener{
		addr:   opts.Addr,
		accept: l.Accept,
		close:  func() { l.Close() },
		done:   make(chan struct{}),
	}
	context.AfterFunc(ctx, func() { sl.Close() })
	return sl, nil
}

func (l *srtListener) Accept() (Conn, error) {
	c, err := l.accept()
	if err != nil {
		select {
		case <-l.done:
			return nil, ErrClosed
		default:
			return nil, err
		}
	}
	return &srtConn{conn: c}, nil
}

func (l *srtListener) Addr() string { return l.addr }

func (l *srtListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.close()
	})
	return nil
}

func dialSRT(ctx context.Context, opts Options) (Conn, error) {
	if opts.StreamID == "" {
		return nil, errors.New("SRT dial requires a stream id")
	}
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = opts.StreamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(opts.Addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial %s: %w", opts.Addr, res.err)
		}
		return &srtConn{conn: res.conn}, nil
	case <-timer.C:
		drain()
		return nil, fmt.Errorf("SRT dial %s timed out after %s", opts.Addr, srtDialTimeout)
	case <-ctx.Done():
		drain()
		return nil, ctx.Err()
	}
}
