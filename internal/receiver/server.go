package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/multiscreen/internal/certs"
	"github.com/zsiec/multiscreen/internal/decode"
	"github.com/zsiec/multiscreen/internal/stream"
	"github.com/zsiec/multiscreen/internal/transport"
)

// acceptRetryDelay is the pause after a transient Accept error.
const acceptRetryDelay = 100 * time.Millisecond

// Sink is where a server's streams deliver images and close notices.
type Sink interface {
	Publisher
	CloseStream(streamID string, port int, reason string)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Network transport.Network
	Host    string
	Ports   []int

	// Cert is presented on QUIC listeners.
	Cert *certs.CertInfo

	Stream  StreamConfig
	Decoder decode.Decoder
	Sink    Sink

	// Streams, if set, tracks connected streams for the status API.
	Streams *stream.Manager

	// OnStreamClosed runs after a stream is torn down. err is nil for a
	// clean close or a replacement.
	OnStreamClosed func(info stream.Info, err error)

	Logger *slog.Logger
}

type active struct {
	stream *Stream
	cancel context.CancelFunc
}

// Server accepts display connections on every configured port. Each port
// carries at most one stream; a new connection replaces the previous one.
type Server struct {
	cfg ServerConfig
	log *slog.Logger

	mu        sync.Mutex
	listeners map[int]transport.Listener
	active    map[int]*active
	wg        sync.WaitGroup
}

// NewServer validates cfg and returns a Server that is not yet listening.
func NewServer(cfg ServerConfig) (*Server, error) {
	if len(cfg.Ports) == 0 {
		return nil, errors.New("receiver: no ports configured")
	}
	if cfg.Decoder == nil {
		return nil, errors.New("receiver: nil decoder")
	}
	if cfg.Sink == nil {
		return nil, errors.New("receiver: nil sink")
	}
	seen := make(map[int]bool, len(cfg.Ports))
	for _, p := range cfg.Ports {
		if p < 0 || p > 65535 {
			return nil, fmt.Errorf("receiver: invalid port %d", p)
		}
		if seen[p] {
			return nil, fmt.Errorf("receiver: duplicate port %d", p)
		}
		seen[p] = true
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		log:       log.With("component", "receiver"),
		listeners: make(map[int]transport.Listener),
		active:    make(map[int]*active),
	}, nil
}

// Listen opens a listener per configured port. Listeners close when ctx is
// done. If any port fails, the ones already opened are closed.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, port := range s.cfg.Ports {
		ln, err := transport.Listen(ctx, transport.Options{
			Network: s.cfg.Network,
			Addr:    net.JoinHostPort(s.cfg.Host, strconv.Itoa(port)),
			Cert:    s.cfg.Cert,
			Logger:  s.log,
		})
		if err != nil {
			for _, l := range s.listeners {
				l.Close()
			}
			clear(s.listeners)
			return fmt.Errorf("listen on port %d: %w", port, err)
		}
		s.listeners[port] = ln
		s.log.Info("listening", "port", port, "addr", ln.Addr(), "network", s.cfg.Network)
	}
	return nil
}

// Addr returns the bound address of the listener for port, or "" if there
// is none.
func (s *Server) Addr(port int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln, ok := s.listeners[port]; ok {
		return ln.Addr()
	}
	return ""
}

// Serve accepts connections on every open listener until ctx is done, then
// waits for the remaining streams to be torn down.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listeners := make(map[int]transport.Listener, len(s.listeners))
	for p, ln := range s.listeners {
		listeners[p] = ln
	}
	s.mu.Unlock()
	if len(listeners) == 0 {
		return errors.New("receiver: Serve called before Listen")
	}

	g, gctx := errgroup.WithContext(ctx)
	for port, ln := range listeners {
		g.Go(func() error {
			return s.acceptLoop(gctx, port, ln)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		for _, ln := range listeners {
			ln.Close()
		}
		return nil
	})
	err := g.Wait()
	s.wg.Wait()
	return err
}

// Run is Listen followed by Serve.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) acceptLoop(ctx context.Context, port int, ln transport.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", "port", port, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, port, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, port int, conn transport.Conn) {
	id := uuid.NewString()
	st := NewStream(id, port, conn, s.cfg.Decoder, s.cfg.Sink, s.cfg.Stream, s.log)
	info := stream.Info{
		ID:         id,
		Port:       port,
		RemoteAddr: conn.RemoteAddr(),
		Transport:  string(s.cfg.Network),
		StartedAt:  time.Now(),
	}
	if info.Transport == "" {
		info.Transport = string(transport.TCP)
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if prev, ok := s.active[port]; ok {
		s.log.Info("replacing stream on port", "port", port, "old", prev.stream.ID(), "new", id)
		prev.cancel()
	}
	s.active[port] = &active{stream: st, cancel: cancel}
	s.mu.Unlock()

	if s.cfg.Streams != nil {
		s.cfg.Streams.Create(info, func() any { return st.Stats() })
	}
	s.log.Info("stream connected", "stream", id, "port", port, "remote", info.RemoteAddr)

	err := st.Run(sctx)

	s.mu.Lock()
	if a, ok := s.active[port]; ok && a.stream == st {
		delete(s.active, port)
	}
	s.mu.Unlock()
	if s.cfg.Streams != nil {
		s.cfg.Streams.Remove(id)
	}

	reason := "closed"
	if err != nil {
		reason = err.Error()
		s.log.Warn("stream ended with error", "stream", id, "port", port, "error", err)
	} else {
		s.log.Info("stream closed", "stream", id, "port", port)
	}
	s.cfg.Sink.CloseStream(id, port, reason)
	if s.cfg.OnStreamClosed != nil {
		s.cfg.OnStreamClosed(info, err)
	}
}

// Active returns the stream currently connected on port.
func (s *Server) Active(port int) (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[port]
	if !ok {
		return nil, false
	}
	return a.stream, true
}
