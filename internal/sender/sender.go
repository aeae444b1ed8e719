// Package sender implements the send path of a display stream: captured
// images are encoded, framed with start codes and written to the receiver,
// reconnecting whenever the connection drops.
package sender

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/multiscreen/internal/annexb"
	"github.com/zsiec/multiscreen/internal/capture"
	"github.com/zsiec/multiscreen/internal/encoder"
	"github.com/zsiec/multiscreen/internal/transport"
)

// DefaultReconnectDelay is the pause between connection attempts.
const DefaultReconnectDelay = time.Second

// Config configures a Sender.
type Config struct {
	Network transport.Network
	Addr    string

	// Fingerprint pins the receiver certificate on QUIC.
	Fingerprint string

	// StreamID identifies the display on SRT.
	StreamID string

	ReconnectDelay time.Duration

	// RepeatParameterSets re-sends SPS and PPS before every keyframe.
	RepeatParameterSets bool

	Logger *slog.Logger
}

// Stats is a snapshot of a sender's counters.
type Stats struct {
	Addr         string             `json:"addr"`
	Connected    bool               `json:"connected"`
	Connects     int64              `json:"connects"`
	DialFailures int64              `json:"dialFailures"`
	WriteErrors  int64              `json:"writeErrors"`
	Skipped      int64              `json:"skipped"`
	LastAck      int64              `json:"lastAck"`
	Writer       annexb.WriterStats `json:"writer"`
	Encoder      encoder.Stats      `json:"encoder"`
}

type dialResult struct {
	conn transport.Conn
	err  error
}

// Sender streams one display to one receiver port.
type Sender struct {
	cfg     Config
	log     *slog.Logger
	src     capture.Source
	adapter *encoder.Adapter
	writer  *annexb.Writer

	connected    atomic.Bool
	connects     atomic.Int64
	dialFailures atomic.Int64
	writeErrors  atomic.Int64
	skipped      atomic.Int64
	lastAck      atomic.Int64
}

// New returns a Sender that captures from src and encodes with enc. Run
// takes ownership of both.
func New(cfg Config, src capture.Source, enc encoder.Encoder) *Sender {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "sender", "addr", cfg.Addr)
	return &Sender{
		cfg:     cfg,
		log:     log,
		src:     src,
		adapter: encoder.NewAdapter(enc, log),
		writer:  annexb.NewWriter(nil, cfg.RepeatParameterSets),
	}
}

// Run captures, encodes and sends until ctx is done or the source stops.
// Connection failures are retried and never end Run.
func (s *Sender) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.adapter.Close()
	defer s.src.Close()

	captured := make(chan error, 1)
	go func() { captured <- s.captureLoop(ctx) }()

	dialed := make(chan dialResult)
	s.dial(ctx, dialed, 0)

	var (
		conn          transport.Conn
		gen           uint64
		awaitKeyframe bool
		connLost      = make(chan uint64, 1)
	)
	disconnect := func(reason error) {
		conn.Close()
		conn = nil
		s.connected.Store(false)
		s.log.Warn("connection lost, reconnecting", "error", reason, "delay", s.cfg.ReconnectDelay)
		s.dial(ctx, dialed, s.cfg.ReconnectDelay)
	}
	defer func() {
		if conn != nil {
			conn.Close()
		}
		s.connected.Store(false)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-captured:
			if err != nil && !errors.Is(err, capture.ErrStopped) && ctx.Err() == nil {
				return fmt.Errorf("capture: %w", err)
			}
			s.log.Info("capture stopped")
			return nil

		case d := <-dialed:
			if d.err != nil {
				s.dialFailures.Add(1)
				s.log.Warn("connect failed, retrying", "error", d.err, "delay", s.cfg.ReconnectDelay)
				s.dial(ctx, dialed, s.cfg.ReconnectDelay)
				continue
			}
			conn = d.conn
			s.writer.Reset(conn)
			awaitKeyframe = true
			s.connected.Store(true)
			s.connects.Add(1)
			s.log.Info("connected", "remote", conn.RemoteAddr())
			gen++
			go s.readAcks(ctx, conn, gen, connLost)

		case g := <-connLost:
			if conn != nil && g == gen {
				disconnect(errors.New("receiver closed the connection"))
			}

		case res := <-s.adapter.Results():
			if len(res.ParameterSets) > 0 {
				if err := s.writer.SetParameterSets(res.ParameterSets...); err != nil {
					s.log.Warn("rejected parameter sets", "error", err)
				}
			}
			if res.AccessUnit == nil {
				continue
			}
			if conn == nil || (awaitKeyframe && !res.AccessUnit.IsKeyframe) {
				s.skipped.Add(1)
				continue
			}
			awaitKeyframe = false
			if err := s.writer.WriteAccessUnit(res.AccessUnit); err != nil {
				if errors.Is(err, annexb.ErrStartCodeInPayload) || errors.Is(err, annexb.ErrEmptyNALU) {
					s.log.Warn("skipping malformed access unit", "pts", res.PTS, "error", err)
					continue
				}
				s.writeErrors.Add(1)
				disconnect(err)
			}
		}
	}
}

func (s *Sender) captureLoop(ctx context.Context) error {
	for {
		img, err := s.src.Next(ctx)
		if err != nil {
			return err
		}
		if err := s.adapter.Encode(img); err != nil {
			if errors.Is(err, encoder.ErrClosed) {
				return nil
			}
			s.log.Debug("encode rejected", "pts", img.PTS, "error", err)
		}
	}
}

// dial connects in the background after delay and reports on out.
func (s *Sender) dial(ctx context.Context, out chan<- dialResult, delay time.Duration) {
	go func() {
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
		conn, err := transport.Dial(ctx, transport.Options{
			Network:     s.cfg.Network,
			Addr:        s.cfg.Addr,
			Fingerprint: s.cfg.Fingerprint,
			StreamID:    s.cfg.StreamID,
			Logger:      s.log,
		})
		select {
		case out <- dialResult{conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

// readAcks consumes "ACK <n>" lines until the connection fails, then reports
// gen on lost. Acknowledgements are informational and carry no flow control.
func (s *Sender) readAcks(ctx context.Context, conn transport.Conn, gen uint64, lost chan<- uint64) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		n, ok := strings.CutPrefix(line, "ACK ")
		if !ok {
			s.log.Debug("ignoring unexpected line from receiver", "line", line)
			continue
		}
		if v, err := strconv.ParseInt(n, 10, 64); err == nil {
			s.lastAck.Store(v)
		}
	}
	select {
	case lost <- gen:
	case <-ctx.Done():
	}
}

// Stats returns a snapshot of the sender's counters.
func (s *Sender) Stats() Stats {
	return Stats{
		Addr:         s.cfg.Addr,
		Connected:    s.connected.Load(),
		Connects:     s.connects.Load(),
		DialFailures: s.dialFailures.Load(),
		WriteErrors:  s.writeErrors.Load(),
		Skipped:      s.skipped.Load(),
		LastAck:      s.lastAck.Load(),
		Writer:       s.writer.Stats(),
		Encoder:      s.adapter.Stats(),
	}
}

// Group runs one Sender per display.
type Group struct {
	senders []*Sender
}

// Add registers s to run with the group.
func (g *Group) Add(s *Sender) { g.senders = append(g.senders, s) }

// Senders returns the registered senders.
func (g *Group) Senders() []*Sender { return g.senders }

// Run runs every sender until ctx is done. The first sender error cancels
// the rest.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, s := range g.senders {
		eg.Go(func() error { return s.Run(ctx) })
	}
	return eg.Wait()
}

// Stats returns every sender's counters, in registration order.
func (g *Group) Stats() []Stats {
	out := make([]Stats, len(g.senders))
	for i, s := range g.senders {
		out[i] = s.Stats()
	}
	return out
}
