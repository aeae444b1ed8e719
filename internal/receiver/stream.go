// Package receiver implements the receive path of a display stream: bytes
// from the transport are reassembled into units, driven through the decoder
// session manager, and decoded images are handed to the sink.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/zsiec/multiscreen/internal/annexb"
	"github.com/zsiec/multiscreen/internal/decode"
	"github.com/zsiec/multiscreen/internal/media"
	"github.com/zsiec/multiscreen/internal/transport"
)

// readBufferSize is the scratch buffer for transport reads.
const readBufferSize = 64 << 10

// ackBufferSize bounds queued acknowledgements; excess ones are skipped.
const ackBufferSize = 256

// Publisher receives decoded images in decode-completion order.
type Publisher interface {
	Publish(img *media.DecodedImage)
}

// StreamConfig tunes one stream.
type StreamConfig struct {
	// MaxBuffered is the reassembly buffer ceiling in bytes.
	MaxBuffered int

	// Ack sends an informational "ACK <n>" line upstream per received unit.
	Ack bool

	// KeyframeGate drops non-key slices until the first key slice after a
	// session is created.
	KeyframeGate bool
}

// Stats is a snapshot of a stream's counters.
type Stats struct {
	ID              string                  `json:"id"`
	Port            int                     `json:"port"`
	RemoteAddr      string                  `json:"remoteAddr"`
	ConnectedAt     int64                   `json:"connectedAt"`
	UptimeMs        int64                   `json:"uptimeMs"`
	BytesReceived   int64                   `json:"bytesReceived"`
	ReadCount       int64                   `json:"readCount"`
	UnitsReceived   int64                   `json:"unitsReceived"`
	FramesPublished int64                   `json:"framesPublished"`
	AcksSent        int64                   `json:"acksSent"`
	Reassembly      annexb.ReassemblerStats `json:"reassembly"`
	Decode          decode.Stats            `json:"decode"`
}

// Stream is the receive side of one display connection. The reassembler and
// decoder manager are touched only by the Run goroutine, so at most one
// chunk is processed at a time.
type Stream struct {
	log       *slog.Logger
	id        string
	port      int
	conn      transport.Conn
	pub       Publisher
	cfg       StreamConfig
	startedAt time.Time

	reasm *annexb.Reassembler
	mgr   *decode.Manager
	acks  chan uint64

	bytesReceived   atomic.Int64
	readCount       atomic.Int64
	unitsReceived   atomic.Int64
	framesPublished atomic.Int64
	acksSent        atomic.Int64
	reasmStats      atomic.Pointer[annexb.ReassemblerStats]
}

// NewStream prepares a stream for conn. If log is nil, slog.Default() is used.
func NewStream(id string, port int, conn transport.Conn, dec decode.Decoder, pub Publisher, cfg StreamConfig, log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("stream", id, "port", port)
	s := &Stream{
		log:       log,
		id:        id,
		port:      port,
		conn:      conn,
		pub:       pub,
		cfg:       cfg,
		startedAt: time.Now(),
	}
	s.reasm = annexb.NewReassembler(
		annexb.WithMaxBuffered(cfg.MaxBuffered),
		annexb.WithOverflowHandler(func(n int) {
			s.log.Warn("receive buffer exceeded ceiling without a unit boundary, reset", "discarded", n)
		}),
	)
	s.mgr = decode.NewManager(dec,
		decode.WithLogger(log),
		decode.WithKeyframeGate(cfg.KeyframeGate),
	)
	if cfg.Ack {
		s.acks = make(chan uint64, ackBufferSize)
	}
	return s
}

// ID returns the stream's connection id.
func (s *Stream) ID() string { return s.id }

// Port returns the port the stream arrived on.
func (s *Stream) Port() int { return s.port }

// Run processes the connection until it closes or ctx is done. A clean close
// by the peer returns nil. When the peer closes or the read fails, every unit
// already submitted is decoded and published first. On return the connection
// is closed, buffered bytes are discarded, and the decoder session is
// invalidated.
func (s *Stream) Run(ctx context.Context) error {
	done := make(chan struct{})
	chunks := make(chan []byte, media.ChunkBufferSize)
	readErr := make(chan error, 1)

	defer func() {
		close(done)
		s.conn.Close()
		if n := s.reasm.Reset(); n > 0 {
			s.log.Debug("discarded partial unit on close", "bytes", n)
		}
		s.storeReassemblyStats()
		s.mgr.Close()
	}()

	go s.readLoop(chunks, readErr, done)
	if s.acks != nil {
		go s.ackLoop(done)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-chunks:
			if !ok {
				err := <-readErr
				s.drain()
				return err
			}
			s.handleChunk(chunk)
		case res := <-s.mgr.Completions():
			s.publish(res)
		}
	}
}

func (s *Stream) readLoop(chunks chan<- []byte, readErr chan<- error, done <-chan struct{}) {
	defer close(chunks)
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.bytesReceived.Add(int64(n))
			s.readCount.Add(1)
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-done:
				readErr <- nil
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			} else {
				err = fmt.Errorf("read: %w", err)
			}
			readErr <- err
			return
		}
	}
}

func (s *Stream) handleChunk(chunk []byte) {
	for unit := range s.reasm.Feed(chunk) {
		n := s.unitsReceived.Add(1)
		out := s.mgr.HandleUnit(unit)
		if out.Action == decode.ActionDropped {
			s.log.Debug("unit dropped", "unit", out.Unit, "reason", out.Reason)
		}
		if s.acks != nil {
			select {
			case s.acks <- uint64(n):
			default:
			}
		}
	}
	s.storeReassemblyStats()
}

// drain waits for submitted units to finish decoding and publishes their
// images. Bytes of an incomplete unit are not part of it.
func (s *Stream) drain() {
	s.mgr.Flush()
	for {
		select {
		case res := <-s.mgr.Completions():
			s.publish(res)
		default:
			return
		}
	}
}

func (s *Stream) publish(res decode.Result) {
	img := res.Image
	if img == nil {
		return
	}
	img.StreamID = s.id
	img.Port = s.port
	if img.Seq == 0 {
		img.Seq = res.Seq
	}
	if img.DecodedAt.IsZero() {
		img.DecodedAt = time.Now()
	}
	s.pub.Publish(img)
	s.framesPublished.Add(1)
}

// ackLoop writes acknowledgements off the decode path. A write failure ends
// acknowledgements; the read side notices the broken connection.
func (s *Stream) ackLoop(done <-chan struct{}) {
	var line []byte
	for {
		select {
		case <-done:
			return
		case n := <-s.acks:
			line = append(line[:0], "ACK "...)
			line = strconv.AppendUint(line, n, 10)
			line = append(line, '\n')
			if _, err := s.conn.Write(line); err != nil {
				s.log.Debug("ack write failed", "error", err)
				return
			}
			s.acksSent.Add(1)
		}
	}
}

func (s *Stream) storeReassemblyStats() {
	st := s.reasm.Stats()
	s.reasmStats.Store(&st)
}

// Stats returns a snapshot of the stream's counters. It is safe to call from
// any goroutine.
func (s *Stream) Stats() Stats {
	st := Stats{
		ID:              s.id,
		Port:            s.port,
		RemoteAddr:      s.conn.RemoteAddr(),
		ConnectedAt:     s.startedAt.UnixMilli(),
		UptimeMs:        time.Since(s.startedAt).Milliseconds(),
		BytesReceived:   s.bytesReceived.Load(),
		ReadCount:       s.readCount.Load(),
		UnitsReceived:   s.unitsReceived.Load(),
		FramesPublished: s.framesPublished.Load(),
		AcksSent:        s.acksSent.Load(),
		Decode:          s.mgr.Stats(),
	}
	if r := s.reasmStats.Load(); r != nil {
		st.Reassembly = *r
	}
	return st
}

// State returns the decoder session state.
func (s *Stream) State() decode.State {
	return s.mgr.State()
}
