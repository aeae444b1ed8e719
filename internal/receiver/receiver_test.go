package receiver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/multiscreen/internal/annexb"
	"github.com/zsiec/multiscreen/internal/decode"
	"github.com/zsiec/multiscreen/internal/h264"
	"github.com/zsiec/multiscreen/internal/media"
	"github.com/zsiec/multiscreen/internal/stream"
	"github.com/zsiec/multiscreen/internal/transport"
)

type closeEvent struct {
	streamID string
	port     int
	reason   string
}

type recordingSink struct {
	images chan *media.DecodedImage
	closed chan closeEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		images: make(chan *media.DecodedImage, 64),
		closed: make(chan closeEvent, 16),
	}
}

func (s *recordingSink) Publish(img *media.DecodedImage) { s.images <- img }

func (s *recordingSink) CloseStream(streamID string, port int, reason string) {
	s.closed <- closeEvent{streamID, port, reason}
}

func (s *recordingSink) next(t *testing.T) *media.DecodedImage {
	t.Helper()
	select {
	case img := <-s.images:
		return img
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a decoded image")
		return nil
	}
}

type pipeConn struct{ net.Conn }

func (pipeConn) RemoteAddr() string { return "pipe" }

type failingConn struct{ err error }

func (c failingConn) Read([]byte) (int, error)    { return 0, c.err }
func (c failingConn) Write(p []byte) (int, error) { return len(p), nil }
func (c failingConn) Close() error                { return nil }
func (c failingConn) RemoteAddr() string          { return "failing" }

// testStream builds SPS, PPS, a key slice, and a predicted slice, followed
// by the start code that completes the last slice.
func testStream(t *testing.T) []byte {
	t.Helper()
	sps, pps, err := h264.SynthesizeParameterSets(1280, 720)
	if err != nil {
		t.Fatal(err)
	}
	var buf []byte
	for _, u := range [][]byte{sps, pps, {0x65, 0x88, 0x84, 0x00}, {0x41, 0x9a, 0x02}} {
		buf = annexb.AppendUnit(buf, u)
	}
	return append(buf, annexb.StartCode...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamDecodesInOrder(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	sink := newRecordingSink()
	st := NewStream("s1", 5000, pipeConn{server}, decode.ProbeDecoder{}, sink, StreamConfig{}, nil)

	runErr := make(chan error, 1)
	go func() { runErr <- st.Run(context.Background()) }()

	data := testStream(t)
	go func() {
		// Arbitrary chunking.
		for len(data) > 0 {
			n := min(7, len(data))
			if _, err := client.Write(data[:n]); err != nil {
				return
			}
			data = data[n:]
		}
	}()

	for i, wantSeq := range []uint64{1, 2} {
		img := sink.next(t)
		if img.Seq != wantSeq {
			t.Errorf("image %d: seq got %d, want %d", i, img.Seq, wantSeq)
		}
		if img.StreamID != "s1" || img.Port != 5000 {
			t.Errorf("image %d: got stream %q port %d, want s1 5000", i, img.StreamID, img.Port)
		}
		if img.Width != 1280 || img.Height != 720 {
			t.Errorf("image %d: got %dx%d, want 1280x720", i, img.Width, img.Height)
		}
	}

	if got := st.State(); got != decode.StateSessionActive {
		t.Errorf("state got %v, want %v", got, decode.StateSessionActive)
	}
	client.Close()
	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := st.Stats()
	if stats.UnitsReceived != 4 {
		t.Errorf("units got %d, want 4", stats.UnitsReceived)
	}
	if stats.FramesPublished != 2 {
		t.Errorf("frames got %d, want 2", stats.FramesPublished)
	}
	if stats.BytesReceived != int64(len(testStream(t))) {
		t.Errorf("bytes got %d, want %d", stats.BytesReceived, len(testStream(t)))
	}
	if stats.Decode.State != decode.StateUninitialized.String() {
		t.Errorf("state after close got %q, want %q", stats.Decode.State, decode.StateUninitialized)
	}
}

func TestStreamAcknowledgesUnits(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	st := NewStream("s1", 5000, pipeConn{server}, decode.ProbeDecoder{}, newRecordingSink(), StreamConfig{Ack: true}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go st.Run(ctx)

	data := testStream(t)
	go client.Write(data)

	r := bufio.NewReader(client)
	for _, want := range []string{"ACK 1\n", "ACK 2\n", "ACK 3\n", "ACK 4\n"} {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read ack: %v", err)
		}
		if line != want {
			t.Errorf("got %q, want %q", line, want)
		}
	}
}

func TestStreamStopsOnCancel(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	st := NewStream("s1", 5000, pipeConn{server}, decode.ProbeDecoder{}, newRecordingSink(), StreamConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- st.Run(ctx) }()

	// A partial unit is buffered and must not be delivered.
	go client.Write([]byte{0, 0, 0, 1, 0x67, 0x42})
	waitFor(t, "bytes received", func() bool { return st.Stats().BytesReceived == 6 })

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("expected the connection to be closed")
	}
	if got := st.Stats().Reassembly.Buffered; got != 0 {
		t.Errorf("buffered got %d, want 0", got)
	}
}

type readerConn struct{ *bytes.Reader }

func (readerConn) Write(p []byte) (int, error) { return len(p), nil }
func (readerConn) Close() error                { return nil }
func (readerConn) RemoteAddr() string          { return "reader" }

func TestStreamPublishesSubmittedFramesOnEOF(t *testing.T) {
	t.Parallel()
	data := testStream(t)
	for i := range 50 {
		sink := newRecordingSink()
		st := NewStream("s1", 5000, readerConn{bytes.NewReader(data)}, decode.ProbeDecoder{}, sink, StreamConfig{}, nil)
		if err := st.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if got := len(sink.images); got != 2 {
			t.Fatalf("run %d: published got %d, want 2 (stats %+v)", i, got, st.Stats().Decode)
		}
		for want := uint64(1); want <= 2; want++ {
			if img := <-sink.images; img.Seq != want {
				t.Fatalf("run %d: seq got %d, want %d", i, img.Seq, want)
			}
		}
	}
}

func TestStreamReadError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	st := NewStream("s1", 5000, failingConn{boom}, decode.ProbeDecoder{}, newRecordingSink(), StreamConfig{}, nil)
	err := st.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
}

func TestStreamGarbageNeverTerminates(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	sink := newRecordingSink()
	st := NewStream("s1", 5000, pipeConn{server}, decode.ProbeDecoder{}, sink,
		StreamConfig{MaxBuffered: 1024}, nil)
	runErr := make(chan error, 1)
	go func() { runErr <- st.Run(context.Background()) }()

	// A unit that never ends overflows the ceiling; the valid stream that
	// follows still decodes.
	garbage := append([]byte{0, 0, 0, 1, 0x41}, bytes.Repeat([]byte{0xAB}, 4096)...)
	if _, err := client.Write(garbage); err != nil {
		t.Fatal(err)
	}
	go client.Write(testStream(t))
	sink.next(t)

	client.Close()
	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Stats().Reassembly.Overflows == 0 {
		t.Error("expected at least one overflow reset")
	}
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()
	sink := newRecordingSink()
	cases := []struct {
		name string
		cfg  ServerConfig
	}{
		{"no ports", ServerConfig{Decoder: decode.ProbeDecoder{}, Sink: sink}},
		{"duplicate port", ServerConfig{Ports: []int{5000, 5000}, Decoder: decode.ProbeDecoder{}, Sink: sink}},
		{"bad port", ServerConfig{Ports: []int{70000}, Decoder: decode.ProbeDecoder{}, Sink: sink}},
		{"no decoder", ServerConfig{Ports: []int{5000}, Sink: sink}},
		{"no sink", ServerConfig{Ports: []int{5000}, Decoder: decode.ProbeDecoder{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewServer(tc.cfg); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

type closedRecorder struct {
	mu     sync.Mutex
	closed []stream.Info
}

func (r *closedRecorder) record(info stream.Info, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, info)
}

func (r *closedRecorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, info := range r.closed {
		out = append(out, info.ID)
	}
	return out
}

func startServer(t *testing.T, sink Sink, streams *stream.Manager, onClosed func(stream.Info, error)) (*Server, context.CancelFunc) {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Network:        transport.TCP,
		Host:           "127.0.0.1",
		Ports:          []int{0},
		Decoder:        decode.ProbeDecoder{},
		Sink:           sink,
		Streams:        streams,
		OnStreamClosed: onClosed,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Listen(ctx); err != nil {
		cancel()
		t.Fatal(err)
	}
	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve(ctx)
	}()
	return srv, func() {
		cancel()
		<-served
	}
}

func dial(t *testing.T, srv *Server) transport.Conn {
	t.Helper()
	conn, err := transport.Dial(context.Background(), transport.Options{Network: transport.TCP, Addr: srv.Addr(0)})
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func TestServerEndToEnd(t *testing.T) {
	t.Parallel()
	sink := newRecordingSink()
	streams := stream.NewManager(nil)
	var rec closedRecorder
	srv, stop := startServer(t, sink, streams, rec.record)
	defer stop()

	conn := dial(t, srv)
	if _, err := conn.Write(testStream(t)); err != nil {
		t.Fatal(err)
	}
	first := sink.next(t)
	sink.next(t)

	list := streams.List()
	if len(list) != 1 {
		t.Fatalf("streams got %d, want 1", len(list))
	}
	if list[0].ID != first.StreamID {
		t.Errorf("stream id got %q, want %q", list[0].ID, first.StreamID)
	}
	if list[0].Transport != "tcp" {
		t.Errorf("transport got %q, want tcp", list[0].Transport)
	}
	stats, ok := list[0].Stats().(Stats)
	if !ok {
		t.Fatalf("stats type %T", list[0].Stats())
	}
	if stats.Decode.Width != 1280 {
		t.Errorf("decode width got %d, want 1280", stats.Decode.Width)
	}

	conn.Close()
	select {
	case ev := <-sink.closed:
		if ev.streamID != first.StreamID {
			t.Errorf("closed stream got %q, want %q", ev.streamID, first.StreamID)
		}
		if ev.reason != "closed" {
			t.Errorf("reason got %q, want closed", ev.reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream close")
	}
	waitFor(t, "stream removal", func() bool { return len(streams.List()) == 0 })
	if got := rec.ids(); len(got) != 1 || got[0] != first.StreamID {
		t.Errorf("closed callbacks got %v, want [%s]", got, first.StreamID)
	}
}

func TestServerReplacesStreamOnPort(t *testing.T) {
	t.Parallel()
	sink := newRecordingSink()
	var rec closedRecorder
	srv, stop := startServer(t, sink, nil, rec.record)
	defer stop()

	first := dial(t, srv)
	defer first.Close()
	waitFor(t, "first stream", func() bool { _, ok := srv.Active(0); return ok })
	old, _ := srv.Active(0)

	second := dial(t, srv)
	defer second.Close()
	waitFor(t, "replacement", func() bool {
		st, ok := srv.Active(0)
		return ok && st != old
	})
	waitFor(t, "old stream closed", func() bool { return len(rec.ids()) == 1 })
	if got := rec.ids()[0]; got != old.ID() {
		t.Errorf("closed got %q, want %q", got, old.ID())
	}

	// The replaced connection is closed by the receiver.
	if _, err := io.ReadAll(first); err != nil && !strings.Contains(err.Error(), "reset") {
		t.Errorf("old connection read: %v", err)
	}

	if _, err := second.Write(testStream(t)); err != nil {
		t.Fatal(err)
	}
	img := sink.next(t)
	cur, _ := srv.Active(0)
	if img.StreamID != cur.ID() {
		t.Errorf("image stream got %q, want %q", img.StreamID, cur.ID())
	}
}
