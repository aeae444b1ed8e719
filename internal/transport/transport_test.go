package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/zsiec/multiscreen/internal/certs"
)

func TestParseNetwork(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Network{"tcp": TCP, " QUIC ": QUIC, "Srt": SRT} {
		got, err := ParseNetwork(in)
		if err != nil || got != want {
			t.Errorf("ParseNetwork(%q): got %q, %v, want %q", in, got, err, want)
		}
	}
	if _, err := ParseNetwork("udp"); !errors.Is(err, ErrUnknownNetwork) {
		t.Errorf("got %v, want ErrUnknownNetwork", err)
	}
}

func TestUnknownNetwork(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, err := Listen(ctx, Options{Network: "carrier-pigeon"}); !errors.Is(err, ErrUnknownNetwork) {
		t.Errorf("Listen: got %v, want ErrUnknownNetwork", err)
	}
	if _, err := Dial(ctx, Options{Network: "carrier-pigeon"}); !errors.Is(err, ErrUnknownNetwork) {
		t.Errorf("Dial: got %v, want ErrUnknownNetwork", err)
	}
}

func TestSRTDialRequiresStreamID(t *testing.T) {
	t.Parallel()
	if _, err := Dial(context.Background(), Options{Network: SRT, Addr: "127.0.0.1:1"}); err == nil {
		t.Fatal("expected error without stream id")
	}
}

// exchange writes payload from the dialer in small pieces, reads it on the
// accepted side and sends a reply back.
func exchange(t *testing.T, ln Listener, opts Options) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := bytes.Repeat([]byte("0123456789"), 500)
	accepted := make(chan Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	opts.Addr = ln.Addr()
	client, err := Dial(ctx, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	go func() {
		for i := 0; i < len(payload); i += 333 {
			client.Write(payload[i:min(i+333, len(payload))])
		}
	}()

	var server Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("timed out waiting for Accept")
	}
	if server == nil {
		t.Fatal("Accept failed")
	}
	defer server.Close()
	if server.RemoteAddr() == "" {
		t.Error("empty remote address")
	}

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(server, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload corrupted in transit")
	}

	if _, err := server.Write([]byte("ACK 1\n")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	reply := make([]byte, 6)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(reply) != "ACK 1\n" {
		t.Errorf("reply: got %q, want %q", reply, "ACK 1\n")
	}
}

func TestTCPRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := Listen(ctx, Options{Network: TCP, Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	exchange(t, ln, Options{Network: TCP})

	cancel()
	if _, err := ln.Accept(); !errors.Is(err, ErrClosed) {
		t.Errorf("Accept after cancel: got %v, want ErrClosed", err)
	}
}

func TestQUICRoundTripWithPinning(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cert, err := certs.Generate(0)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := Listen(ctx, Options{Network: QUIC, Addr: "127.0.0.1:0", Cert: cert})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	exchange(t, ln, Options{Network: QUIC, Fingerprint: cert.FingerprintBase64()})
}

func TestQUICRejectsWrongFingerprint(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cert, _ := certs.Generate(0)
	other, _ := certs.Generate(0)
	ln, err := Listen(ctx, Options{Network: QUIC, Addr: "127.0.0.1:0", Cert: cert})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	if c, err := Dial(ctx, Options{Network: QUIC, Addr: ln.Addr(), Fingerprint: other.FingerprintBase64()}); err == nil {
		c.Close()
		t.Fatal("dial succeeded against a certificate with the wrong fingerprint")
	}
}

func TestQUICListenerClose(t *testing.T) {
	t.Parallel()
	ln, err := Listen(context.Background(), Options{Network: QUIC, Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ln.Close()
	if _, err := ln.Accept(); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}
