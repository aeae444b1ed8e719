// Package transport provides the ordered, reliable byte stream that carries
// one display's video. Message boundaries are not preserved: a Read may
// return any fraction of what the peer wrote.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/zsiec/multiscreen/internal/certs"
)

var (
	// ErrUnknownNetwork is returned for an unsupported Network value.
	ErrUnknownNetwork = errors.New("unknown transport network")
	// ErrClosed is returned by Accept after the listener is closed.
	ErrClosed = errors.New("listener closed")
)

// Network selects the underlying protocol.
type Network string

const (
	TCP  Network = "tcp"
	QUIC Network = "quic"
	SRT  Network = "srt"
)

// ParseNetwork parses a network name, case-insensitively.
func ParseNetwork(s string) (Network, error) {
	switch n := Network(strings.ToLower(strings.TrimSpace(s))); n {
	case TCP, QUIC, SRT:
		return n, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
	}
}

// Conn is one display connection.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() string
}

// Listener accepts display connections on one port.
type Listener interface {
	Accept() (Conn, error)
	Addr() string
	Close() error
}

// Options configures Listen and Dial.
type Options struct {
	Network Network
	Addr    string

	// Cert is presented by QUIC listeners. One is generated when nil.
	Cert *certs.CertInfo

	// Fingerprint pins the QUIC receiver's certificate on Dial.
	Fingerprint string

	// StreamID identifies the display on SRT connections.
	StreamID string

	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Listen starts a listener. It is closed when ctx is done.
func Listen(ctx context.Context, opts Options) (Listener, error) {
	switch opts.Network {
	case TCP, "":
		return listenTCP(ctx, opts)
	case QUIC:
		return listenQUIC(ctx, opts)
	case SRT:
		return listenSRT(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, opts.Network)
	}
}

// Dial connects to a receiver.
func Dial(ctx context.Context, opts Options) (Conn, error) {
	switch opts.Network {
	case TCP, "":
		return dialTCP(ctx, opts)
	case QUIC:
		return dialQUIC(ctx, opts)
	case SRT:
		return dialSRT(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, opts.Network)
	}
}
