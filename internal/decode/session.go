// Package decode tracks the parameter set state of one stream and drives the
// decoder session that turns coded slices into pictures.
package decode

import (
	"errors"
	"time"

	"github.com/zsiec/multiscreen/internal/h264"
	"github.com/zsiec/multiscreen/internal/media"
)

// ErrSessionInvalidated is returned by sessions that were invalidated.
var ErrSessionInvalidated = errors.New("decoder session invalidated")

// State is the decoder session state of a stream.
type State uint8

const (
	StateUninitialized State = iota
	StateParametersKnown
	StateSessionActive
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateParametersKnown:
		return "parameters-known"
	case StateSessionActive:
		return "session-active"
	default:
		return "invalid"
	}
}

// Submission is one access unit handed to a decoder session. Payload is in
// length-prefixed form: a 4-byte big-endian length before each NAL unit.
type Submission struct {
	Seq         uint64
	Payload     []byte
	IsKeyframe  bool
	Format      *h264.FormatDescription
	SubmittedAt time.Time
}

// Result is the completion of one Submission.
type Result struct {
	Seq   uint64
	Image *media.DecodedImage
	Err   error
}

// Decoder creates decoder sessions for a format.
type Decoder interface {
	NewSession(format *h264.FormatDescription) (Session, error)
}

// Session decodes submissions asynchronously. Decode returns an error only
// when the submission could not be queued; otherwise done is called exactly
// once, possibly on another goroutine and possibly before Decode returns.
// Completions must be delivered in submission order. Invalidate returns
// after every queued submission has completed.
type Session interface {
	Decode(sub Submission, done func(Result)) error
	Invalidate()
}

// Reconfigurer is implemented by sessions that can take new parameter sets
// of an unchanged format without being recreated.
type Reconfigurer interface {
	Reconfigure(format *h264.FormatDescription) error
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(format *h264.FormatDescription) (Session, error)

// NewSession calls f(format).
func (f DecoderFunc) NewSession(format *h264.FormatDescription) (Session, error) {
	return f(format)
}
