// Package annexb owns the wire format between sender and receiver: NAL units
// prefixed with a 4-byte start code and no length field. Framer and Writer
// produce it; Reassembler recovers unit boundaries from an arbitrarily
// chunked byte stream.
package annexb

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zsiec/multiscreen/internal/h264"
	"github.com/zsiec/multiscreen/internal/media"
)

// StartCode delimits units on the wire.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

var (
	// ErrEmptyNALU is returned when asked to frame a zero-length unit.
	ErrEmptyNALU = errors.New("empty NAL unit")
	// ErrStartCodeInPayload is returned when a payload contains the start
	// code pattern and would be split in two by the receiver.
	ErrStartCodeInPayload = errors.New("payload contains start code")
)

// AppendUnit appends StartCode and nalu to dst.
func AppendUnit(dst, nalu []byte) []byte {
	dst = append(dst, StartCode...)
	return append(dst, nalu...)
}

func validate(nalu []byte) error {
	if len(nalu) == 0 {
		return ErrEmptyNALU
	}
	if h264.ContainsStartCode(nalu) {
		return ErrStartCodeInPayload
	}
	return nil
}

// Framer serializes parameter sets and access units for one stream. It keeps
// the latest SPS and PPS and emits them ahead of the first access unit once
// both are known, and again whenever either changes. A Framer is not safe for
// concurrent use.
type Framer struct {
	// RepeatOnKeyframe re-emits the current parameter sets before every
	// keyframe so a receiver that lost sync can restart at the next IDR.
	RepeatOnKeyframe bool

	sps, pps         []byte
	sentSPS, sentPPS []byte
	sent             int64
}

// ParameterSetsSent returns how many parameter set units were framed.
func (f *Framer) ParameterSetsSent() int64 {
	return f.sent
}

// SetParameterSets records new parameter sets. They are emitted ahead of the
// next access unit if they differ from what was last sent.
func (f *Framer) SetParameterSets(sets ...media.ParameterSet) error {
	for _, ps := range sets {
		if err := validate(ps.Data); err != nil {
			return fmt.Errorf("%s: %w", ps.Role, err)
		}
	}
	for _, ps := range sets {
		switch ps.Role {
		case media.RoleSPS:
			f.sps = bytes.Clone(ps.Data)
		case media.RolePPS:
			f.pps = bytes.Clone(ps.Data)
		default:
			return fmt.Errorf("unknown parameter set role %d", ps.Role)
		}
	}
	return nil
}

// HasParameterSets reports whether both an SPS and a PPS are known.
func (f *Framer) HasParameterSets() bool {
	return f.sps != nil && f.pps != nil
}

// Pending reports whether the known parameter sets still need to be sent.
func (f *Framer) Pending() bool {
	return f.HasParameterSets() &&
		(!bytes.Equal(f.sps, f.sentSPS) || !bytes.Equal(f.pps, f.sentPPS))
}

// Reset forgets what was sent so the next access unit is preceded by the
// parameter sets again, e.g. after a reconnect.
func (f *Framer) Reset() {
	f.sentSPS, f.sentPPS = nil, nil
}

// AppendParameterSet records ps, marks it sent and appends it to dst.
func (f *Framer) AppendParameterSet(dst []byte, ps media.ParameterSet) ([]byte, error) {
	if err := f.SetParameterSets(ps); err != nil {
		return dst, err
	}
	switch ps.Role {
	case media.RoleSPS:
		f.sentSPS = f.sps
	case media.RolePPS:
		f.sentPPS = f.pps
	}
	f.sent++
	return AppendUnit(dst, ps.Data), nil
}

// AppendAccessUnit appends the framed access unit to dst, preceded by the
// parameter sets when they are pending. SPS or PPS units carried inside the
// access unit are absorbed into the tracked parameter sets. An access unit is
// framed even when no parameter sets were ever seen. On error dst is
// returned unchanged.
func (f *Framer) AppendAccessUnit(dst []byte, au *media.AccessUnit) ([]byte, error) {
	for i, nalu := range au.NALUs {
		if err := validate(nalu); err != nil {
			return dst, fmt.Errorf("nalu %d: %w", i, err)
		}
	}
	inband, nalus := h264.SplitParameterSets(au.NALUs)
	if len(inband) > 0 {
		if err := f.SetParameterSets(inband...); err != nil {
			return dst, err
		}
	}

	if f.Pending() || (f.RepeatOnKeyframe && au.IsKeyframe && f.HasParameterSets()) {
		dst = AppendUnit(dst, f.sps)
		dst = AppendUnit(dst, f.pps)
		f.sentSPS, f.sentPPS = f.sps, f.pps
		f.sent += 2
	}
	for _, nalu := range nalus {
		dst = AppendUnit(dst, nalu)
	}
	return dst, nil
}
