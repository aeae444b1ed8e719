package h264

import (
	"bytes"
	"errors"
	"fmt"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// ErrNotParameterSet is returned when a unit handed in as SPS or PPS carries
// a different NAL type.
var ErrNotParameterSet = errors.New("unit is not the expected parameter set")

// FormatDescription is the decode format built from one SPS/PPS pair. When the
// SPS cannot be parsed the geometry fields stay zero and Parsed is false;
// comparisons then fall back to the raw parameter set bytes.
type FormatDescription struct {
	Width   int
	Height  int
	Profile uint8
	Level   uint8
	Parsed  bool
	SPS     []byte
	PPS     []byte
}

// NewFormatDescription builds a description from copies of sps and pps.
func NewFormatDescription(sps, pps []byte) (*FormatDescription, error) {
	if len(sps) == 0 || NALType(sps) != NALTypeSPS {
		return nil, fmt.Errorf("sps: %w", ErrNotParameterSet)
	}
	if len(pps) == 0 || NALType(pps) != NALTypePPS {
		return nil, fmt.Errorf("pps: %w", ErrNotParameterSet)
	}
	fd := &FormatDescription{
		SPS: bytes.Clone(sps),
		PPS: bytes.Clone(pps),
	}

	var parsed mch264.SPS
	if err := parsed.Unmarshal(fd.SPS); err == nil {
		fd.Width = parsed.Width()
		fd.Height = parsed.Height()
		fd.Profile = parsed.ProfileIdc
		fd.Level = parsed.LevelIdc
		fd.Parsed = true
	}
	return fd, nil
}

// Differs reports whether other describes a different decode format, meaning
// a changed resolution or profile. Unparsed descriptions compare by SPS bytes.
func (fd *FormatDescription) Differs(other *FormatDescription) bool {
	if fd == nil || other == nil {
		return fd != other
	}
	if fd.Parsed && other.Parsed {
		return fd.Width != other.Width ||
			fd.Height != other.Height ||
			fd.Profile != other.Profile ||
			fd.Level != other.Level
	}
	return !bytes.Equal(fd.SPS, other.SPS)
}

// SameParameters reports whether both descriptions were built from identical
// parameter set bytes.
func (fd *FormatDescription) SameParameters(other *FormatDescription) bool {
	if fd == nil || other == nil {
		return fd == other
	}
	return bytes.Equal(fd.SPS, other.SPS) && bytes.Equal(fd.PPS, other.PPS)
}

// CodecString returns the RFC 6381 codec parameter (e.g. "avc1.64001F").
func (fd *FormatDescription) CodecString() string {
	if len(fd.SPS) < 4 {
		return "avc1"
	}
	return fmt.Sprintf("avc1.%02X%02X%02X", fd.SPS[1], fd.SPS[2], fd.SPS[3])
}

func (fd *FormatDescription) String() string {
	if !fd.Parsed {
		return fmt.Sprintf("%s (unparsed sps, %d bytes)", fd.CodecString(), len(fd.SPS))
	}
	return fmt.Sprintf("%s %dx%d", fd.CodecString(), fd.Width, fd.Height)
}
