// Package media defines the values that flow through a display stream, from
// captured image through compressed access unit to decoded picture.
package media

import "time"

// Channel buffer sizes shared by producers and consumers of per-stream
// channels. Roughly one second of 60 fps video.
const (
	ChunkBufferSize      = 64
	CompletionBufferSize = 60
	ImageBufferSize      = 60
	EncodeBufferSize     = 8
)

// ParameterSetRole identifies which decoder parameter set a blob carries.
type ParameterSetRole uint8

const (
	RoleSPS ParameterSetRole = iota + 1
	RolePPS
)

func (r ParameterSetRole) String() string {
	switch r {
	case RoleSPS:
		return "SPS"
	case RolePPS:
		return "PPS"
	default:
		return "unknown"
	}
}

// ParameterSet is an immutable SPS or PPS NAL unit, without start code.
type ParameterSet struct {
	Role ParameterSetRole
	Data []byte
}

// AccessUnit is one encoded picture. NALUs holds the coded NAL units of the
// picture without start codes or length prefixes.
type AccessUnit struct {
	PTS        time.Duration
	Duration   time.Duration
	IsKeyframe bool
	NALUs      [][]byte
}

// Size returns the total payload length of the access unit.
func (au *AccessUnit) Size() int {
	n := 0
	for _, nalu := range au.NALUs {
		n += len(nalu)
	}
	return n
}

// RawImage is an uncompressed captured frame handed to the encoder.
type RawImage struct {
	Width      int
	Height     int
	Stride     int
	Pix        []byte
	PTS        time.Duration
	CapturedAt time.Time
}

// EncodeResult is the completion record of one encode submission. ParameterSets
// is non-empty only when the encoder negotiated new parameters, and they apply
// to AccessUnit and everything after it. AccessUnit is nil when the encoder
// produced no output for the image.
type EncodeResult struct {
	PTS           time.Duration
	ParameterSets []ParameterSet
	AccessUnit    *AccessUnit
	Err           error
}

// DecodedImage is a decoded picture tagged with the stream it came from.
type DecodedImage struct {
	StreamID  string
	Port      int
	Seq       uint64
	PTS       time.Duration
	Width     int
	Height    int
	Pix       []byte
	DecodedAt time.Time
}
