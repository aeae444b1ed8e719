// Package h264 classifies H.264 NAL units and derives the decoder format
// description from a stream's parameter sets.
package h264

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zsiec/multiscreen/internal/media"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// ErrEmptyUnit is returned when a unit is too short to carry a NAL header.
var ErrEmptyUnit = errors.New("unit shorter than NAL header")

// Kind is the coarse role of a NAL unit on the receive path.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindParameterSet
	KindCodedSlice
)

func (k Kind) String() string {
	switch k {
	case KindParameterSet:
		return "parameter-set"
	case KindCodedSlice:
		return "coded-slice"
	default:
		return "unknown"
	}
}

// Classification describes a single NAL unit.
type Classification struct {
	Kind       Kind
	NALType    byte
	Role       media.ParameterSetRole // set when Kind is KindParameterSet
	IsKeyframe bool                   // set when Kind is KindCodedSlice
}

func (c Classification) String() string {
	switch c.Kind {
	case KindParameterSet:
		return c.Role.String()
	case KindCodedSlice:
		if c.IsKeyframe {
			return "key-slice"
		}
		return "slice"
	default:
		return fmt.Sprintf("unhandled(type=%d)", c.NALType)
	}
}

// NALType returns the low five bits of the NAL header. The unit must be
// non-empty.
func NALType(unit []byte) byte {
	return unit[0] & 0x1F
}

// Classify inspects the NAL header of a unit without start code. Every type
// outside SPS, PPS and coded slices is reported as KindUnknown.
func Classify(unit []byte) (Classification, error) {
	if len(unit) < 1 {
		return Classification{}, ErrEmptyUnit
	}
	t := NALType(unit)
	c := Classification{NALType: t}
	switch t {
	case NALTypeSPS:
		c.Kind = KindParameterSet
		c.Role = media.RoleSPS
	case NALTypePPS:
		c.Kind = KindParameterSet
		c.Role = media.RolePPS
	case NALTypeSlice:
		c.Kind = KindCodedSlice
	case NALTypeIDR:
		c.Kind = KindCodedSlice
		c.IsKeyframe = true
	}
	return c, nil
}

// IsVCL reports whether the NAL unit carries coded slice data.
func IsVCL(unit []byte) bool {
	if len(unit) == 0 {
		return false
	}
	t := NALType(unit)
	return t >= 1 && t <= 5
}

// IsFirstSliceOfPicture reports whether a VCL NAL unit starts a new picture,
// i.e. its first_mb_in_slice is zero. The Exp-Golomb code for zero is a
// single set bit, so only the first bit after the header is inspected.
func IsFirstSliceOfPicture(unit []byte) bool {
	return IsVCL(unit) && len(unit) > 1 && unit[1]&0x80 != 0
}

var fourByteStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// ContainsStartCode reports whether payload holds the 4-byte start code
// pattern, which a receiver would take for a unit boundary. An encoder that
// applies emulation prevention never produces it.
func ContainsStartCode(payload []byte) bool {
	return bytes.Contains(payload, fourByteStartCode)
}

// SplitParameterSets separates in-band SPS/PPS units from the rest of an
// encoded picture. The returned slices alias nalus.
func SplitParameterSets(nalus [][]byte) (sets []media.ParameterSet, rest [][]byte) {
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch NALType(nalu) {
		case NALTypeSPS:
			sets = append(sets, media.ParameterSet{Role: media.RoleSPS, Data: nalu})
		case NALTypePPS:
			sets = append(sets, media.ParameterSet{Role: media.RolePPS, Data: nalu})
		default:
			rest = append(rest, nalu)
		}
	}
	return sets, rest
}

// HasKeyframe reports whether any unit in the picture is an IDR slice.
func HasKeyframe(nalus [][]byte) bool {
	for _, nalu := range nalus {
		if len(nalu) > 0 && NALType(nalu) == NALTypeIDR {
			return true
		}
	}
	return false
}

// SplitAccessUnits groups a NAL unit sequence into pictures. A picture ends
// before an access unit delimiter, before parameter sets or SEI that follow
// coded slices, and before a slice that starts a new picture.
func SplitAccessUnits(nalus [][]byte) [][][]byte {
	var (
		pictures [][][]byte
		cur      [][]byte
		hasVCL   bool
	)
	flush := func() {
		if len(cur) > 0 {
			pictures = append(pictures, cur)
		}
		cur, hasVCL = nil, false
	}
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch t := NALType(nalu); {
		case t == NALTypeAUD:
			flush()
		case t == NALTypeSPS || t == NALTypePPS || t == NALTypeSEI:
			if hasVCL {
				flush()
			}
		case IsVCL(nalu):
			if hasVCL && IsFirstSliceOfPicture(nalu) {
				flush()
			}
			hasVCL = true
		}
		cur = append(cur, nalu)
	}
	flush()
	return pictures
}
