package h264

import (
	"errors"
	"math"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// LengthPrefixSize is the width of the big-endian length field in front of
// every NAL unit submitted to a decoder session.
const LengthPrefixSize = 4

var errUnitTooLarge = errors.New("NAL unit exceeds 32-bit length prefix")

// AVCC serializes units into the length-prefixed form decoder sessions
// consume: a 4-byte big-endian length followed by the payload, per unit.
func AVCC(nalus ...[]byte) ([]byte, error) {
	for _, nalu := range nalus {
		if uint64(len(nalu)) > math.MaxUint32 {
			return nil, errUnitTooLarge
		}
	}
	return mch264.AVCC(nalus).Marshal()
}

// SplitAVCC reverses AVCC. It returns nil and false when the framing is
// inconsistent with the buffer length or carries no units.
func SplitAVCC(buf []byte) ([][]byte, bool) {
	var au mch264.AVCC
	if err := au.Unmarshal(buf); err != nil {
		return nil, false
	}
	return au, true
}
