package encoder

import (
	"encoding/binary"
	"hash/fnv"
	"time"

	"github.com/zsiec/multiscreen/internal/h264"
	"github.com/zsiec/multiscreen/internal/media"
)

// PatternEncoder produces a well-formed H.264 bitstream skeleton without a
// real encoder: synthesized parameter sets and one slice per image whose
// payload is a digest of the image. The slices follow NAL syntax and carry
// emulation prevention, but are not decodable pictures.
type PatternEncoder struct {
	gop           int
	payloadSize   int
	frameDuration time.Duration

	width, height int
	sps, pps      []byte
	frame         int
	w             *worker
}

// PatternOption configures a PatternEncoder.
type PatternOption func(*PatternEncoder)

// WithGOP sets the keyframe interval in pictures.
func WithGOP(n int) PatternOption {
	return func(p *PatternEncoder) {
		if n > 0 {
			p.gop = n
		}
	}
}

// WithPayloadSize sets the approximate slice payload size in bytes.
func WithPayloadSize(n int) PatternOption {
	return func(p *PatternEncoder) {
		if n > 0 {
			p.payloadSize = n
		}
	}
}

// NewPatternEncoder returns an encoder emitting frameDuration-spaced
// pictures.
func NewPatternEncoder(frameDuration time.Duration, opts ...PatternOption) *PatternEncoder {
	p := &PatternEncoder{
		gop:           60,
		payloadSize:   1024,
		frameDuration: frameDuration,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.w = startWorker(media.EncodeBufferSize, p.encode)
	return p
}

func (p *PatternEncoder) Encode(img *media.RawImage, done func(Output)) error {
	return p.w.submit(img, done)
}

func (p *PatternEncoder) Close() error {
	p.w.close()
	return nil
}

// encode runs on the worker goroutine only.
func (p *PatternEncoder) encode(img *media.RawImage) Output {
	out := Output{PTS: img.PTS, Duration: p.frameDuration}

	if img.Width != p.width || img.Height != p.height {
		sps, pps, err := h264.SynthesizeParameterSets(img.Width, img.Height)
		if err != nil {
			out.Err = err
			return out
		}
		p.width, p.height = img.Width, img.Height
		p.sps, p.pps = sps, pps
		p.frame = 0
		out.ParameterSets = []media.ParameterSet{
			{Role: media.RoleSPS, Data: sps},
			{Role: media.RolePPS, Data: pps},
		}
	}

	header := byte(0x41)
	if p.frame%p.gop == 0 {
		header = 0x65
	}
	p.frame++

	// first_mb_in_slice = 0 followed by the digest body.
	rbsp := make([]byte, 0, p.payloadSize+1)
	rbsp = append(rbsp, 0x80|byte(p.frame&0x7F))
	h := fnv.New64a()
	h.Write(img.Pix)
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], h.Sum64()^uint64(img.PTS))
	for len(rbsp) < p.payloadSize {
		rbsp = append(rbsp, seed[:]...)
		for i := range seed {
			seed[i] = seed[i]*31 + byte(i)
		}
	}
	// A trailing 0x80 keeps the payload from ending in zero bytes.
	rbsp = append(rbsp, 0x80)

	out.NALUs = [][]byte{append([]byte{header}, h264.EscapeRBSP(rbsp)...)}
	return out
}
