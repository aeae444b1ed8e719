package h264

import "fmt"

// EscapeRBSP applies emulation prevention: an 0x03 byte is inserted after any
// two zero bytes that would otherwise be followed by a byte <= 0x03. The
// result never contains a start code.
func EscapeRBSP(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64+1)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

type bitWriter struct {
	buf  []byte
	cur  byte
	bits int
}

func (w *bitWriter) writeBit(b uint) {
	w.cur = w.cur<<1 | byte(b&1)
	w.bits++
	if w.bits == 8 {
		w.buf = append(w.buf, w.cur)
		w.cur, w.bits = 0, 0
	}
}

func (w *bitWriter) writeBits(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		w.writeBit(v >> i)
	}
}

// writeUE writes v as unsigned Exp-Golomb.
func (w *bitWriter) writeUE(v uint) {
	v++
	n := 0
	for t := v; t > 1; t >>= 1 {
		n++
	}
	w.writeBits(0, n)
	w.writeBits(v, n+1)
}

// writeSE writes v as signed Exp-Golomb.
func (w *bitWriter) writeSE(v int) {
	if v > 0 {
		w.writeUE(uint(2*v - 1))
	} else {
		w.writeUE(uint(-2 * v))
	}
}

// trailing writes rbsp_trailing_bits and returns the payload.
func (w *bitWriter) trailing() []byte {
	w.writeBit(1)
	for w.bits != 0 {
		w.writeBit(0)
	}
	return w.buf
}

// Constrained Baseline at level 4.2 covers 1080p60.
const (
	synthProfile     = 66
	synthConstraints = 0xC0
	synthLevel       = 42
)

// SynthesizeParameterSets builds a Constrained Baseline SPS and PPS for a
// progressive width x height stream. Both dimensions must be even.
func SynthesizeParameterSets(width, height int) (sps, pps []byte, err error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	mbW := (width + 15) / 16
	mbH := (height + 15) / 16
	cropRight := (mbW*16 - width) / 2
	cropBottom := (mbH*16 - height) / 2

	var w bitWriter
	w.writeBits(synthProfile, 8)
	w.writeBits(synthConstraints, 8)
	w.writeBits(synthLevel, 8)
	w.writeUE(0) // seq_parameter_set_id
	w.writeUE(0) // log2_max_frame_num_minus4
	w.writeUE(2) // pic_order_cnt_type
	w.writeUE(1) // max_num_ref_frames
	w.writeBit(0)
	w.writeUE(uint(mbW - 1))
	w.writeUE(uint(mbH - 1))
	w.writeBit(1) // frame_mbs_only_flag
	w.writeBit(1) // direct_8x8_inference_flag
	if cropRight > 0 || cropBottom > 0 {
		w.writeBit(1)
		w.writeUE(0)
		w.writeUE(uint(cropRight))
		w.writeUE(0)
		w.writeUE(uint(cropBottom))
	} else {
		w.writeBit(0)
	}
	w.writeBit(0) // vui_parameters_present_flag
	sps = append([]byte{0x67}, EscapeRBSP(w.trailing())...)

	var p bitWriter
	p.writeUE(0)  // pic_parameter_set_id
	p.writeUE(0)  // seq_parameter_set_id
	p.writeBit(0) // entropy_coding_mode_flag
	p.writeBit(0) // bottom_field_pic_order_in_frame_present_flag
	p.writeUE(0)  // num_slice_groups_minus1
	p.writeUE(0)  // num_ref_idx_l0_default_active_minus1
	p.writeUE(0)  // num_ref_idx_l1_default_active_minus1
	p.writeBit(0) // weighted_pred_flag
	p.writeBits(0, 2)
	p.writeSE(0)  // pic_init_qp_minus26
	p.writeSE(0)  // pic_init_qs_minus26
	p.writeSE(0)  // chroma_qp_index_offset
	p.writeBit(1) // deblocking_filter_control_present_flag
	p.writeBit(0)
	p.writeBit(0)
	pps = append([]byte{0x68}, EscapeRBSP(p.trailing())...)
	return sps, pps, nil
}
