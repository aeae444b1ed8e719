package annexb

import (
	"bytes"
	"iter"
)

// DefaultMaxBuffered is the receive buffer ceiling. A stream that buffers
// more than this without completing a unit is reset.
const DefaultMaxBuffered = 60 << 20

// retainedCapacity is the largest backing array kept once the buffered bytes
// fall well below it.
const retainedCapacity = 1 << 20

// ReassemblerStats is a snapshot of a Reassembler's counters.
type ReassemblerStats struct {
	BytesReceived  int64 `json:"bytesReceived"`
	UnitsEmitted   int64 `json:"unitsEmitted"`
	BytesDiscarded int64 `json:"bytesDiscarded"`
	Overflows      int64 `json:"overflows"`
	Buffered       int   `json:"buffered"`
}

// Reassembler recovers units from a byte stream that arrives in arbitrary
// chunks. A unit is emitted only once the start code that follows it has
// arrived. Units come out in byte order, with the start code stripped.
// A Reassembler is not safe for concurrent use.
type Reassembler struct {
	max        int
	onOverflow func(discarded int)

	buf []byte
	off int // first unconsumed byte in buf

	// synced is set once buf[off:] begins with a start code. scan is the
	// position, relative to off, where the next search resumes.
	synced bool
	scan   int

	stats ReassemblerStats
}

// ReassemblerOption configures a Reassembler.
type ReassemblerOption func(*Reassembler)

// WithMaxBuffered sets the buffer ceiling in bytes.
func WithMaxBuffered(n int) ReassemblerOption {
	return func(r *Reassembler) {
		if n > 0 {
			r.max = n
		}
	}
}

// WithOverflowHandler registers fn to run whenever the buffer is reset for
// exceeding its ceiling.
func WithOverflowHandler(fn func(discarded int)) ReassemblerOption {
	return func(r *Reassembler) { r.onOverflow = fn }
}

// NewReassembler returns an empty Reassembler.
func NewReassembler(opts ...ReassemblerOption) *Reassembler {
	r := &Reassembler{max: DefaultMaxBuffered}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Feed appends chunk and returns the units that are now complete. Units not
// consumed by the caller stay buffered and are returned by the next call.
func (r *Reassembler) Feed(chunk []byte) iter.Seq[[]byte] {
	r.Write(chunk)
	return r.Units()
}

// Write appends chunk to the receive buffer. It never fails; the error is
// always nil and exists to satisfy io.Writer.
func (r *Reassembler) Write(chunk []byte) (int, error) {
	if r.off > 0 {
		if n := r.Buffered(); cap(r.buf) > retainedCapacity && 4*(n+len(chunk)) < cap(r.buf) {
			r.buf = append(make([]byte, 0, n+len(chunk)), r.buf[r.off:]...)
		} else {
			n = copy(r.buf, r.buf[r.off:])
			r.buf = r.buf[:n]
		}
		r.off = 0
	}
	r.buf = append(r.buf, chunk...)
	r.stats.BytesReceived += int64(len(chunk))

	if r.Buffered() > r.max {
		if _, ok := r.boundary(); !ok {
			r.overflow()
		}
	}
	return len(chunk), nil
}

// Units returns the complete units currently buffered, in order.
func (r *Reassembler) Units() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			unit, ok := r.next()
			if !ok {
				if r.Buffered() > r.max {
					r.overflow()
				}
				return
			}
			if !yield(unit) {
				return
			}
		}
	}
}

// Buffered returns the number of bytes held and not yet emitted.
func (r *Reassembler) Buffered() int {
	return len(r.buf) - r.off
}

// Reset discards everything buffered, including any partial unit, and
// returns how many bytes were dropped.
func (r *Reassembler) Reset() int {
	n := r.Buffered()
	r.discard(n)
	if cap(r.buf) > retainedCapacity {
		r.buf = nil
	} else {
		r.buf = r.buf[:0]
	}
	r.off = 0
	return n
}

// Stats returns a snapshot of the reassembler's counters.
func (r *Reassembler) Stats() ReassemblerStats {
	s := r.stats
	s.Buffered = r.Buffered()
	return s
}

// next extracts one complete unit.
func (r *Reassembler) next() ([]byte, bool) {
	end, ok := r.boundary()
	if !ok {
		return nil, false
	}
	data := r.buf[r.off:]
	unit := bytes.Clone(data[len(StartCode):end])
	r.off += end
	r.scan = len(StartCode)
	r.stats.UnitsEmitted++
	return unit, true
}

// boundary locates the start code that closes the unit opened at buf[off:].
// It returns that start code's offset relative to off. Bytes ahead of the
// first start code are dropped, and scanning resumes where it last stopped.
func (r *Reassembler) boundary() (int, bool) {
	if !r.synced {
		data := r.buf[r.off:]
		i := bytes.Index(data[r.scan:], StartCode)
		if i < 0 {
			// The last bytes may be the beginning of a start code.
			if keep := len(StartCode) - 1; len(data) > keep {
				r.discard(len(data) - keep)
			}
			r.scan = 0
			return 0, false
		}
		r.discard(r.scan + i)
		r.synced = true
		r.scan = len(StartCode)
	}

	data := r.buf[r.off:]
	j := bytes.Index(data[r.scan:], StartCode)
	if j < 0 {
		r.scan = max(len(StartCode), len(data)-(len(StartCode)-1))
		return 0, false
	}
	return r.scan + j, true
}

// discard drops n bytes from the front of the unconsumed region.
func (r *Reassembler) discard(n int) {
	if n <= 0 {
		return
	}
	r.off += n
	r.stats.BytesDiscarded += int64(n)
	r.synced = false
	r.scan = 0
}

func (r *Reassembler) overflow() {
	n := r.Reset()
	r.stats.Overflows++
	if r.onOverflow != nil {
		r.onOverflow(n)
	}
}
