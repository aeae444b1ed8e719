// Package encoder adapts asynchronous video encoders to the send path: one
// access unit per captured image, with renegotiated parameter sets surfaced
// ahead of the access unit that needs them.
package encoder

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/multiscreen/internal/h264"
	"github.com/zsiec/multiscreen/internal/media"
)

// ErrClosed is returned by Encode after Close.
var ErrClosed = errors.New("encoder adapter closed")

// Output is what an encoder reports for one submitted image. NALUs may carry
// SPS/PPS in-band; ParameterSets carries them out of band. An Output with no
// coded slices means the encoder produced nothing for the image.
type Output struct {
	PTS           time.Duration
	Duration      time.Duration
	ParameterSets []media.ParameterSet
	NALUs         [][]byte
	Err           error
}

// Encoder compresses images asynchronously. done must be called once per
// successful Encode, possibly on another goroutine.
type Encoder interface {
	Encode(img *media.RawImage, done func(Output)) error
	Close() error
}

// Stats is a snapshot of the adapter's counters.
type Stats struct {
	Submitted      int64 `json:"submitted"`
	AccessUnits    int64 `json:"accessUnits"`
	Empty          int64 `json:"empty"`
	Failures       int64 `json:"failures"`
	Duplicates     int64 `json:"duplicates"`
	ResultsDropped int64 `json:"resultsDropped"`
	ParameterSets  int64 `json:"parameterSets"`
}

// Adapter wraps an Encoder. Results are delivered in submission order,
// regardless of the order in which the encoder completes them.
type Adapter struct {
	log     *slog.Logger
	enc     Encoder
	results chan media.EncodeResult

	mu       sync.Mutex
	closed   bool
	nextSeq  uint64
	emitSeq  uint64
	pending  map[uint64]Output
	sps, pps []byte
	resend   bool

	submitted      atomic.Int64
	accessUnits    atomic.Int64
	empty          atomic.Int64
	failures       atomic.Int64
	duplicates     atomic.Int64
	resultsDropped atomic.Int64
	parameterSets  atomic.Int64
}

// NewAdapter wraps enc. If log is nil, slog.Default() is used.
func NewAdapter(enc Encoder, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		log:     log.With("component", "encoder-adapter"),
		enc:     enc,
		results: make(chan media.EncodeResult, media.EncodeBufferSize),
		pending: make(map[uint64]Output),
	}
}

// Results delivers one result per image that produced an access unit. The
// channel is not closed.
func (a *Adapter) Results() <-chan media.EncodeResult {
	return a.results
}

// Encode submits img. It does not wait for the encoder.
func (a *Adapter) Encode(img *media.RawImage) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	seq := a.nextSeq
	a.nextSeq++
	a.mu.Unlock()

	var once atomic.Bool
	err := a.enc.Encode(img, func(out Output) {
		if !once.CompareAndSwap(false, true) {
			a.duplicates.Add(1)
			a.log.Warn("encoder produced more than one output for an image, dropping extra", "pts", out.PTS)
			return
		}
		a.complete(seq, out)
	})
	if err != nil {
		// Release the slot so later results are not held back.
		if once.CompareAndSwap(false, true) {
			a.complete(seq, Output{PTS: img.PTS, Err: err})
		}
		return err
	}
	a.submitted.Add(1)
	return nil
}

func (a *Adapter) complete(seq uint64, out Output) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[seq] = out
	for {
		next, ok := a.pending[a.emitSeq]
		if !ok {
			return
		}
		delete(a.pending, a.emitSeq)
		a.emitSeq++
		a.emit(next)
	}
}

// emit runs with a.mu held.
func (a *Adapter) emit(out Output) {
	if out.Err != nil {
		a.failures.Add(1)
		a.log.Warn("encode failed, skipping image", "pts", out.PTS, "error", out.Err)
		return
	}

	inband, nalus := h264.SplitParameterSets(out.NALUs)
	sets := append(append([]media.ParameterSet(nil), out.ParameterSets...), inband...)

	var vcl [][]byte
	for _, nalu := range nalus {
		if h264.IsVCL(nalu) {
			vcl = append(vcl, nalu)
		}
	}

	res := media.EncodeResult{PTS: out.PTS, ParameterSets: a.changed(sets)}
	if len(vcl) > 0 {
		res.AccessUnit = &media.AccessUnit{
			PTS:        out.PTS,
			Duration:   out.Duration,
			IsKeyframe: h264.HasKeyframe(vcl),
			NALUs:      nalus,
		}
	}
	if res.AccessUnit == nil {
		a.empty.Add(1)
		if len(res.ParameterSets) == 0 {
			return
		}
	}

	select {
	case a.results <- res:
		if res.AccessUnit != nil {
			a.accessUnits.Add(1)
		}
		a.parameterSets.Add(int64(len(res.ParameterSets)))
	default:
		a.resultsDropped.Add(1)
		if len(res.ParameterSets) > 0 {
			a.resend = true
		}
		a.log.Warn("result queue full, dropping access unit", "pts", out.PTS)
	}
}

// changed returns the current parameter sets when they differ from the last
// surfaced ones or a result carrying them was dropped. When either changes,
// both are returned.
func (a *Adapter) changed(sets []media.ParameterSet) []media.ParameterSet {
	sps, pps := a.sps, a.pps
	for _, ps := range sets {
		switch ps.Role {
		case media.RoleSPS:
			sps = ps.Data
		case media.RolePPS:
			pps = ps.Data
		}
	}
	if !a.resend && bytes.Equal(sps, a.sps) && bytes.Equal(pps, a.pps) {
		return nil
	}
	a.resend = false
	a.sps, a.pps = bytes.Clone(sps), bytes.Clone(pps)

	var out []media.ParameterSet
	if a.sps != nil {
		out = append(out, media.ParameterSet{Role: media.RoleSPS, Data: a.sps})
	}
	if a.pps != nil {
		out = append(out, media.ParameterSet{Role: media.RolePPS, Data: a.pps})
	}
	return out
}

// Close closes the underlying encoder. Completions that arrive later are
// discarded once the result queue is full.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	return a.enc.Close()
}

// Stats returns a snapshot of the adapter's counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Submitted:      a.submitted.Load(),
		AccessUnits:    a.accessUnits.Load(),
		Empty:          a.empty.Load(),
		Failures:       a.failures.Load(),
		Duplicates:     a.duplicates.Load(),
		ResultsDropped: a.resultsDropped.Load(),
		ParameterSets:  a.parameterSets.Load(),
	}
}
