package decode

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/multiscreen/internal/h264"
	"github.com/zsiec/multiscreen/internal/media"
)

var (
	errMalformedPayload = errors.New("malformed length-prefixed payload")
	errSessionBusy      = errors.New("decoder session queue full")
)

// ProbeDecoder creates sessions that validate the length-prefixed framing of
// each submission and complete with a pixel-less image carrying the stream
// geometry. It stands in for a platform decoder.
type ProbeDecoder struct {
	// QueueSize bounds the submissions in flight per session.
	QueueSize int
}

// NewSession starts a session worker for format.
func (d ProbeDecoder) NewSession(format *h264.FormatDescription) (Session, error) {
	if format == nil {
		return nil, errors.New("nil format description")
	}
	size := d.QueueSize
	if size <= 0 {
		size = media.CompletionBufferSize
	}
	s := &probeSession{
		format: format,
		queue:  make(chan probeJob, size),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

type probeJob struct {
	sub  Submission
	done func(Result)
}

type probeSession struct {
	format *h264.FormatDescription
	queue  chan probeJob

	mu          sync.Mutex
	invalidated bool
	done        chan struct{}
}

func (s *probeSession) Decode(sub Submission, done func(Result)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalidated {
		return ErrSessionInvalidated
	}
	select {
	case s.queue <- probeJob{sub: sub, done: done}:
		return nil
	default:
		return errSessionBusy
	}
}

func (s *probeSession) Invalidate() {
	s.mu.Lock()
	if !s.invalidated {
		s.invalidated = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *probeSession) run() {
	defer close(s.done)
	for job := range s.queue {
		job.done(s.decode(job.sub))
	}
}

func (s *probeSession) decode(sub Submission) Result {
	nalus, ok := h264.SplitAVCC(sub.Payload)
	if !ok || len(nalus) == 0 {
		return Result{Seq: sub.Seq, Err: errMalformedPayload}
	}
	for _, nalu := range nalus {
		if !h264.IsVCL(nalu) {
			return Result{Seq: sub.Seq, Err: fmt.Errorf("nal type %d in slice payload", h264.NALType(nalu))}
		}
	}
	return Result{
		Seq: sub.Seq,
		Image: &media.DecodedImage{
			Seq:       sub.Seq,
			Width:     s.format.Width,
			Height:    s.format.Height,
			DecodedAt: time.Now(),
		},
	}
}
