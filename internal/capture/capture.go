// Package capture produces the raw images the send path encodes.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/multiscreen/internal/media"
)

// ErrStopped is returned by Next after Close.
var ErrStopped = errors.New("capture source stopped")

// Source yields captured images one at a time.
type Source interface {
	// Next blocks until the next image is due.
	Next(ctx context.Context) (*media.RawImage, error)
	Close() error
}

// Synthetic generates a moving 8-bit luma test pattern at a fixed rate.
// Images are paced against the start time, so a slow consumer gets the next
// image immediately rather than drifting.
type Synthetic struct {
	width, height int
	interval      time.Duration
	label         byte

	mu    sync.Mutex
	start time.Time
	frame int64

	done chan struct{}
	once sync.Once
}

// NewSynthetic returns a source of width x height images at fps. label is
// mixed into the pattern so that displays are distinguishable.
func NewSynthetic(width, height, fps int, label byte) (*Synthetic, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid capture size %dx%d", width, height)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("invalid capture rate %d", fps)
	}
	return &Synthetic{
		width:    width,
		height:   height,
		interval: time.Second / time.Duration(fps),
		label:    label,
		done:     make(chan struct{}),
	}, nil
}

// Interval returns the time between images.
func (s *Synthetic) Interval() time.Duration { return s.interval }

func (s *Synthetic) Next(ctx context.Context) (*media.RawImage, error) {
	s.mu.Lock()
	if s.start.IsZero() {
		s.start = time.Now()
	}
	frame := s.frame
	s.frame++
	due := s.start.Add(time.Duration(frame) * s.interval)
	s.mu.Unlock()

	if wait := time.Until(due); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrStopped
		case <-t.C:
		}
	} else {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrStopped
		default:
		}
	}

	return &media.RawImage{
		Width:      s.width,
		Height:     s.height,
		Stride:     s.width,
		Pix:        s.paint(frame),
		PTS:        time.Duration(frame) * s.interval,
		CapturedAt: time.Now(),
	}, nil
}

// paint draws a horizontal gradient with a bright bar that moves one column
// per frame.
func (s *Synthetic) paint(frame int64) []byte {
	pix := make([]byte, s.width*s.height)
	bar := int(frame % int64(s.width))
	for y := range s.height {
		row := pix[y*s.width : (y+1)*s.width]
		for x := range row {
			row[x] = byte(x*255/s.width) ^ s.label
		}
		for x := bar; x < min(bar+8, s.width); x++ {
			row[x] = 0xFF
		}
	}
	return pix
}

// Close stops the source. Pending and later Next calls return ErrStopped.
func (s *Synthetic) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
