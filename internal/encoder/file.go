package encoder

import (
	"errors"
	"fmt"
	"os"
	"time"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/zsiec/multiscreen/internal/h264"
	"github.com/zsiec/multiscreen/internal/media"
)

// FileEncoder replays a recorded H.264 Annex-B elementary stream as encoder
// output, one picture per submitted image. Playback starts at the first
// keyframe and loops at the end of the file.
type FileEncoder struct {
	pictures      [][][]byte
	frameDuration time.Duration
	next          int
	w             *worker
}

// OpenFile loads an Annex-B file for replay.
func OpenFile(path string, frameDuration time.Duration) (*FileEncoder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return NewFileEncoder(data, frameDuration)
}

// NewFileEncoder replays the Annex-B stream in data.
func NewFileEncoder(data []byte, frameDuration time.Duration) (*FileEncoder, error) {
	var nalus mch264.AnnexB
	if err := nalus.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("parse annex-b: %w", err)
	}

	pictures := h264.SplitAccessUnits(nalus)
	start := -1
	for i, pic := range pictures {
		if h264.HasKeyframe(pic) {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, errors.New("stream has no keyframe")
	}

	f := &FileEncoder{
		pictures:      pictures[start:],
		frameDuration: frameDuration,
	}
	f.w = startWorker(media.EncodeBufferSize, f.encode)
	return f, nil
}

// Pictures returns the number of pictures in one loop of the file.
func (f *FileEncoder) Pictures() int {
	return len(f.pictures)
}

func (f *FileEncoder) Encode(img *media.RawImage, done func(Output)) error {
	return f.w.submit(img, done)
}

func (f *FileEncoder) Close() error {
	f.w.close()
	return nil
}

// encode runs on the worker goroutine only.
func (f *FileEncoder) encode(img *media.RawImage) Output {
	pic := f.pictures[f.next]
	f.next = (f.next + 1) % len(f.pictures)
	return Output{
		PTS:      img.PTS,
		Duration: f.frameDuration,
		NALUs:    pic,
	}
}
