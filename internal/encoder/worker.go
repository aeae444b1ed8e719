package encoder

import (
	"errors"
	"sync"

	"github.com/zsiec/multiscreen/internal/media"
)

var errBusy = errors.New("encoder queue full")

type job struct {
	img  *media.RawImage
	done func(Output)
}

// worker completes jobs on its own goroutine, in submission order, the way a
// hardware session delivers its callbacks.
type worker struct {
	mu     sync.Mutex
	closed bool
	queue  chan job
	done   chan struct{}
}

func startWorker(size int, fn func(*media.RawImage) Output) *worker {
	w := &worker{
		queue: make(chan job, size),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		for j := range w.queue {
			j.done(fn(j.img))
		}
	}()
	return w
}

func (w *worker) submit(img *media.RawImage, done func(Output)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- job{img: img, done: done}:
		return nil
	default:
		return errBusy
	}
}

func (w *worker) close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
}
