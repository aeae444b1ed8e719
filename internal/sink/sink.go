// Package sink republishes decoded images to the presentation layer. Publish
// never blocks the decode path: a subscriber that falls behind loses images
// rather than stalling its stream.
package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/multiscreen/internal/media"
)

// EventKind distinguishes sink events.
type EventKind uint8

const (
	EventFrame EventKind = iota + 1
	EventStreamClosed
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventStreamClosed:
		return "stream-closed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers. Image is set for EventFrame.
type Event struct {
	Kind     EventKind
	StreamID string
	Port     int
	Image    *media.DecodedImage
	Reason   string // set for EventStreamClosed
}

// Presenter is the presentation layer's view of the sink.
type Presenter interface {
	OnDecodedImage(streamID string, img *media.DecodedImage)
}

// StreamCloseObserver may be implemented by a Presenter that wants to know
// when a stream ends.
type StreamCloseObserver interface {
	OnStreamClosed(streamID string, reason string)
}

// StreamState is the merged presentation state of one stream.
type StreamState struct {
	StreamID      string    `json:"streamId"`
	Port          int       `json:"port"`
	Frames        int64     `json:"frames"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	LastSeq       uint64    `json:"lastSeq"`
	LastDecodedAt time.Time `json:"lastDecodedAt"`
}

// Subscription receives events in publish order until it is cancelled.
type Subscription struct {
	ID string
	C  <-chan Event

	ch      chan Event
	dropped atomic.Int64
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Sink fans decoded images out to subscribers and keeps the latest image of
// every stream.
type Sink struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscription
	latest map[string]*entry

	published atomic.Int64
}

type entry struct {
	state StreamState
	image *media.DecodedImage
}

// New creates an empty sink. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{
		log:    log.With("component", "sink"),
		subs:   make(map[string]*Subscription),
		latest: make(map[string]*entry),
	}
}

// Publish records img as the latest image of its stream and offers it to
// every subscriber without blocking.
func (s *Sink) Publish(img *media.DecodedImage) {
	s.mu.Lock()
	e, ok := s.latest[img.StreamID]
	if !ok {
		e = &entry{state: StreamState{StreamID: img.StreamID, Port: img.Port}}
		s.latest[img.StreamID] = e
	}
	e.image = img
	e.state.Frames++
	e.state.Width = img.Width
	e.state.Height = img.Height
	e.state.LastSeq = img.Seq
	e.state.LastDecodedAt = img.DecodedAt
	s.mu.Unlock()

	s.published.Add(1)
	s.broadcast(Event{Kind: EventFrame, StreamID: img.StreamID, Port: img.Port, Image: img})
}

// CloseStream drops the merged state of a stream and tells subscribers it
// ended.
func (s *Sink) CloseStream(streamID string, port int, reason string) {
	s.mu.Lock()
	delete(s.latest, streamID)
	s.mu.Unlock()
	s.broadcast(Event{Kind: EventStreamClosed, StreamID: streamID, Port: port, Reason: reason})
}

func (s *Sink) broadcast(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			if sub.dropped.Add(1)%100 == 1 {
				s.log.Warn("subscriber falling behind, dropping events",
					"subscriber", sub.ID, "dropped", sub.dropped.Load())
			}
		}
	}
}

// Subscribe registers a subscriber with a buffer of size events.
func (s *Sink) Subscribe(size int) *Subscription {
	if size <= 0 {
		size = media.ImageBufferSize
	}
	ch := make(chan Event, size)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()
	s.log.Debug("subscriber added", "subscriber", sub.ID)
	return sub
}

// Unsubscribe removes a subscriber. Its channel is not closed.
func (s *Sink) Unsubscribe(id string) {
	s.mu.Lock()
	_, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		s.log.Debug("subscriber removed", "subscriber", id)
	}
}

// Present delivers events to p in order until ctx is done.
func (s *Sink) Present(ctx context.Context, p Presenter) {
	sub := s.Subscribe(0)
	defer s.Unsubscribe(sub.ID)

	closer, _ := p.(StreamCloseObserver)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			switch ev.Kind {
			case EventFrame:
				p.OnDecodedImage(ev.StreamID, ev.Image)
			case EventStreamClosed:
				if closer != nil {
					closer.OnStreamClosed(ev.StreamID, ev.Reason)
				}
			}
		}
	}
}

// Latest returns the most recent image of a stream.
func (s *Sink) Latest(streamID string) (*media.DecodedImage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.latest[streamID]
	if !ok {
		return nil, false
	}
	return e.image, true
}

// Streams returns the merged state of every stream that has published.
func (s *Sink) Streams() []StreamState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StreamState, 0, len(s.latest))
	for _, e := range s.latest {
		out = append(out, e.state)
	}
	return out
}

// Published returns the total number of images published.
func (s *Sink) Published() int64 {
	return s.published.Load()
}
