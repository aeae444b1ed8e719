package sink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/multiscreen/internal/media"
)

func img(stream string, seq uint64) *media.DecodedImage {
	return &media.DecodedImage{StreamID: stream, Port: 8000, Seq: seq, Width: 1920, Height: 1080}
}

func TestSinkDeliversInOrder(t *testing.T) {
	t.Parallel()
	s := New(nil)
	sub := s.Subscribe(10)

	for i := uint64(1); i <= 5; i++ {
		s.Publish(img("a", i))
	}
	for want := uint64(1); want <= 5; want++ {
		ev := <-sub.C
		if ev.Kind != EventFrame || ev.Image.Seq != want {
			t.Fatalf("got %v seq %d, want frame seq %d", ev.Kind, ev.Image.Seq, want)
		}
	}
}

func TestSinkPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	s := New(nil)
	slow := s.Subscribe(2)
	fast := s.Subscribe(100)

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 50; i++ {
			s.Publish(img("a", i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if slow.Dropped() != 48 {
		t.Errorf("slow dropped: got %d, want 48", slow.Dropped())
	}
	if fast.Dropped() != 0 {
		t.Errorf("fast dropped: got %d, want 0", fast.Dropped())
	}
	if len(fast.C) != 50 {
		t.Errorf("fast buffered: got %d, want 50", len(fast.C))
	}
}

func TestSinkMergesByStream(t *testing.T) {
	t.Parallel()
	s := New(nil)
	s.Publish(img("a", 1))
	s.Publish(img("b", 1))
	s.Publish(img("a", 2))

	latest, ok := s.Latest("a")
	if !ok || latest.Seq != 2 {
		t.Fatalf("latest a: got %+v, want seq 2", latest)
	}
	if len(s.Streams()) != 2 {
		t.Fatalf("streams: got %d, want 2", len(s.Streams()))
	}
	for _, st := range s.Streams() {
		if st.StreamID == "a" && st.Frames != 2 {
			t.Errorf("stream a frames: got %d, want 2", st.Frames)
		}
	}

	sub := s.Subscribe(1)
	s.CloseStream("a", 8000, "connection reset")
	if _, ok := s.Latest("a"); ok {
		t.Error("closed stream still has state")
	}
	ev := <-sub.C
	if ev.Kind != EventStreamClosed || ev.StreamID != "a" || ev.Reason != "connection reset" {
		t.Errorf("got %+v, want stream-closed for a", ev)
	}
}

func TestSinkUnsubscribe(t *testing.T) {
	t.Parallel()
	s := New(nil)
	sub := s.Subscribe(1)
	s.Unsubscribe(sub.ID)
	s.Unsubscribe(sub.ID)
	s.Publish(img("a", 1))
	if len(sub.C) != 0 {
		t.Error("unsubscribed channel received an event")
	}
}

type recordingPresenter struct {
	mu     sync.Mutex
	seqs   []uint64
	closed []string
	got    chan struct{}
}

func (p *recordingPresenter) OnDecodedImage(_ string, img *media.DecodedImage) {
	p.mu.Lock()
	p.seqs = append(p.seqs, img.Seq)
	p.mu.Unlock()
	p.got <- struct{}{}
}

func (p *recordingPresenter) OnStreamClosed(streamID, _ string) {
	p.mu.Lock()
	p.closed = append(p.closed, streamID)
	p.mu.Unlock()
	p.got <- struct{}{}
}

func TestSinkPresent(t *testing.T) {
	t.Parallel()
	s := New(nil)
	p := &recordingPresenter{got: make(chan struct{}, 10)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		s.Present(ctx, p)
		close(stopped)
	}()

	// Wait for Present to subscribe.
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.RLock()
		n := len(s.subs)
		s.mu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Present did not subscribe")
		}
		time.Sleep(time.Millisecond)
	}

	s.Publish(img("a", 1))
	s.Publish(img("a", 2))
	s.CloseStream("a", 8000, "eof")
	for range 3 {
		select {
		case <-p.got:
		case <-time.After(2 * time.Second):
			t.Fatal("presenter not called")
		}
	}

	p.mu.Lock()
	if len(p.seqs) != 2 || p.seqs[0] != 1 || p.seqs[1] != 2 {
		t.Errorf("seqs: got %v, want [1 2]", p.seqs)
	}
	if len(p.closed) != 1 || p.closed[0] != "a" {
		t.Errorf("closed: got %v, want [a]", p.closed)
	}
	p.mu.Unlock()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Present did not return after cancel")
	}
}
