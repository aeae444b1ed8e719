package stream

import (
	"testing"
	"time"
)

func TestManagerCreateAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	s, ok := m.Create(Info{ID: "conn-1", Port: 8000}, func() any { return 42 })
	if !ok {
		t.Fatal("Create returned not-ok for new stream")
	}
	if s.ID != "conn-1" || s.Port != 8000 {
		t.Errorf("info: got %+v", s.Info)
	}
	if s.StartedAt.IsZero() {
		t.Error("StartedAt should not be zero")
	}
	if got := s.Stats(); got != 42 {
		t.Errorf("stats: got %v, want 42", got)
	}

	got, ok := m.Get("conn-1")
	if !ok || got != s {
		t.Error("Get should return the created stream")
	}
}

func TestManagerCreateDuplicate(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	if _, ok := m.Create(Info{ID: "test"}, nil); !ok {
		t.Fatal("first Create should succeed")
	}
	s2, ok2 := m.Create(Info{ID: "test"}, nil)
	if ok2 {
		t.Error("duplicate Create should return false")
	}
	if s2 != nil {
		t.Error("duplicate Create should return nil stream")
	}
}

func TestManagerRemoveClosesDone(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	s, _ := m.Create(Info{ID: "test"}, nil)
	m.Remove("test")
	if len(m.List()) != 0 {
		t.Errorf("count after remove: got %d, want 0", len(m.List()))
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after Remove")
	}
	if s.Stats() != nil {
		t.Error("stream without stats func should report nil")
	}
}

func TestManagerListOrdering(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	base := time.Now()

	m.Create(Info{ID: "c", Port: 8002, StartedAt: base}, nil)
	m.Create(Info{ID: "b", Port: 8000, StartedAt: base.Add(time.Second)}, nil)
	m.Create(Info{ID: "a", Port: 8000, StartedAt: base}, nil)

	var ids []string
	for _, s := range m.List() {
		ids = append(ids, s.ID)
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order: got %v, want %v", ids, want)
		}
	}

	on8000 := m.ByPort(8000)
	if len(on8000) != 2 || on8000[0].ID != "a" {
		t.Errorf("ByPort(8000): got %d streams", len(on8000))
	}
}

func TestManagerRemoveNonexistent(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	// Should not panic
	m.Remove("nonexistent")
}
