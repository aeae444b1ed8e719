// Package stream tracks the display streams currently connected to the
// receiver, providing create/remove/list operations used by the receive
// path and the status API.
package stream

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Info identifies one display connection.
type Info struct {
	ID         string    `json:"id"`
	Port       int       `json:"port"`
	RemoteAddr string    `json:"remoteAddr"`
	Transport  string    `json:"transport"`
	StartedAt  time.Time `json:"startedAt"`
}

// StatsFunc returns a JSON-encodable snapshot of a stream's counters.
type StatsFunc func() any

// Stream is a registered display stream.
type Stream struct {
	Info
	stats StatsFunc
	done  chan struct{}
}

// Done is closed when the stream is removed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stats returns the stream's counters, or nil if it has none.
func (s *Stream) Stats() any {
	if s.stats == nil {
		return nil
	}
	return s.stats()
}

// Manager manages the lifecycle of active streams.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a new stream manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		streams: make(map[string]*Stream),
	}
}

// Create registers a new stream. Returns the stream and true if created,
// or nil and false if a stream with this ID already exists.
func (m *Manager) Create(info Info, stats StatsFunc) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[info.ID]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "id", info.ID)
		return nil, false
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}

	s := &Stream{
		Info:  info,
		stats: stats,
		done:  make(chan struct{}),
	}
	m.streams[info.ID] = s
	m.log.Info("stream created", "id", info.ID, "port", info.Port, "remote", info.RemoteAddr)
	return s, true
}

// Remove removes a stream from the manager.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.streams[id]
	if ok {
		delete(m.streams, id)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("stream removed", "id", id, "port", s.Port,
			"uptime", time.Since(s.StartedAt).Round(time.Millisecond))
	}
}

// Get returns the stream with the given ID.
func (m *Manager) Get(id string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[id]
	return s, ok
}

// ByPort returns the streams connected on port, oldest first.
func (m *Manager) ByPort(port int) []*Stream {
	m.mu.RLock()
	var out []*Stream
	for _, s := range m.streams {
		if s.Port == port {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	sortByStart(out)
	return out
}

// List returns all active streams ordered by port, then start time.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()
	sortByStart(streams)
	return streams
}

func sortByStart(streams []*Stream) {
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].Port != streams[j].Port {
			return streams[i].Port < streams[j].Port
		}
		return streams[i].StartedAt.Before(streams[j].StartedAt)
	})
}
