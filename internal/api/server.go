// Package api serves the receiver's status over HTTP and pushes decoded
// frame notifications to the presentation layer over a websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/zsiec/multiscreen/internal/sink"
	"github.com/zsiec/multiscreen/internal/stream"
)

const (
	eventBufferSize = 128
	writeTimeout    = 5 * time.Second
	pingInterval    = 30 * time.Second
)

// Config configures a Server.
type Config struct {
	Addr    string
	Streams *stream.Manager
	Sink    *sink.Sink
	Logger  *slog.Logger

	// Fingerprint is the QUIC certificate hash senders must pin, if any.
	Fingerprint string
}

// Server is the status API.
type Server struct {
	cfg      Config
	log      *slog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
	started  time.Time
}

// NewServer returns a Server. Streams and Sink are required.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Streams == nil {
		return nil, errors.New("api: Streams is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("api: Sink is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		log:    log.With("component", "api"),
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			// Any origin may watch the feed; the API is read-only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/streams", s.handleListStreams).Methods(http.MethodGet)
	api.HandleFunc("/streams/{port:[0-9]+}", s.handleStreamsByPort).Methods(http.MethodGet)
	api.HandleFunc("/cert-hash", s.handleCertHash).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents)
}

// Handler returns the API with CORS headers applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.router)
}

// Start serves on cfg.Addr until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.log.Info("API server listening", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type healthResponse struct {
	Status    string `json:"status"`
	Streams   int    `json:"streams"`
	Published int64  `json:"published"`
	UptimeMs  int64  `json:"uptimeMs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Streams:   len(s.cfg.Streams.List()),
		Published: s.cfg.Sink.Published(),
		UptimeMs:  time.Since(s.started).Milliseconds(),
	})
}

// StreamResponse describes one connected stream.
type StreamResponse struct {
	stream.Info
	Stats   any               `json:"stats,omitempty"`
	Display *sink.StreamState `json:"display,omitempty"`
}

func (s *Server) describe(streams []*stream.Stream) []StreamResponse {
	display := make(map[string]sink.StreamState)
	for _, st := range s.cfg.Sink.Streams() {
		display[st.StreamID] = st
	}
	out := make([]StreamResponse, 0, len(streams))
	for _, st := range streams {
		r := StreamResponse{Info: st.Info, Stats: st.Stats()}
		if d, ok := display[st.ID]; ok {
			r.Display = &d
		}
		out = append(out, r)
	}
	return out
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.describe(s.cfg.Streams.List()))
}

func (s *Server) handleStreamsByPort(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(mux.Vars(r)["port"])
	if err != nil || port > 65535 {
		writeError(w, http.StatusBadRequest, "invalid port")
		return
	}
	streams := s.cfg.Streams.ByPort(port)
	if len(streams) == 0 {
		writeError(w, http.StatusNotFound, "no stream on port "+strconv.Itoa(port))
		return
	}
	writeJSON(w, http.StatusOK, s.describe(streams))
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Fingerprint == "" {
		writeError(w, http.StatusNotFound, "no certificate in use")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": s.cfg.Fingerprint})
}

// FrameEvent is one message on the events feed.
type FrameEvent struct {
	Type      string    `json:"type"`
	StreamID  string    `json:"streamId"`
	Port      int       `json:"port"`
	Seq       uint64    `json:"seq,omitempty"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	PTSMs     int64     `json:"ptsMs,omitempty"`
	DecodedAt time.Time `json:"decodedAt,omitzero"`
	Reason    string    `json:"reason,omitempty"`
}

func newFrameEvent(ev sink.Event) FrameEvent {
	fe := FrameEvent{Type: ev.Kind.String(), StreamID: ev.StreamID, Port: ev.Port, Reason: ev.Reason}
	if img := ev.Image; img != nil {
		fe.Seq = img.Seq
		fe.Width = img.Width
		fe.Height = img.Height
		fe.PTSMs = img.PTS.Milliseconds()
		fe.DecodedAt = img.DecodedAt
	}
	return fe
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.cfg.Sink.Subscribe(eventBufferSize)
	defer s.cfg.Sink.Unsubscribe(sub.ID)
	s.log.Debug("events client connected", "remote", r.RemoteAddr, "subscriber", sub.ID)

	// The read side only watches for the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(newFrameEvent(ev)); err != nil {
				s.log.Debug("events write failed", "error", err)
				return
			}
		}
	}
}
