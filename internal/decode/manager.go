package decode

import (
	"bytes"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/multiscreen/internal/h264"
	"github.com/zsiec/multiscreen/internal/media"
)

// Action is what the manager did with a unit.
type Action uint8

const (
	ActionStored Action = iota + 1
	ActionSubmitted
	ActionDropped
	ActionIgnored
)

func (a Action) String() string {
	switch a {
	case ActionStored:
		return "stored"
	case ActionSubmitted:
		return "submitted"
	case ActionDropped:
		return "dropped"
	case ActionIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// DropReason explains an ActionDropped outcome.
type DropReason uint8

const (
	ReasonNone DropReason = iota
	ReasonEmptyUnit
	ReasonNoSession
	ReasonAwaitingKeyframe
	ReasonSubmitFailed
	ReasonClosed
)

func (r DropReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonEmptyUnit:
		return "empty unit"
	case ReasonNoSession:
		return "no decoder session"
	case ReasonAwaitingKeyframe:
		return "awaiting keyframe"
	case ReasonSubmitFailed:
		return "submit failed"
	case ReasonClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome reports how HandleUnit disposed of one unit.
type Outcome struct {
	Action Action
	Reason DropReason
	Unit   h264.Classification
	Seq    uint64 // submission sequence, set for ActionSubmitted
}

// Stats is a snapshot of a manager's counters.
type Stats struct {
	State              string `json:"state"`
	Format             string `json:"format,omitempty"`
	Width              int    `json:"width,omitempty"`
	Height             int    `json:"height,omitempty"`
	ParameterSets      int64  `json:"parameterSets"`
	Submitted          int64  `json:"submitted"`
	Decoded            int64  `json:"decoded"`
	Dropped            int64  `json:"dropped"`
	Ignored            int64  `json:"ignored"`
	DecodeFailures     int64  `json:"decodeFailures"`
	SessionsCreated    int64  `json:"sessionsCreated"`
	SessionFailures    int64  `json:"sessionFailures"`
	Invalidations      int64  `json:"invalidations"`
	CompletionsDropped int64  `json:"completionsDropped"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithCompletionBuffer sets the capacity of the Completions channel.
func WithCompletionBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.completions = make(chan Result, n)
		}
	}
}

// WithKeyframeGate makes the manager drop non-key slices after every session
// (re)creation until the first key slice arrives.
func WithKeyframeGate(enabled bool) Option {
	return func(m *Manager) { m.keyframeGate = enabled }
}

// WithStateObserver registers fn to run on every state transition. It is
// called with the manager's lock held and must not call back into it.
func WithStateObserver(fn func(from, to State)) Option {
	return func(m *Manager) { m.onState = fn }
}

// Manager owns the parameter sets and decoder session of one stream. Units
// must be handed to it in arrival order; HandleUnit serializes callers.
type Manager struct {
	log     *slog.Logger
	decoder Decoder

	mu               sync.Mutex
	state            State
	sps, pps         []byte
	format           *h264.FormatDescription
	session          Session
	keyframeGate     bool
	awaitingKeyframe bool
	seq              uint64
	onState          func(from, to State)

	completions chan Result
	closed      chan struct{}
	closeOnce   sync.Once

	parameterSets      atomic.Int64
	submitted          atomic.Int64
	decoded            atomic.Int64
	dropped            atomic.Int64
	ignored            atomic.Int64
	decodeFailures     atomic.Int64
	sessionsCreated    atomic.Int64
	sessionFailures    atomic.Int64
	invalidations      atomic.Int64
	completionsDropped atomic.Int64
}

// NewManager returns a manager in StateUninitialized that creates sessions
// with decoder.
func NewManager(decoder Decoder, opts ...Option) *Manager {
	m := &Manager{
		log:         slog.Default(),
		decoder:     decoder,
		completions: make(chan Result, media.CompletionBufferSize),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "decode-manager")
	return m
}

// Completions delivers successful decode results in completion order. The
// channel is never closed.
func (m *Manager) Completions() <-chan Result {
	return m.completions
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Format returns the active format description, or nil.
func (m *Manager) Format() *h264.FormatDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.format
}

// HandleUnit classifies one reassembled unit and acts on it.
func (m *Manager) HandleUnit(unit []byte) Outcome {
	c, err := h264.Classify(unit)
	if err != nil {
		m.dropped.Add(1)
		m.log.Debug("dropping unit", "reason", ReasonEmptyUnit)
		return Outcome{Action: ActionDropped, Reason: ReasonEmptyUnit}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.closed:
		m.dropped.Add(1)
		return Outcome{Action: ActionDropped, Reason: ReasonClosed, Unit: c}
	default:
	}

	switch c.Kind {
	case h264.KindParameterSet:
		m.storeParameterSet(c.Role, unit)
		return Outcome{Action: ActionStored, Unit: c}
	case h264.KindCodedSlice:
		return m.submit(c, unit)
	default:
		m.ignored.Add(1)
		m.log.Debug("unhandled NAL unit", "type", c.NALType, "size", len(unit))
		return Outcome{Action: ActionIgnored, Unit: c}
	}
}

func (m *Manager) storeParameterSet(role media.ParameterSetRole, unit []byte) {
	m.parameterSets.Add(1)
	switch role {
	case media.RoleSPS:
		m.sps = bytes.Clone(unit)
	case media.RolePPS:
		m.pps = bytes.Clone(unit)
	}
	m.log.Debug("parameter set stored", "role", role, "size", len(unit))
	if m.sps == nil || m.pps == nil {
		return
	}

	fd, err := h264.NewFormatDescription(m.sps, m.pps)
	if err != nil {
		m.log.Warn("building format description", "error", err)
		return
	}

	reason := "format changed"
	if m.session != nil && !m.format.Differs(fd) {
		if m.format.SameParameters(fd) {
			return
		}
		reason = "parameter sets changed"
		if r, ok := m.session.(Reconfigurer); ok {
			err := r.Reconfigure(fd)
			if err == nil {
				m.format = fd
				m.log.Debug("session reconfigured", "format", fd)
				return
			}
			reason = "reconfigure failed: " + err.Error()
		}
	}
	m.rebuild(fd, reason)
}

// rebuild drops any current session and creates one for fd.
func (m *Manager) rebuild(fd *h264.FormatDescription, reason string) {
	if m.session != nil {
		m.log.Info("invalidating decoder session", "reason", reason, "from", m.format, "to", fd)
		m.session.Invalidate()
		m.session = nil
		m.invalidations.Add(1)
	}
	m.format = fd
	m.setState(StateParametersKnown)

	s, err := m.decoder.NewSession(fd)
	if err != nil {
		m.sessionFailures.Add(1)
		m.log.Warn("decoder session creation failed, waiting for next parameter set", "format", fd, "error", err)
		return
	}
	m.session = s
	m.awaitingKeyframe = m.keyframeGate
	m.sessionsCreated.Add(1)
	m.setState(StateSessionActive)
	m.log.Info("decoder session created", "format", fd)
}

func (m *Manager) submit(c h264.Classification, unit []byte) Outcome {
	if m.state != StateSessionActive {
		m.dropped.Add(1)
		m.log.Debug("dropping slice", "reason", ReasonNoSession, "state", m.state)
		return Outcome{Action: ActionDropped, Reason: ReasonNoSession, Unit: c}
	}
	if m.awaitingKeyframe {
		if !c.IsKeyframe {
			m.dropped.Add(1)
			return Outcome{Action: ActionDropped, Reason: ReasonAwaitingKeyframe, Unit: c}
		}
		m.awaitingKeyframe = false
	}

	payload, err := h264.AVCC(unit)
	if err != nil {
		m.dropped.Add(1)
		m.decodeFailures.Add(1)
		m.log.Warn("wrapping slice", "error", err)
		return Outcome{Action: ActionDropped, Reason: ReasonSubmitFailed, Unit: c}
	}

	m.seq++
	sub := Submission{
		Seq:         m.seq,
		Payload:     payload,
		IsKeyframe:  c.IsKeyframe,
		Format:      m.format,
		SubmittedAt: time.Now(),
	}
	if err := m.session.Decode(sub, m.complete); err != nil {
		m.dropped.Add(1)
		m.decodeFailures.Add(1)
		m.log.Warn("decode submission failed, skipping frame", "seq", sub.Seq, "error", err)
		return Outcome{Action: ActionDropped, Reason: ReasonSubmitFailed, Unit: c}
	}
	m.submitted.Add(1)
	return Outcome{Action: ActionSubmitted, Unit: c, Seq: sub.Seq}
}

// complete runs on the session's goroutine. It must not take m.mu, since a
// session may complete synchronously inside Decode.
func (m *Manager) complete(r Result) {
	if r.Err != nil {
		m.decodeFailures.Add(1)
		m.log.Warn("decode failed, skipping frame", "seq", r.Seq, "error", r.Err)
		return
	}
	select {
	case <-m.closed:
		m.completionsDropped.Add(1)
		m.log.Debug("manager closed, discarding decoded image", "seq", r.Seq)
		return
	default:
	}
	select {
	case m.completions <- r:
		m.decoded.Add(1)
	default:
		m.completionsDropped.Add(1)
		m.log.Warn("completion queue full, dropping decoded image", "seq", r.Seq)
	}
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.log.Debug("state transition", "from", m.state, "to", s)
	from := m.state
	m.state = s
	if m.onState != nil {
		m.onState(from, s)
	}
}

// Flush invalidates the active session and returns once its in-flight
// submissions have completed, so their results are already on Completions.
// The parameter sets are kept; a session is rebuilt on the next parameter set.
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return
	}
	m.session.Invalidate()
	m.session = nil
	m.invalidations.Add(1)
	m.setState(StateParametersKnown)
}

// Close invalidates the session and discards the parameter sets. Later units
// are dropped and late completions are discarded and counted in
// Stats.CompletionsDropped.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		close(m.closed)
		if m.session != nil {
			m.session.Invalidate()
			m.session = nil
		}
		m.sps, m.pps, m.format = nil, nil, nil
		m.setState(StateUninitialized)
	})
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{State: m.state.String()}
	if m.format != nil {
		s.Format = m.format.CodecString()
		s.Width = m.format.Width
		s.Height = m.format.Height
	}
	m.mu.Unlock()

	s.ParameterSets = m.parameterSets.Load()
	s.Submitted = m.submitted.Load()
	s.Decoded = m.decoded.Load()
	s.Dropped = m.dropped.Load()
	s.Ignored = m.ignored.Load()
	s.DecodeFailures = m.decodeFailures.Load()
	s.SessionsCreated = m.sessionsCreated.Load()
	s.SessionFailures = m.sessionFailures.Load()
	s.Invalidations = m.invalidations.Load()
	s.CompletionsDropped = m.completionsDropped.Load()
	return s
}
