package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hbbalancer/hbbalancer/internal/directory"
	"github.com/hbbalancer/hbbalancer/internal/events"
	"github.com/hbbalancer/hbbalancer/internal/metrics"
	"github.com/hbbalancer/hbbalancer/internal/protocol"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultGracePeriod    = 10 * time.Second

	sessionQueueSize = 16
)

// State is the position of a session in the handshake.
type State int32

const (
	StateAwaitingRequest State = iota
	StateAwaitingBackendConnect
	StateAwaitingBackendResponse
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingRequest:
		return "awaiting_request"
	case StateAwaitingBackendConnect:
		return "awaiting_backend_connect"
	case StateAwaitingBackendResponse:
		return "awaiting_backend_response"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Resolver picks a backend for a world name.
type Resolver interface {
	Resolve(world string) (directory.Descriptor, error)
}

// Dialer opens backend connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SessionConfig holds the timing of a session. Zero connect, grace and write
// timeouts fall back to their defaults; zero request and response timeouts
// disable those timers.
type SessionConfig struct {
	ConnectTimeout  time.Duration
	GracePeriod     time.Duration
	RequestTimeout  time.Duration
	ResponseTimeout time.Duration
	WriteTimeout    time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID        string             `json:"id"`
	Remote    string             `json:"remote"`
	State     string             `json:"state"`
	Kind      events.RequestKind `json:"kind,omitempty"`
	World     string             `json:"world,omitempty"`
	Backend   string             `json:"backend,omitempty"`
	StartedAt time.Time          `json:"started_at"`
}

type eventKind int

const (
	evClientFrame eventKind = iota
	evClientMalformed
	evClientClosed
	evConnected
	evConnectFailed
	evBackendFrame
	evBackendFailed
	evTimer
)

type timerKind int

const (
	timerRequest timerKind = iota
	timerResponse
	timerGrace
)

type sessionEvent struct {
	kind    eventKind
	payload []byte
	conn    net.Conn
	err     error
	timer   timerKind
}

// Session routes a single client handshake. All state is owned by the
// goroutine running Run; readers, the dialer and timers only post events.
type Session struct {
	id       string
	remote   string
	client   *FrameConn
	resolver Resolver
	dialer   Dialer
	cfg      SessionConfig
	bus      *events.EventBus
	logger   zerolog.Logger

	events    chan sessionEvent
	done      chan struct{}
	abort     chan struct{}
	abortOnce sync.Once

	mu        sync.Mutex
	state     State
	kind      events.RequestKind
	world     string
	backend   directory.Descriptor
	startedAt time.Time

	request     protocol.Message
	backendConn *FrameConn
	cancelDial  context.CancelFunc
	timers      map[timerKind]*time.Timer
	requestAt   time.Time
	result      events.HandshakePayload
}

// NewSession creates a session for an accepted client connection. bus may be
// nil.
func NewSession(id string, conn net.Conn, resolver Resolver, dialer Dialer, cfg SessionConfig, bus *events.EventBus) *Session {
	cfg = cfg.withDefaults()
	remote := conn.RemoteAddr().String()
	return &Session{
		id:       id,
		remote:   remote,
		client:   NewFrameConn(conn, cfg.WriteTimeout),
		resolver: resolver,
		dialer:   dialer,
		cfg:      cfg,
		bus:      bus,
		logger: log.With().
			Str("component", "session").
			Str("session", id).
			Str("remote", remote).
			Logger(),
		events:    make(chan sessionEvent, sessionQueueSize),
		done:      make(chan struct{}),
		abort:     make(chan struct{}),
		timers:    make(map[timerKind]*time.Timer),
		startedAt: time.Now(),
		result: events.HandshakePayload{
			SessionID: id,
			Remote:    remote,
		},
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:        s.id,
		Remote:    s.remote,
		State:     s.state.String(),
		Kind:      s.kind,
		World:     s.world,
		StartedAt: s.startedAt,
	}
	if s.backend.Address != "" {
		info.Backend = s.backend.Addr()
	}
	return info
}

// Close aborts the session from outside its goroutine.
func (s *Session) Close() {
	s.abortOnce.Do(func() { close(s.abort) })
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run drives the session until the client connection is closed and returns
// the handshake outcome.
func (s *Session) Run(ctx context.Context) events.HandshakePayload {
	s.emit(ctx, events.EventSessionOpened, events.SessionPayload{SessionID: s.id, Remote: s.remote})

	go s.readClient()
	if s.cfg.RequestTimeout > 0 {
		s.startTimer(timerRequest, s.cfg.RequestTimeout)
	}

	for s.State() != StateClosed {
		select {
		case <-ctx.Done():
			s.fail(events.ReasonShutdown)
		case <-s.abort:
			s.fail(events.ReasonShutdown)
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
	close(s.done)

	s.finish(ctx)
	return s.result
}

func (s *Session) handle(ctx context.Context, ev sessionEvent) {
	state := s.State()

	// Stale timers are those that fired after the state they guard was left.
	if ev.kind == evTimer && !timerValid(state, ev.timer) {
		return
	}

	switch state {
	case StateAwaitingRequest:
		switch ev.kind {
		case evClientFrame:
			s.handleRequest(ctx, ev.payload)
		case evClientMalformed:
			s.logger.Warn().Err(ev.err).Msg("malformed frame from client, aborting")
			metrics.MalformedFrames.WithLabelValues("client").Inc()
			s.fail(events.ReasonMalformedFrame)
		case evClientClosed:
			s.fail(events.ReasonClientClosed)
		case evTimer:
			s.logger.Debug().Msg("no request received, closing")
			s.fail(events.ReasonRequestTimeout)
		}

	case StateAwaitingBackendConnect:
		switch ev.kind {
		case evConnected:
			s.handleConnected(ev.conn)
		case evConnectFailed:
			s.logger.Warn().Err(ev.err).Msg("backend connect failed")
			metrics.BackendConnectFailures.WithLabelValues(s.backend.Addr()).Inc()
			s.reject(events.ReasonConnectFailed)
		default:
			s.handleClientDuringLeg(ev)
		}

	case StateAwaitingBackendResponse:
		switch ev.kind {
		case evBackendFrame:
			s.handleResponse(ev.payload)
		case evBackendFailed:
			s.closeBackend()
			reason := events.ReasonConnectFailed
			if errors.Is(ev.err, protocol.ErrMalformedFrame) {
				reason = events.ReasonBackendProtocol
				metrics.MalformedFrames.WithLabelValues("backend").Inc()
			}
			s.logger.Warn().Err(ev.err).Str("reason", string(reason)).Msg("backend leg failed before response")
			s.reject(reason)
		case evTimer:
			s.closeBackend()
			s.logger.Warn().Dur("timeout", s.cfg.ResponseTimeout).Msg("backend did not respond")
			s.reject(events.ReasonBackendTimeout)
		default:
			s.handleClientDuringLeg(ev)
		}

	case StateClosing:
		switch ev.kind {
		case evTimer:
			s.teardown()
		case evClientClosed:
			s.teardown()
		case evConnected:
			ev.conn.Close()
		}
	}
}

func timerValid(state State, t timerKind) bool {
	switch t {
	case timerRequest:
		return state == StateAwaitingRequest
	case timerResponse:
		return state == StateAwaitingBackendResponse
	case timerGrace:
		return state == StateClosing
	}
	return false
}

func (s *Session) handleRequest(ctx context.Context, payload []byte) {
	metrics.FramesReceived.WithLabelValues("client").Inc()

	msg, err := protocol.Decode(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("undecodable request, aborting")
		s.fail(events.ReasonMalformedFrame)
		return
	}

	var (
		kind    events.RequestKind
		world   string
		account string
	)
	switch m := msg.(type) {
	case *protocol.LoginRequest:
		kind, world, account = events.KindLogin, m.WorldName, m.AccountName
	case *protocol.EnterGameRequest:
		kind, world, account = events.KindEnterGame, m.WorldName, m.AccountName
	case *protocol.UnknownMessage:
		s.logger.Warn().Str("message", m.String()).Msg("unknown message from client, aborting")
		s.fail(events.ReasonUnknownMessage)
		return
	default:
		s.logger.Warn().Uint32("msg_id", msg.MsgID()).Msg("unexpected message from client, aborting")
		s.fail(events.ReasonUnexpected)
		return
	}

	s.stopTimer(timerRequest)
	s.request = msg
	s.requestAt = time.Now()
	s.result.Kind = kind
	s.result.World = world
	s.result.Account = account

	s.mu.Lock()
	s.kind = kind
	s.world = world
	s.mu.Unlock()

	s.logger = s.logger.With().Str("kind", string(kind)).Str("world", world).Logger()

	desc, err := s.resolver.Resolve(world)
	metrics.ObserveWorldRequest(world, err == nil)
	if err != nil {
		s.logger.Warn().Str("account", account).Msg("world not found")
		s.reject(events.ReasonWorldNotFound)
		return
	}

	s.mu.Lock()
	s.backend = desc
	s.mu.Unlock()
	s.result.Backend = desc.Addr()
	s.logger = s.logger.With().Str("backend", desc.Addr()).Logger()

	s.setState(StateAwaitingBackendConnect)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	s.cancelDial = cancel
	go s.dial(dialCtx, desc.Addr())
}

func (s *Session) handleConnected(conn net.Conn) {
	s.releaseDial()
	s.backendConn = NewFrameConn(conn, s.cfg.WriteTimeout)

	var forward protocol.Message
	switch req := s.request.(type) {
	case *protocol.LoginRequest:
		forward = req.Forward(s.backend.WorldName)
	case *protocol.EnterGameRequest:
		forward = req.Forward(s.backend.WorldName)
	}

	if err := s.backendConn.WriteFrame(forward.Encode()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to forward request to backend")
		s.closeBackend()
		s.reject(events.ReasonConnectFailed)
		return
	}
	metrics.FramesSent.WithLabelValues("backend").Inc()

	s.setState(StateAwaitingBackendResponse)
	go s.readBackend(s.backendConn)
	if s.cfg.ResponseTimeout > 0 {
		s.startTimer(timerResponse, s.cfg.ResponseTimeout)
	}

	s.logger.Debug().Msg("request forwarded to backend")
}

// handleResponse relays the first backend frame to the client verbatim.
func (s *Session) handleResponse(payload []byte) {
	metrics.FramesReceived.WithLabelValues("backend").Inc()
	s.stopTimer(timerResponse)
	s.closeBackend()

	if err := s.client.WriteFrame(payload); err != nil {
		s.logger.Warn().Err(err).Msg("failed to relay response to client")
		s.fail(events.ReasonWriteFailed)
		return
	}
	metrics.FramesSent.WithLabelValues("client").Inc()

	s.result.Outcome = events.OutcomeRouted
	s.logger.Info().
		Str("response", describeResponse(payload)).
		Dur("elapsed", time.Since(s.requestAt)).
		Msg("handshake routed")

	s.enterClosing()
}

// handleClientDuringLeg handles client events while a backend leg is active.
// Only one handshake is served per session, so further frames are dropped.
func (s *Session) handleClientDuringLeg(ev sessionEvent) {
	switch ev.kind {
	case evClientFrame:
		s.logger.Debug().Int("bytes", len(ev.payload)).Msg("dropping client frame during backend leg")
	case evClientMalformed:
		s.logger.Warn().Err(ev.err).Msg("malformed frame from client, aborting")
		metrics.MalformedFrames.WithLabelValues("client").Inc()
		s.fail(events.ReasonMalformedFrame)
	case evClientClosed:
		s.logger.Debug().Msg("client left during backend leg")
		s.fail(events.ReasonClientClosed)
	}
}

// reject writes the rejection matching the request kind and starts the grace
// period.
func (s *Session) reject(reason events.Reason) {
	var msg protocol.Message
	switch s.kind {
	case events.KindEnterGame:
		msg = protocol.DataDifferenceReject()
	default:
		msg = protocol.NotExistingWorld()
	}

	if err := s.client.WriteFrame(msg.Encode()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write rejection")
		s.fail(events.ReasonWriteFailed)
		return
	}
	metrics.FramesSent.WithLabelValues("client").Inc()

	s.result.Outcome = events.OutcomeRejected
	s.result.Reason = reason
	s.logger.Info().Str("reason", string(reason)).Msg("handshake rejected")

	s.enterClosing()
}

func (s *Session) enterClosing() {
	s.setState(StateClosing)
	s.startTimer(timerGrace, s.cfg.GracePeriod)
}

// fail closes the session immediately. An outcome that was already decided
// is kept.
func (s *Session) fail(reason events.Reason) {
	if s.result.Outcome == "" {
		s.result.Outcome = events.OutcomeAborted
		s.result.Reason = reason
	}
	s.teardown()
}

func (s *Session) teardown() {
	for kind := range s.timers {
		s.stopTimer(kind)
	}
	s.releaseDial()
	s.closeBackend()
	s.client.Close()
	s.setState(StateClosed)
}

func (s *Session) finish(ctx context.Context) {
	s.result.Duration = time.Since(s.startedAt)

	kind := string(s.result.Kind)
	if kind == "" {
		kind = "none"
	}
	metrics.Handshakes.WithLabelValues(kind, string(s.result.Outcome), string(s.result.Reason)).Inc()
	if s.result.Outcome != events.OutcomeAborted && !s.requestAt.IsZero() {
		metrics.HandshakeDuration.WithLabelValues(kind).Observe(time.Since(s.requestAt).Seconds())
	}

	switch s.result.Outcome {
	case events.OutcomeRouted:
		s.emit(ctx, events.EventHandshakeRouted, s.result)
	case events.OutcomeRejected:
		s.emit(ctx, events.EventHandshakeReject, s.result)
	default:
		s.emit(ctx, events.EventSessionAborted, s.result)
	}
	s.emit(ctx, events.EventSessionClosed, events.SessionPayload{SessionID: s.id, Remote: s.remote})

	s.logger.Debug().
		Str("outcome", string(s.result.Outcome)).
		Str("reason", string(s.result.Reason)).
		Dur("duration", s.result.Duration).
		Msg("session closed")
}

func (s *Session) emit(ctx context.Context, t events.EventType, payload interface{}) {
	if s.bus == nil {
		return
	}
	// Outcome events outlive the session context on shutdown.
	s.bus.Emit(context.WithoutCancel(ctx), events.Event{
		Type:    t,
		Source:  "session:" + s.id,
		Payload: payload,
	})
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) startTimer(kind timerKind, d time.Duration) {
	s.stopTimer(kind)
	s.timers[kind] = time.AfterFunc(d, func() {
		s.post(sessionEvent{kind: evTimer, timer: kind})
	})
}

func (s *Session) stopTimer(kind timerKind) {
	if t, ok := s.timers[kind]; ok {
		t.Stop()
		delete(s.timers, kind)
	}
}

func (s *Session) releaseDial() {
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
}

func (s *Session) closeBackend() {
	if s.backendConn != nil {
		s.backendConn.Close()
		s.backendConn = nil
	}
}

// post delivers an event to the session loop. It reports false once the loop
// has exited.
func (s *Session) post(ev sessionEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) readClient() {
	for {
		frames, err := s.client.ReadFrames()
		for _, f := range frames {
			if !s.post(sessionEvent{kind: evClientFrame, payload: f.Payload}) {
				return
			}
		}
		if err != nil {
			kind := evClientClosed
			if errors.Is(err, protocol.ErrMalformedFrame) {
				kind = evClientMalformed
			}
			s.post(sessionEvent{kind: kind, err: err})
			return
		}
	}
}

func (s *Session) dial(ctx context.Context, addr string) {
	started := time.Now()
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	metrics.BackendConnectDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		s.post(sessionEvent{kind: evConnectFailed, err: err})
		return
	}
	if !s.post(sessionEvent{kind: evConnected, conn: conn}) {
		conn.Close()
	}
}

func (s *Session) readBackend(bc *FrameConn) {
	for {
		frames, err := bc.ReadFrames()
		for _, f := range frames {
			if !s.post(sessionEvent{kind: evBackendFrame, payload: f.Payload}) {
				return
			}
		}
		if err != nil {
			s.post(sessionEvent{kind: evBackendFailed, err: err})
			return
		}
	}
}

func describeResponse(payload []byte) string {
	msg, err := protocol.Decode(payload)
	if err != nil {
		return "opaque"
	}
	switch m := msg.(type) {
	case *protocol.LoginResponse:
		return fmt.Sprintf("login 0x%04X", m.Result)
	case *protocol.EnterGameResponse:
		if m.Result == protocol.EnterGameResTypeReject {
			return fmt.Sprintf("enter_game reject %s", m.RejectCode)
		}
		return fmt.Sprintf("enter_game 0x%04X", m.Result)
	case *protocol.UnknownMessage:
		return m.String()
	}
	return fmt.Sprintf("0x%08X", msg.MsgID())
}
