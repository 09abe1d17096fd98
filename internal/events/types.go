// Package events defines the event types published by the balancer. Sessions
// report their outcome on the bus; the audit log, telemetry and statistics
// subscribe to it.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle
	EventSessionOpened    EventType = "session_opened"
	EventSessionClosed    EventType = "session_closed"
	EventHandshakeRouted  EventType = "handshake_routed"
	EventHandshakeReject  EventType = "handshake_rejected"
	EventSessionAborted   EventType = "session_aborted"
	EventConnectionDenied EventType = "connection_denied"

	// Backends
	EventBackendStatus EventType = "backend_status"

	// System
	EventHeartbeat EventType = "heartbeat"
	EventShutdown  EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// RequestKind names the handshake request a session is servicing.
type RequestKind string

const (
	KindLogin     RequestKind = "login"
	KindEnterGame RequestKind = "enter_game"
)

// Outcome is the terminal result of a handshake.
type Outcome string

const (
	OutcomeRouted   Outcome = "routed"   // backend response relayed to the client
	OutcomeRejected Outcome = "rejected" // balancer synthesized a rejection
	OutcomeAborted  Outcome = "aborted"  // connection dropped without a response
)

// Reason refines rejected and aborted outcomes.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonWorldNotFound   Reason = "world_not_found"
	ReasonConnectFailed   Reason = "backend_connect_failed"
	ReasonBackendProtocol Reason = "backend_protocol_error"
	ReasonBackendTimeout  Reason = "backend_response_timeout"
	ReasonMalformedFrame  Reason = "malformed_frame"
	ReasonUnknownMessage  Reason = "unknown_message"
	ReasonUnexpected      Reason = "unexpected_message"
	ReasonRequestTimeout  Reason = "request_timeout"
	ReasonClientClosed    Reason = "client_closed"
	ReasonWriteFailed     Reason = "write_failed"
	ReasonShutdown        Reason = "shutdown"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonTooManySessions Reason = "too_many_sessions"
)

// HandshakePayload describes the outcome of one session.
type HandshakePayload struct {
	SessionID string        `json:"session_id"`
	Remote    string        `json:"remote"`
	Kind      RequestKind   `json:"kind,omitempty"`
	Account   string        `json:"account,omitempty"`
	World     string        `json:"world,omitempty"`
	Backend   string        `json:"backend,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	Reason    Reason        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// SessionPayload is carried by session opened/closed events.
type SessionPayload struct {
	SessionID string `json:"session_id"`
	Remote    string `json:"remote"`
}

// DeniedPayload is carried by connection denied events.
type DeniedPayload struct {
	Remote string `json:"remote"`
	Reason Reason `json:"reason"`
}

// BackendStatusPayload is carried by backend status events when a probe
// result changes.
type BackendStatusPayload struct {
	World     string        `json:"world"`
	Backend   string        `json:"backend"`
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
}

// HeartbeatPayload summarizes the balancer state.
type HeartbeatPayload struct {
	Uptime         time.Duration `json:"uptime_ns"`
	ActiveSessions int           `json:"active_sessions"`
	Worlds         int           `json:"worlds"`
	Routed         uint64        `json:"routed"`
	Rejected       uint64        `json:"rejected"`
	Aborted        uint64        `json:"aborted"`
}
