// Package network implements the client-facing listener and the per-connection
// routing sessions that forward login and enter-game handshakes to backend
// world servers.
package network

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hbbalancer/hbbalancer/internal/protocol"
)

const (
	// DefaultWriteTimeout bounds a single framed write on either leg.
	DefaultWriteTimeout = 10 * time.Second

	readChunkSize = 4096
)

var errConnClosed = errors.New("connection is closed")

// FrameConn wraps a TCP connection carrying obfuscated frames. It is used for
// both the client leg and the backend leg of a session.
type FrameConn struct {
	mu           sync.Mutex
	conn         net.Conn
	parser       protocol.FrameParser
	buf          []byte
	writeTimeout time.Duration

	connectedAt  time.Time
	lastActivity time.Time
	closed       bool
}

// NewFrameConn wraps an existing net.Conn.
func NewFrameConn(conn net.Conn, writeTimeout time.Duration) *FrameConn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	now := time.Now()
	return &FrameConn{
		conn:         conn,
		buf:          make([]byte, readChunkSize),
		writeTimeout: writeTimeout,
		connectedAt:  now,
		lastActivity: now,
	}
}

// ReadFrames blocks until at least one chunk has been received and returns
// the frames it completed, possibly none. Frames preceding a malformed frame
// in the same chunk are returned together with the error. Only one goroutine
// may read at a time.
func (c *FrameConn) ReadFrames() ([]protocol.Frame, error) {
	n, readErr := c.conn.Read(c.buf)

	var frames []protocol.Frame
	if n > 0 {
		c.touch()
		var err error
		frames, err = c.parser.Feed(c.buf[:n])
		if err != nil {
			return frames, err
		}
	}
	return frames, readErr
}

// WriteFrame sends payload as a single frame under a freshly drawn key.
func (c *FrameConn) WriteFrame(payload []byte) error {
	data, err := protocol.EncodeFrame(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnClosed
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	c.lastActivity = time.Now()
	return nil
}

// Close closes the connection. Repeated calls are no-ops.
func (c *FrameConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *FrameConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FrameConn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the last read/write activity.
func (c *FrameConn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was wrapped.
func (c *FrameConn) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *FrameConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SessionRegistry tracks the sessions currently owned by the listener.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry creates a new SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
	}
}

// Register adds a session to the registry.
func (r *SessionRegistry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.ID()] = s
	log.Trace().Str("session", s.ID()).Msg("session registered")
}

// Unregister removes a session from the registry.
func (r *SessionRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the session with the given id.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Snapshot returns the info of every registered session, oldest first.
func (r *SessionRegistry) Snapshot() []SessionInfo {
	r.mu.RLock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Count returns the number of registered sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll aborts every registered session. Sessions unregister themselves
// when their loop exits.
func (r *SessionRegistry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}

	if len(sessions) > 0 {
		log.Info().Int("sessions", len(sessions)).Msg("all sessions closed")
	}
}
