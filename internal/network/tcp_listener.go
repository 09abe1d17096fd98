package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hbbalancer/hbbalancer/internal/config"
	"github.com/hbbalancer/hbbalancer/internal/events"
	"github.com/hbbalancer/hbbalancer/internal/metrics"
)

const (
	keepAlivePeriod = 30 * time.Second
	rateSweepPeriod = 30 * time.Second
)

// Listener accepts client connections on the balancer port and runs one
// Session per connection.
type Listener struct {
	cfg        config.BalancerConfig
	sessionCfg SessionConfig
	resolver   Resolver
	dialer     Dialer
	eventBus   *events.EventBus
	registry   *SessionRegistry
	stats      *Stats
	rate       *rateTracker
	logger     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
	wg       sync.WaitGroup
}

// ListenerOption customizes a Listener.
type ListenerOption func(*Listener)

// WithDialer replaces the backend dialer.
func WithDialer(d Dialer) ListenerOption {
	return func(l *Listener) { l.dialer = d }
}

// WithSessionConfig overrides the session timing derived from the balancer
// configuration.
func WithSessionConfig(cfg SessionConfig) ListenerOption {
	return func(l *Listener) { l.sessionCfg = cfg }
}

// NewListener creates a listener. eventBus may be nil.
func NewListener(cfg config.BalancerConfig, resolver Resolver, eventBus *events.EventBus, opts ...ListenerOption) *Listener {
	l := &Listener{
		cfg: cfg,
		sessionCfg: SessionConfig{
			ConnectTimeout:  cfg.ConnectTimeout(),
			GracePeriod:     cfg.GracePeriod(),
			RequestTimeout:  cfg.RequestTimeout(),
			ResponseTimeout: cfg.ResponseTimeout(),
		},
		resolver: resolver,
		dialer:   &net.Dialer{KeepAlive: keepAlivePeriod},
		eventBus: eventBus,
		registry: NewSessionRegistry(),
		stats:    newStats(),
		rate:     newRateTracker(cfg.MaxConnPerSec),
		logger:   log.With().Str("component", "listener").Logger(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start binds the listening socket and accepts connections until ctx is
// cancelled or Stop is called. Open sessions are closed before it returns.
func (l *Listener) Start(ctx context.Context) error {
	addr := l.cfg.ListenAddr()

	lc := listenConfig(keepAlivePeriod)
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start listener on %s: %w", addr, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()
	close(l.ready)

	l.logger.Info().Str("addr", ln.Addr().String()).Msg("balancer listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go l.sweepRates(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			l.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}
		l.accept(ctx, conn)
	}

	l.logger.Info().Int("sessions", l.registry.Count()).Msg("listener stopping")
	l.registry.CloseAll()
	l.wg.Wait()
	return nil
}

func (l *Listener) accept(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()

	if !l.rate.allow(extractIP(conn.RemoteAddr())) {
		l.deny(ctx, conn, remote, events.ReasonRateLimited)
		return
	}
	if max := l.cfg.MaxConcurrentConn; max > 0 && l.registry.Count() >= max {
		l.deny(ctx, conn, remote, events.ReasonTooManySessions)
		return
	}

	s := NewSession(uuid.NewString(), conn, l.resolver, l.dialer, l.sessionCfg, l.eventBus)
	l.registry.Register(s)
	l.stats.accepted.Add(1)
	metrics.ConnectionsAccepted.Inc()
	metrics.SessionsActive.Inc()

	l.logger.Debug().Str("remote", remote).Str("session", s.ID()).Msg("client connected")

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer metrics.SessionsActive.Dec()
		defer l.registry.Unregister(s.ID())

		result := s.Run(ctx)
		l.stats.record(result.Outcome)
	}()
}

func (l *Listener) deny(ctx context.Context, conn net.Conn, remote string, reason events.Reason) {
	l.stats.denied.Add(1)
	metrics.ConnectionsDenied.WithLabelValues(string(reason)).Inc()
	conn.Close()

	l.logger.Warn().Str("remote", remote).Str("reason", string(reason)).Msg("connection denied")

	if l.eventBus != nil {
		l.eventBus.Emit(ctx, events.Event{
			Type:    events.EventConnectionDenied,
			Source:  "listener",
			Payload: events.DeniedPayload{Remote: remote, Reason: reason},
		})
	}
}

func (l *Listener) sweepRates(ctx context.Context) {
	ticker := time.NewTicker(rateSweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.rate.sweep(); n > 0 {
				l.logger.Trace().Int("buckets", n).Msg("expired rate buckets removed")
			}
		}
	}
}

// Ready is closed once the socket is bound.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Addr returns the bound address, or nil before Start has bound the socket.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// ReuseAddrListenConfig returns the listen configuration used by the
// balancer port, for other servers sharing the process.
func ReuseAddrListenConfig() net.ListenConfig {
	return listenConfig(keepAlivePeriod)
}

// Sessions returns the session registry.
func (l *Listener) Sessions() *SessionRegistry {
	return l.registry
}

// Stats returns a snapshot of the listener counters.
func (l *Listener) Stats() StatsSnapshot {
	return l.stats.snapshot(l.registry.Count())
}

// Stop closes the listening socket. Start returns once open sessions are
// closed.
func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
