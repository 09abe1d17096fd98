// Package health probes backend world servers and publishes a periodic
// heartbeat. Probe results are informational: routing never consults them.
package health

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hbbalancer/hbbalancer/internal/config"
	"github.com/hbbalancer/hbbalancer/internal/directory"
	"github.com/hbbalancer/hbbalancer/internal/events"
	"github.com/hbbalancer/hbbalancer/internal/metrics"
	"github.com/hbbalancer/hbbalancer/internal/network"
)

// Catalog lists the configured backends.
type Catalog interface {
	Worlds() []string
	Descriptors(world string) []directory.Descriptor
}

// StatsProvider exposes listener counters for the heartbeat.
type StatsProvider interface {
	Stats() network.StatsSnapshot
}

// BackendStatus is the last probe result for one backend.
type BackendStatus struct {
	World      string        `json:"world"`
	Backend    string        `json:"backend"`
	Reachable  bool          `json:"reachable"`
	Latency    time.Duration `json:"latency_ns"`
	LastError  string        `json:"last_error,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
	LastChange time.Time     `json:"last_change"`
}

// Manager runs periodic backend probes and the heartbeat.
type Manager struct {
	timers       config.TimerConfig
	probeTimeout time.Duration
	catalog      Catalog
	stats        StatsProvider
	eventBus     *events.EventBus
	dialer       network.Dialer

	mu     sync.RWMutex
	status map[string]*BackendStatus
}

// NewManager creates a health manager. stats and eventBus may be nil.
func NewManager(cfg *config.Config, catalog Catalog, stats StatsProvider, eventBus *events.EventBus) *Manager {
	timeout := cfg.Balancer.ConnectTimeout()
	if timeout <= 0 {
		timeout = network.DefaultConnectTimeout
	}
	return &Manager{
		timers:       cfg.ApplicationData.Timers,
		probeTimeout: timeout,
		catalog:      catalog,
		stats:        stats,
		eventBus:     eventBus,
		dialer:       &net.Dialer{},
		status:       make(map[string]*BackendStatus),
	}
}

// Start launches the probe and heartbeat loops and blocks until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"backend_probe", m.timers.BackendProbeInterval, func(ctx context.Context) { m.ProbeAll(ctx) }},
		{"heartbeat", m.timers.HeartbeatInterval, m.heartbeat},
	}

	started := 0
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}
		started++

		check := check
		go func() {
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			log.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	log.Info().Int("checks", started).Msg("health manager started")

	<-ctx.Done()
	log.Info().Msg("health manager stopped")
}

// ProbeAll probes every configured backend concurrently.
func (m *Manager) ProbeAll(ctx context.Context) []BackendStatus {
	var results []BackendStatus
	for _, world := range m.catalog.Worlds() {
		results = append(results, m.ProbeWorld(ctx, world)...)
	}
	return results
}

// ProbeWorld probes every backend registered for world.
func (m *Manager) ProbeWorld(ctx context.Context, world string) []BackendStatus {
	descs := m.catalog.Descriptors(world)
	results := make([]BackendStatus, len(descs))

	var wg sync.WaitGroup
	for i, d := range descs {
		i, d := i, d
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.probe(ctx, world, d)
		}()
	}
	wg.Wait()

	return results
}

func (m *Manager) probe(ctx context.Context, world string, d directory.Descriptor) BackendStatus {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	addr := d.Addr()
	started := time.Now()
	conn, err := m.dialer.DialContext(ctx, "tcp", addr)
	latency := time.Since(started)

	result := BackendStatus{
		World:     world,
		Backend:   addr,
		Reachable: err == nil,
		CheckedAt: time.Now(),
	}
	if err != nil {
		result.LastError = err.Error()
	} else {
		conn.Close()
		result.Latency = latency
		metrics.BackendProbeLatency.WithLabelValues(world, addr).Set(latency.Seconds())
	}
	if result.Reachable {
		metrics.BackendUp.WithLabelValues(world, addr).Set(1)
	} else {
		metrics.BackendUp.WithLabelValues(world, addr).Set(0)
	}

	return m.update(ctx, result)
}

// update stores a probe result and emits a status event when reachability
// changed, including the first result for a backend.
func (m *Manager) update(ctx context.Context, result BackendStatus) BackendStatus {
	key := result.World + "|" + result.Backend

	m.mu.Lock()
	prev, seen := m.status[key]
	changed := !seen || prev.Reachable != result.Reachable
	if changed {
		result.LastChange = result.CheckedAt
	} else {
		result.LastChange = prev.LastChange
	}
	stored := result
	m.status[key] = &stored
	m.mu.Unlock()

	if !changed {
		return result
	}

	ev := log.Info()
	if !result.Reachable {
		ev = log.Warn().Str("error", result.LastError)
	}
	ev.Str("world", result.World).
		Str("backend", result.Backend).
		Bool("reachable", result.Reachable).
		Msg("backend status changed")

	if m.eventBus != nil {
		m.eventBus.Emit(context.WithoutCancel(ctx), events.Event{
			Type:   events.EventBackendStatus,
			Source: "health",
			Payload: events.BackendStatusPayload{
				World:     result.World,
				Backend:   result.Backend,
				Reachable: result.Reachable,
				Latency:   result.Latency,
				Error:     result.LastError,
			},
		})
	}
	return result
}

// Status returns the last probe result of every backend, sorted by world and
// address.
func (m *Manager) Status() []BackendStatus {
	m.mu.RLock()
	out := make([]BackendStatus, 0, len(m.status))
	for _, s := range m.status {
		out = append(out, *s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].World != out[j].World {
			return out[i].World < out[j].World
		}
		return out[i].Backend < out[j].Backend
	})
	return out
}

// Heartbeat builds the current heartbeat payload.
func (m *Manager) Heartbeat() events.HeartbeatPayload {
	hb := events.HeartbeatPayload{Worlds: len(m.catalog.Worlds())}
	if m.stats != nil {
		s := m.stats.Stats()
		hb.Uptime = s.Uptime
		hb.ActiveSessions = s.Active
		hb.Routed = s.Routed
		hb.Rejected = s.Rejected
		hb.Aborted = s.Aborted
	}
	return hb
}

func (m *Manager) heartbeat(ctx context.Context) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventHeartbeat,
		Source:  "heartbeat",
		Payload: m.Heartbeat(),
	})
}
