package network

import (
	"sync/atomic"
	"time"

	"github.com/hbbalancer/hbbalancer/internal/events"
)

// Stats counts listener activity since start.
type Stats struct {
	startedAt time.Time
	accepted  atomic.Uint64
	denied    atomic.Uint64
	routed    atomic.Uint64
	rejected  atomic.Uint64
	aborted   atomic.Uint64
}

// StatsSnapshot is a copy of the counters.
type StatsSnapshot struct {
	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime_ns"`
	Accepted  uint64        `json:"accepted"`
	Denied    uint64        `json:"denied"`
	Routed    uint64        `json:"routed"`
	Rejected  uint64        `json:"rejected"`
	Aborted   uint64        `json:"aborted"`
	Active    int           `json:"active"`
}

func newStats() *Stats {
	return &Stats{startedAt: time.Now()}
}

func (s *Stats) record(outcome events.Outcome) {
	switch outcome {
	case events.OutcomeRouted:
		s.routed.Add(1)
	case events.OutcomeRejected:
		s.rejected.Add(1)
	default:
		s.aborted.Add(1)
	}
}

func (s *Stats) snapshot(active int) StatsSnapshot {
	return StatsSnapshot{
		StartedAt: s.startedAt,
		Uptime:    time.Since(s.startedAt),
		Accepted:  s.accepted.Load(),
		Denied:    s.denied.Load(),
		Routed:    s.routed.Load(),
		Rejected:  s.rejected.Load(),
		Aborted:   s.aborted.Load(),
		Active:    active,
	}
}
