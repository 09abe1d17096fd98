package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hbbalancer/hbbalancer/internal/events"
	"github.com/hbbalancer/hbbalancer/internal/metrics"
)

const handshakeSchema = `
	CREATE TABLE IF NOT EXISTS handshakes (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		remote      TEXT NOT NULL,
		kind        TEXT NOT NULL DEFAULT '',
		account     TEXT NOT NULL DEFAULT '',
		world       TEXT NOT NULL DEFAULT '',
		backend     TEXT NOT NULL DEFAULT '',
		outcome     TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL
	)`

const handshakeIndex = `CREATE INDEX IF NOT EXISTS idx_handshakes_created ON handshakes(created_at)`

// HandshakeRecord is one row of the audit log.
type HandshakeRecord struct {
	ID        int64              `json:"id"`
	SessionID string             `json:"session_id"`
	Remote    string             `json:"remote"`
	Kind      events.RequestKind `json:"kind,omitempty"`
	Account   string             `json:"account,omitempty"`
	World     string             `json:"world,omitempty"`
	Backend   string             `json:"backend,omitempty"`
	Outcome   events.Outcome     `json:"outcome"`
	Reason    events.Reason      `json:"reason,omitempty"`
	Duration  time.Duration      `json:"duration_ns"`
	CreatedAt time.Time          `json:"created_at"`
}

// HandshakeLog records the outcome of every session.
type HandshakeLog struct {
	db *Database
}

// NewHandshakeLog opens the audit log at dbPath and creates its schema.
func NewHandshakeLog(dbPath string) (*HandshakeLog, error) {
	database, err := Open(dbPath)
	if err != nil {
		return nil, err
	}

	if err := database.Migrate(handshakeSchema, handshakeIndex); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate handshake log: %w", err)
	}

	return &HandshakeLog{db: database}, nil
}

// Close closes the underlying database.
func (h *HandshakeLog) Close() error {
	return h.db.Close()
}

// Record stores a handshake outcome stamped with at.
func (h *HandshakeLog) Record(ctx context.Context, p events.HandshakePayload, at time.Time) error {
	_, err := h.db.Exec(ctx, `
		INSERT INTO handshakes
			(session_id, remote, kind, account, world, backend, outcome, reason, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SessionID, p.Remote, string(p.Kind), p.Account, p.World, p.Backend,
		string(p.Outcome), string(p.Reason), p.Duration.Milliseconds(), at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record handshake %s: %w", p.SessionID, err)
	}
	metrics.AuditRecords.Inc()
	return nil
}

// Recent returns up to limit records, newest first.
func (h *HandshakeLog) Recent(ctx context.Context, limit int) ([]HandshakeRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := h.db.Query(ctx, `
		SELECT id, session_id, remote, kind, account, world, backend, outcome, reason, duration_ms, created_at
		FROM handshakes ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query handshakes: %w", err)
	}
	defer rows.Close()

	var records []HandshakeRecord
	for rows.Next() {
		var (
			r                     HandshakeRecord
			kind, outcome, reason string
			durationMs, createdMs int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Remote, &kind, &r.Account, &r.World,
			&r.Backend, &outcome, &reason, &durationMs, &createdMs); err != nil {
			return nil, fmt.Errorf("failed to scan handshake: %w", err)
		}
		r.Kind = events.RequestKind(kind)
		r.Outcome = events.Outcome(outcome)
		r.Reason = events.Reason(reason)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.CreatedAt = time.UnixMilli(createdMs)
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountByOutcome returns the number of records per outcome.
func (h *HandshakeLog) CountByOutcome(ctx context.Context) (map[events.Outcome]int, error) {
	rows, err := h.db.Query(ctx, `SELECT outcome, COUNT(*) FROM handshakes GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to count handshakes: %w", err)
	}
	defer rows.Close()

	counts := make(map[events.Outcome]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[events.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

// PruneOlderThan deletes records created before cutoff and returns how many
// were removed.
func (h *HandshakeLog) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := h.db.Exec(ctx, `DELETE FROM handshakes WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune handshakes: %w", err)
	}
	n, _ := res.RowsAffected()
	metrics.AuditPruned.Add(float64(n))
	return n, nil
}

// Subscribe records every handshake outcome published on the bus.
func (h *HandshakeLog) Subscribe(bus *events.EventBus) {
	handler := func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.HandshakePayload)
		if !ok {
			return nil
		}
		return h.Record(ctx, p, e.Timestamp)
	}

	for _, t := range []events.EventType{
		events.EventHandshakeRouted,
		events.EventHandshakeReject,
		events.EventSessionAborted,
	} {
		bus.Subscribe(t, "audit_log", handler)
	}

	log.Debug().Str("path", h.db.Path()).Msg("handshake audit log subscribed")
}
