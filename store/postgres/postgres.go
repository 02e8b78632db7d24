// Package postgres implements a durable event log for brain runs using
// PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	cortex "github.com/arimelias/cortex"
)

// Store persists canonical events keyed by (brain_run_id, ts). It doubles as
// a cortex.Adapter; the stored log feeds cortex.Resume. Hosts running many
// concurrent brains share one Store per pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ cortex.Adapter = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the events table and its index.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS brain_events (
			brain_run_id TEXT NOT NULL,
			ts BIGINT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (brain_run_id, ts)
		)`,
		`CREATE INDEX IF NOT EXISTS brain_events_type_idx ON brain_events(brain_run_id, type)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init brain_events: %w", err)
		}
	}
	return nil
}

// Dispatch appends one event. Re-delivery of an already stored (run, ts)
// pair is a no-op, so replays after a crash are safe.
func (s *Store) Dispatch(ctx context.Context, ev cortex.Event) error {
	payload, err := ev.Canonical()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO brain_events (brain_run_id, ts, type, payload)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (brain_run_id, ts) DO NOTHING`,
		ev.BrainRunID, ev.Timestamp, string(ev.Type), payload)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// LoadEvents returns a run's full event history in stream order.
func (s *Store) LoadEvents(ctx context.Context, brainRunID string) ([]cortex.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM brain_events WHERE brain_run_id = $1 ORDER BY ts ASC`, brainRunID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []cortex.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := cortex.DecodeEvent(payload)
		if err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Runs lists stored run ids with their latest event type, newest first.
func (s *Store) Runs(ctx context.Context, limit int) (map[string]cortex.EventType, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (brain_run_id) brain_run_id, type
		FROM brain_events
		ORDER BY brain_run_id, ts DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]cortex.EventType)
	for rows.Next() {
		var id, typ string
		if err := rows.Scan(&id, &typ); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out[id] = cortex.EventType(typ)
	}
	return out, rows.Err()
}
